package auth

import (
	"context"
	"sync"
	"time"

	xerrors "github.com/underscore-finance/underscore/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// ReplayGuard 记录已使用的授权摘要。Use 在摘要已登记时返回 ErrSignatureReplayed；
// Release 撤销一次未执行成功的登记。
type ReplayGuard interface {
	Use(ctx context.Context, digest common.Hash, ttl time.Duration) error
	Release(ctx context.Context, digest common.Hash) error
}

// MemoryReplayGuard 在进程内保存摘要，过期项惰性清理。
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[common.Hash]time.Time
	now  func() time.Time
}

// NewMemoryReplayGuard 创建内存实现。
func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[common.Hash]time.Time), now: time.Now}
}

// Use 实现 ReplayGuard。
func (g *MemoryReplayGuard) Use(_ context.Context, digest common.Hash, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	for d, exp := range g.seen {
		if !exp.After(now) {
			delete(g.seen, d)
		}
	}
	if _, ok := g.seen[digest]; ok {
		return ErrSignatureReplayed
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	g.seen[digest] = now.Add(ttl)
	return nil
}

// Release 实现 ReplayGuard。
func (g *MemoryReplayGuard) Release(_ context.Context, digest common.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, digest)
	return nil
}

// RedisReplayGuardConfig 描述 Redis 连接。
type RedisReplayGuardConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisReplayGuard 用 SETNX 在多个实例间共享摘要。
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayGuard 连接 Redis。
func NewRedisReplayGuard(ctx context.Context, cfg RedisReplayGuardConfig) (*RedisReplayGuard, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedisReplayGuardWithClient(client, cfg.Prefix), nil
}

// NewRedisReplayGuardWithClient 复用已有客户端。
func NewRedisReplayGuardWithClient(client *redis.Client, prefix string) *RedisReplayGuard {
	if prefix == "" {
		prefix = "underscore:sig:"
	}
	return &RedisReplayGuard{client: client, prefix: prefix}
}

// Use 实现 ReplayGuard。
func (g *RedisReplayGuard) Use(ctx context.Context, digest common.Hash, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	ok, err := g.client.SetNX(ctx, g.prefix+digest.Hex(), 1, ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入签名摘要失败")
	}
	if !ok {
		return ErrSignatureReplayed
	}
	return nil
}

// Release 实现 ReplayGuard。
func (g *RedisReplayGuard) Release(ctx context.Context, digest common.Hash) error {
	if err := g.client.Del(ctx, g.prefix+digest.Hex()).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放签名摘要失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (g *RedisReplayGuard) Close() error {
	return g.client.Close()
}
