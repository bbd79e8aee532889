package auth

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"strconv"
	"time"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	"github.com/underscore-finance/underscore/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrSignatureInvalid  = xerrors.New(xerrors.CodeSignatureInvalid, "invalid signature")
	ErrSignatureExpired  = xerrors.New(xerrors.CodeSignatureExpired, "signature expired")
	ErrSignatureReplayed = xerrors.New(xerrors.CodeSignatureReplayed, "signature already used")
)

// Digest 返回 wallet 上 msg 的 EIP-712 哈希。
func Digest(domain Domain, wallet common.Address, msg Message) (common.Hash, error) {
	if msg == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInvalidArgument, "授权消息不能为空")
	}
	hash, _, err := apitypes.TypedDataAndHash(domain.TypedData(wallet, msg))
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码授权消息失败")
	}
	return common.BytesToHash(hash), nil
}

// Recover 从 65 字节签名中恢复签名者，接受 0/1 与 27/28 两种 V 值。
func Recover(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, ErrSignatureInvalid
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeSignatureInvalid, err, "恢复签名公钥失败")
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify 检查签名来自 expected 且在 now 时仍未过期。它不访问任何状态。
func Verify(digest common.Hash, signature []byte, expected common.Address, expiration, now uint64) error {
	if expiration <= now {
		return xerrors.Wrap(xerrors.CodeSignatureExpired, ErrSignatureExpired, "signature expired",
			xerrors.WithMetadata("expiration", strconv.FormatUint(expiration, 10)))
	}
	signer, err := Recover(digest, signature)
	if err != nil {
		return err
	}
	if signer != expected {
		return xerrors.Wrap(xerrors.CodeSignatureInvalid, ErrSignatureInvalid, "signer mismatch",
			xerrors.WithMetadata("recovered", signer.Hex()))
	}
	return nil
}

// Sign 以 key 签署 msg，返回 V 为 27/28 的签名。
func Sign(domain Domain, wallet common.Address, msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(domain, wallet, msg)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SignedRequest 是提交者代签名者递交的授权。
type SignedRequest struct {
	Signer    common.Address
	Signature []byte
	Message   Message
}

// Verifier 校验签名授权并防止重放。
type Verifier struct {
	domain Domain
	guard  ReplayGuard
	now    func() time.Time
	logger *slog.Logger
}

// VerifierOption 配置 Verifier。
type VerifierOption func(*Verifier)

// WithReplayGuard 设置重放保护。
func WithReplayGuard(guard ReplayGuard) VerifierOption {
	return func(v *Verifier) { v.guard = guard }
}

// WithNow 替换时间源（测试用）。
func WithNow(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithVerifierLogger 设置审计日志。
func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier 创建 Verifier；未配置 ReplayGuard 时使用内存实现。
func NewVerifier(domain Domain, opts ...VerifierOption) *Verifier {
	if domain.Name == "" {
		domain.Name = DefaultDomainName
	}
	v := &Verifier{domain: domain, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	if v.guard == nil {
		v.guard = NewMemoryReplayGuard()
	}
	if v.logger == nil {
		v.logger = logger.Audit().With(slog.String("component", "signed_auth"))
	}
	return v
}

// Domain 返回签名域。
func (v *Verifier) Domain() Domain { return v.domain }

// Authorize 校验 req 针对 wallet 的签名、过期时间并登记摘要。
// 过期时间以 Unix 秒表示。
func (v *Verifier) Authorize(ctx context.Context, wallet common.Address, req SignedRequest) (common.Address, error) {
	digest, err := Digest(v.domain, wallet, req.Message)
	if err != nil {
		return common.Address{}, err
	}
	now := v.now()
	if err := Verify(digest, req.Signature, req.Signer, req.Message.ExpiresAt(), uint64(now.Unix())); err != nil {
		v.logger.Warn("签名授权被拒绝",
			logger.Address("wallet", wallet),
			logger.Address("signer", req.Signer),
			slog.String("type", req.Message.PrimaryType()),
			slog.Any("error", err),
		)
		return common.Address{}, err
	}
	ttl := time.Unix(int64(req.Message.ExpiresAt()), 0).Sub(now)
	if err := v.guard.Use(ctx, digest, ttl); err != nil {
		v.logger.Warn("签名授权重放",
			logger.Address("wallet", wallet),
			logger.Address("signer", req.Signer),
			slog.String("digest", digest.Hex()),
		)
		return common.Address{}, err
	}
	return req.Signer, nil
}

// Release 撤销 Authorize 对 msg 摘要的登记，供操作失败后重新提交同一签名。
func (v *Verifier) Release(ctx context.Context, wallet common.Address, msg Message) error {
	digest, err := Digest(v.domain, wallet, msg)
	if err != nil {
		return err
	}
	return v.guard.Release(ctx, digest)
}
