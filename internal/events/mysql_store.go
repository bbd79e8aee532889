package events

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"

	xerrors "github.com/underscore-finance/underscore/internal/errors"
	storagemysql "github.com/underscore-finance/underscore/internal/storage/mysql"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
)

// MySQLStore 使用 MySQL 的 wallet_events 表保存事件。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接 MySQL 并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg storagemysql.Config) (*MySQLStore, error) {
	db, err := storagemysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// NewMySQLStoreWithDB 复用已有连接池，不执行迁移。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

const eventColumns = `id, kind, wallet, signer, is_signer_agent, lego_id, lego_addr, data, usd_value, chain_time, created_at`

// Append 插入事件，重复 ID 返回 ErrEventConflict。
func (s *MySQLStore) Append(ctx context.Context, event *Event) error {
	if err := event.validate(); err != nil {
		return err
	}
	data, err := marshalData(event.Data)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件字段失败")
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO wallet_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		string(event.Kind),
		event.Wallet.Hex(),
		event.Signer.Hex(),
		event.IsSignerAgent,
		event.LegoID,
		event.LegoAddr.Hex(),
		data,
		event.UsdValue.String(),
		event.Time,
		event.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrEventConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入事件失败")
	}
	return nil
}

// Get 查询指定事件。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM wallet_events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	return event, nil
}

// List 按过滤条件分页查询。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Event, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	order := "DESC"
	if opts.Order == SortByCreatedAsc {
		order = "ASC"
	}
	query := `SELECT ` + eventColumns + ` FROM wallet_events` + where +
		` ORDER BY created_at ` + order + `, id ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件列表失败")
	}
	defer rows.Close()

	out := make([]*Event, 0, opts.Limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

// Stats 统计符合过滤条件的事件。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()
	where, args := buildWhere(opts)

	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*), SUM(is_signer_agent), MIN(created_at), MAX(created_at)
        FROM wallet_events`+where+` GROUP BY kind`, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计事件失败")
	}
	defer rows.Close()

	stats := Stats{ByKind: map[Kind]int{}}
	for rows.Next() {
		var (
			kind           string
			count, agents  int
			oldest, newest int64
		)
		if err := rows.Scan(&kind, &count, &agents, &oldest, &newest); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析统计结果失败")
		}
		stats.Total += count
		stats.ByKind[Kind(kind)] = count
		stats.AgentInitiated += agents
		if newest > stats.NewestCreated {
			stats.NewestCreated = newest
		}
		if stats.OldestCreated == 0 || oldest < stats.OldestCreated {
			stats.OldestCreated = oldest
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			placeholders[i] = "?"
			args = append(args, string(k))
		}
		clauses = append(clauses, "kind IN ("+strings.Join(placeholders, ", ")+")")
	}
	if opts.Wallet != (common.Address{}) {
		clauses = append(clauses, "wallet = ?")
		args = append(args, opts.Wallet.Hex())
	}
	if opts.Signer != (common.Address{}) {
		clauses = append(clauses, "signer = ?")
		args = append(args, opts.Signer.Hex())
	}
	if opts.AgentOnly != nil {
		clauses = append(clauses, "is_signer_agent = ?")
		args = append(args, *opts.AgentOnly)
	}
	if opts.CreatedGTE > 0 {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, opts.CreatedGTE)
	}
	if opts.CreatedLTE > 0 {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, opts.CreatedLTE)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var (
		event                Event
		kind, wallet, signer string
		legoAddr, usd        string
		data                 sql.NullString
	)
	if err := row.Scan(&event.ID, &kind, &wallet, &signer, &event.IsSignerAgent, &event.LegoID,
		&legoAddr, &data, &usd, &event.Time, &event.CreatedAt); err != nil {
		return nil, err
	}
	event.Kind = Kind(kind)
	event.Wallet = common.HexToAddress(wallet)
	event.Signer = common.HexToAddress(signer)
	event.LegoAddr = common.HexToAddress(legoAddr)
	value, err := decimal.NewFromString(usd)
	if err != nil {
		return nil, err
	}
	event.UsdValue = value
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
			return nil, err
		}
	}
	return &event, nil
}

func marshalData(data map[string]string) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

var _ Store = (*MySQLStore)(nil)
