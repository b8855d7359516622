package ctxstore

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Orchestra/internal/errors"
)

// MySQLStore 使用 MySQL 持久化上下文日志，适合需要跨进程恢复的部署。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQL 上下文存储并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const entries = `CREATE TABLE IF NOT EXISTS context_entries (
        scope VARCHAR(128) NOT NULL,
        entry_key VARCHAR(128) NOT NULL,
        seq BIGINT NOT NULL,
        fields TEXT NOT NULL,
        tokens INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        PRIMARY KEY (scope, entry_key),
        INDEX idx_context_scope_seq (scope, seq)
)`
	if _, err := s.db.Exec(entries); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 context_entries 表失败")
	}

	const pins = `CREATE TABLE IF NOT EXISTS context_pins (
        scope VARCHAR(128) NOT NULL,
        entry_key VARCHAR(128) NOT NULL,
        step VARCHAR(128) NOT NULL,
        PRIMARY KEY (scope, entry_key, step),
        INDEX idx_context_pins_step (scope, step)
)`
	if _, err := s.db.Exec(pins); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 context_pins 表失败")
	}
	return nil
}

// Put 追加一条命名输出，唯一键冲突映射为 DUPLICATE_KEY。
func (s *MySQLStore) Put(ctx context.Context, scope, key string, fields map[string]any, opts ...PutOption) error {
	options := buildPutOptions(opts)

	encoded, err := json.Marshal(fields)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "编码上下文字段失败")
	}
	tokens := estimateTokens(fields)
	now := time.Now().Unix()

	if options.overwrite {
		const stmt = `UPDATE context_entries SET fields = ?, tokens = ?, created_at = ? WHERE scope = ? AND entry_key = ?`
		result, err := s.db.ExecContext(ctx, stmt, string(encoded), tokens, now, scope, key)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "覆盖上下文条目失败")
		}
		if affected, _ := result.RowsAffected(); affected > 0 {
			return nil
		}
		// 覆盖目标不存在时按新增处理。
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var nextSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM context_entries WHERE scope = ? FOR UPDATE`,
		scope).Scan(&nextSeq); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "计算序号失败")
	}

	const insert = `INSERT INTO context_entries (scope, entry_key, seq, fields, tokens, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insert, scope, key, nextSeq, string(encoded), tokens, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return duplicateKeyError(scope, key)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入上下文条目失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return nil
}

// Get 返回指定键的条目。
func (s *MySQLStore) Get(ctx context.Context, scope, key string) (*Entry, error) {
	const query = `SELECT entry_key, seq, fields, tokens, created_at
        FROM context_entries WHERE scope = ? AND entry_key = ?`
	row := s.db.QueryRowContext(ctx, query, scope, key)
	entry, err := scanEntry(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, keyNotFoundError(scope, key)
		}
		return nil, err
	}
	return entry, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var rawFields string
	if err := row.Scan(&entry.Key, &entry.Seq, &rawFields, &entry.Tokens, &entry.CreatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取上下文条目失败")
	}
	if rawFields != "" {
		if err := json.Unmarshal([]byte(rawFields), &entry.Fields); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析上下文字段失败")
		}
	}
	return &entry, nil
}

// Snapshot 返回 scope 日志按序号排序的副本。
func (s *MySQLStore) Snapshot(ctx context.Context, scope string) ([]Entry, error) {
	const query = `SELECT entry_key, seq, fields, tokens, created_at
        FROM context_entries WHERE scope = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, scope)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询上下文日志失败")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历上下文日志失败")
	}
	return entries, nil
}

// Resolve 以当前快照解析模板。
func (s *MySQLStore) Resolve(ctx context.Context, scope, template string) (string, error) {
	snapshot, err := s.Snapshot(ctx, scope)
	if err != nil {
		return "", err
	}
	return ResolveTemplate(template, snapshot)
}

// Prune 从最旧的未被引用条目开始移除，直到满足预算。
func (s *MySQLStore) Prune(ctx context.Context, scope string, policy PrunePolicy) (int, error) {
	if !policy.Enabled() {
		return 0, nil
	}

	entries, err := s.Snapshot(ctx, scope)
	if err != nil {
		return 0, err
	}
	pinned, err := s.pinnedKeys(ctx, scope)
	if err != nil {
		return 0, err
	}

	removed := 0
	for overBudget(entries, policy) {
		victim := -1
		for i := range entries {
			if _, ok := pinned[entries[i].Key]; !ok {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM context_entries WHERE scope = ? AND entry_key = ?`,
			scope, entries[victim].Key); err != nil {
			return removed, xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪上下文条目失败")
		}
		entries = append(entries[:victim], entries[victim+1:]...)
		removed++
	}
	return removed, nil
}

func (s *MySQLStore) pinnedKeys(ctx context.Context, scope string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT entry_key FROM context_pins WHERE scope = ?`, scope)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询引用登记失败")
	}
	defer rows.Close()

	pinned := make(map[string]struct{})
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取引用登记失败")
		}
		pinned[key] = struct{}{}
	}
	return pinned, rows.Err()
}

// PinReferences 登记前向引用。
func (s *MySQLStore) PinReferences(ctx context.Context, scope string, refs map[string][]string) error {
	if len(refs) == 0 {
		return nil
	}
	const stmt = `INSERT IGNORE INTO context_pins (scope, entry_key, step) VALUES (?, ?, ?)`
	for key, steps := range refs {
		for _, step := range steps {
			if _, err := s.db.ExecContext(ctx, stmt, scope, key, step); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记引用失败")
			}
		}
	}
	return nil
}

// ReleasePins 释放某步骤持有的全部引用。
func (s *MySQLStore) ReleasePins(ctx context.Context, scope, step string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_pins WHERE scope = ? AND step = ?`, scope, step); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放引用失败")
	}
	return nil
}

// Clear 清空 scope 的日志与引用登记。
func (s *MySQLStore) Clear(ctx context.Context, scope string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_entries WHERE scope = ?`, scope); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空上下文日志失败")
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM context_pins WHERE scope = ?`, scope); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清空引用登记失败")
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// 确保 MySQLStore 实现 Store 接口。
var _ Store = (*MySQLStore)(nil)
