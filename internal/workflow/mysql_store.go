package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "OpenMCP-Orchestra/internal/errors"
	"OpenMCP-Orchestra/internal/seeds"
)

// MySQLStore 使用 MySQL 持久化工作流记录，适合需要跨进程恢复的部署。
type MySQLStore struct {
	db *sql.DB
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore 创建 MySQL 工作流存储并初始化表结构。
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
	const workflows = `CREATE TABLE IF NOT EXISTS workflows (
        id VARCHAR(64) NOT NULL,
        name VARCHAR(255) NOT NULL,
        definition MEDIUMTEXT NOT NULL,
        seeds TEXT,
        status VARCHAR(16) NOT NULL,
        steps MEDIUMTEXT NOT NULL,
        result MEDIUMTEXT,
        error_code VARCHAR(64) NOT NULL DEFAULT '',
        error_message TEXT,
        attempts INT NOT NULL DEFAULT 0,
        max_retries INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        started_at BIGINT NOT NULL DEFAULT 0,
        finished_at BIGINT NOT NULL DEFAULT 0,
        PRIMARY KEY (id),
        INDEX idx_workflows_status (status),
        INDEX idx_workflows_updated (updated_at)
)`
	if _, err := s.db.Exec(workflows); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 workflows 表失败")
	}
	return nil
}

// Create 插入一条新记录，主键冲突映射为 WORKFLOW_CONFLICT。
func (s *MySQLStore) Create(ctx context.Context, wf *Workflow) error {
	row, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO workflows
        (id, name, definition, seeds, status, steps, result, error_code, error_message,
         attempts, max_retries, created_at, updated_at, started_at, finished_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		wf.ID, wf.Name, row.definition, row.seeds, string(wf.Status), row.steps, row.result,
		wf.ErrorCode, wf.ErrorMessage, wf.Attempts, wf.MaxRetries,
		wf.CreatedAt, wf.UpdatedAt, wf.StartedAt, wf.FinishedAt)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrWorkflowConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工作流记录失败")
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*Workflow, error) {
	const stmt = selectColumns + ` FROM workflows WHERE id = ?`
	return scanWorkflow(s.db.QueryRowContext(ctx, stmt, id))
}

// Claim 在事务内抢占一条待执行记录并累加排队尝试次数。
// 已暂停的记录不可抢占，需先恢复为待执行。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Workflow, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const stmt = selectColumns + ` FROM workflows WHERE id = ? FOR UPDATE`
	wf, err := scanWorkflow(tx.QueryRowContext(ctx, stmt, id))
	if err != nil {
		return nil, err
	}
	if wf.Terminal() {
		return nil, ErrWorkflowCompleted
	}
	if wf.Status == StatusRunning || wf.Status == StatusPaused {
		return nil, ErrWorkflowConflict
	}
	if wf.MaxRetries > 0 && wf.Attempts >= wf.MaxRetries {
		return nil, ErrWorkflowExhausted
	}
	wf.Attempts++
	wf.Status = StatusRunning
	wf.UpdatedAt = time.Now().Unix()

	const update = `UPDATE workflows SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`
	if _, err := tx.ExecContext(ctx, update, string(wf.Status), wf.Attempts, wf.UpdatedAt, wf.ID); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "抢占工作流失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return wf, nil
}

// Save 覆盖写回整条记录。
func (s *MySQLStore) Save(ctx context.Context, wf *Workflow) error {
	row, err := encodeWorkflow(wf)
	if err != nil {
		return err
	}
	const stmt = `UPDATE workflows SET
        name = ?, definition = ?, seeds = ?, status = ?, steps = ?, result = ?,
        error_code = ?, error_message = ?, attempts = ?, max_retries = ?,
        updated_at = ?, started_at = ?, finished_at = ?
        WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		wf.Name, row.definition, row.seeds, string(wf.Status), row.steps, row.result,
		wf.ErrorCode, wf.ErrorMessage, wf.Attempts, wf.MaxRetries,
		wf.UpdatedAt, wf.StartedAt, wf.FinishedAt, wf.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新工作流记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取更新结果失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, wf.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Workflow, error) {
	opts.applyDefaults()
	where, args := buildListFilters(&opts)

	direction := "DESC"
	if opts.Order == SortByUpdatedAsc {
		direction = "ASC"
	}
	stmt := selectColumns + ` FROM workflows` + where +
		fmt.Sprintf(` ORDER BY updated_at %s, id ASC LIMIT ? OFFSET ?`, direction)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流列表失败")
	}
	defer rows.Close()

	result := make([]*Workflow, 0, opts.Limit)
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历工作流列表失败")
	}
	return result, nil
}

func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (WorkflowStats, error) {
	opts.applyDefaults()
	where, args := buildListFilters(&opts)

	stmt := `SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM workflows` +
		where + ` GROUP BY status`
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return WorkflowStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计工作流失败")
	}
	defer rows.Close()

	stats := WorkflowStats{}
	for rows.Next() {
		var status string
		var count int
		var oldest, newest sql.NullInt64
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return WorkflowStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取统计结果失败")
		}
		stats.Total += count
		switch Status(status) {
		case StatusPending:
			stats.Pending += count
		case StatusRunning:
			stats.Running += count
		case StatusPaused:
			stats.Paused += count
		case StatusCompleted:
			stats.Completed += count
		case StatusFailed:
			stats.Failed += count
		case StatusCancelled:
			stats.Cancelled += count
		}
		if oldest.Valid && (stats.OldestUpdatedAt == 0 || oldest.Int64 < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = oldest.Int64
		}
		if newest.Valid && newest.Int64 > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = newest.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return WorkflowStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历统计结果失败")
	}
	return stats, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, name, definition, seeds, status, steps, result,
        error_code, error_message, attempts, max_retries,
        created_at, updated_at, started_at, finished_at`

// buildListFilters 把查询条件编译为 WHERE 子句与参数。
func buildListFilters(opts *ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if len(opts.Statuses) > 0 {
		holders := make([]string, len(opts.Statuses))
		for i, status := range opts.Statuses {
			holders[i] = "?"
			args = append(args, string(status))
		}
		clauses = append(clauses, "status IN ("+strings.Join(holders, ", ")+")")
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			clauses = append(clauses, "result IS NOT NULL AND result != ''")
		} else {
			clauses = append(clauses, "(result IS NULL OR result = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		clauses = append(clauses, "(id LIKE ? OR name LIKE ? OR error_message LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type encodedWorkflow struct {
	definition string
	seeds      sql.NullString
	steps      string
	result     sql.NullString
}

func encodeWorkflow(wf *Workflow) (encodedWorkflow, error) {
	var row encodedWorkflow
	definition, err := json.Marshal(wf.Definition)
	if err != nil {
		return row, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流定义失败")
	}
	row.definition = string(definition)

	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return row, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化步骤记录失败")
	}
	row.steps = string(steps)

	if len(wf.Seeds) > 0 {
		encoded, err := json.Marshal(wf.Seeds)
		if err != nil {
			return row, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化种子条目失败")
		}
		row.seeds = sql.NullString{String: string(encoded), Valid: true}
	}
	if len(wf.Result) > 0 {
		encoded, err := json.Marshal(wf.Result)
		if err != nil {
			return row, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化结果快照失败")
		}
		row.result = sql.NullString{String: string(encoded), Valid: true}
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var definition, steps string
	var seedsCol, result sql.NullString
	var status string
	err := row.Scan(&wf.ID, &wf.Name, &definition, &seedsCol, &status, &steps, &result,
		&wf.ErrorCode, &wf.ErrorMessage, &wf.Attempts, &wf.MaxRetries,
		&wf.CreatedAt, &wf.UpdatedAt, &wf.StartedAt, &wf.FinishedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流记录失败")
	}
	wf.Status = Status(status)
	if err := json.Unmarshal([]byte(definition), &wf.Definition); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流定义失败")
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析步骤记录失败")
	}
	if seedsCol.Valid && seedsCol.String != "" {
		var list []seeds.Seed
		if err := json.Unmarshal([]byte(seedsCol.String), &list); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析种子条目失败")
		}
		wf.Seeds = list
	}
	if result.Valid && result.String != "" {
		var snapshot map[string]any
		if err := json.Unmarshal([]byte(result.String), &snapshot); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结果快照失败")
		}
		wf.Result = snapshot
	}
	return wf, nil
}
