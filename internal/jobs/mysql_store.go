package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"piper-nodes/deploy/migrations"
	xerrors "piper-nodes/internal/errors"
	"piper-nodes/internal/node"
	storage "piper-nodes/internal/storage/mysql"
)

const jobColumns = `id, node, inputs, state, progress, status, polls, max_polls, attempts, max_retries,
        outputs, costs, last_error, error_code, created_at, updated_at, next_run_at`

// MySQLStore 使用 MySQL 记录作业状态。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 创建一个新的 MySQLStore 并执行表结构迁移。
func NewMySQLStore(ctx context.Context, cfg storage.Config) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	db, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if err := storage.Migrate(ctx, db, migrations.Files); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 jobs 表失败")
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// Create 插入新的作业记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}

	now := s.now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	inputs, err := marshalJSON(job.Inputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 inputs 失败")
	}
	state, err := marshalJSON(job.State)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 state 失败")
	}

	const stmt = `INSERT INTO jobs
        (id, node, inputs, state, status, polls, max_polls, attempts, max_retries, last_error, error_code, created_at, updated_at, next_run_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		job.Node,
		inputs,
		state,
		job.Status,
		job.Polls,
		job.MaxPolls,
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
		job.NextRunAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	return job, nil
}

// Claim 通过条件更新将 pending 或已到期的 waiting 作业标记为运行中。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE jobs SET status = ?, updated_at = ?
        WHERE id = ? AND (status = ? OR (status = ? AND next_run_at <= ?))`

	now := s.now()
	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		now.Unix(),
		id,
		StatusPending,
		StatusWaiting,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch job.Status {
		case StatusSucceeded:
			return job, ErrJobCompleted
		case StatusFailed:
			return job, ErrJobFailed
		case StatusWaiting:
			return job, ErrJobNotDue
		default:
			return job, ErrJobConflict
		}
	}
	return job, nil
}

// MarkWaiting 保存恢复状态并等待下一次轮询。
func (s *MySQLStore) MarkWaiting(ctx context.Context, id string, state node.State, progress *node.Progress, nextRunAt int64) error {
	stateValue, err := marshalJSON(state)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 state 失败")
	}
	progressValue, err := marshalJSON(progress)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 progress 失败")
	}
	const stmt = `UPDATE jobs SET status = ?, state = ?, progress = ?, polls = polls + 1, attempts = 0,
        next_run_at = ?, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.update(ctx, id, "保存作业恢复状态失败", stmt,
		StatusWaiting, stateValue, progressValue, nextRunAt, s.now().Unix(), id)
}

// MarkSucceeded 将作业标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, outputs map[string]any, costs any) error {
	outputsValue, err := marshalJSON(outputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 outputs 失败")
	}
	costsValue, err := marshalJSON(costs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业 costs 失败")
	}
	const stmt = `UPDATE jobs SET status = ?, outputs = ?, costs = ?, next_run_at = 0,
        last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	return s.update(ctx, id, "标记作业成功失败", stmt,
		StatusSucceeded, outputsValue, costsValue, s.now().Unix(), id)
}

// MarkFailed 将作业标记为失败，并在必要时终止重试。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	now := s.now().Unix()
	if terminal {
		const stmt = `UPDATE jobs SET status = ?, last_error = ?, error_code = ?, next_run_at = 0, updated_at = ? WHERE id = ?`
		return s.update(ctx, id, "标记作业失败失败", stmt, StatusFailed, lastError, string(code), now, id)
	}
	const stmt = `UPDATE jobs SET status = ?, attempts = attempts + 1, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	return s.update(ctx, id, "标记作业失败失败", stmt, StatusPending, lastError, string(code), now, id)
}

// Release 将运行中的作业放回 pending。
func (s *MySQLStore) Release(ctx context.Context, id string) error {
	const stmt = `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusPending, s.now().Unix(), id, StatusRunning)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放作业失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobConflict
	}
	return nil
}

func (s *MySQLStore) update(ctx context.Context, id, message, stmt string, args ...any) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		// MySQL 对值未变化的行返回 0，需要再确认作业是否存在。
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// List 返回符合条件的作业。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的作业聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (JobStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS waiting,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM jobs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{string(StatusPending), string(StatusRunning), string(StatusWaiting), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats JobStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Waiting,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return JobStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                     Job
		inputs, state, progress, outputs, costs sql.NullString
		lastError                               sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&job.Node,
		&inputs,
		&state,
		&progress,
		&job.Status,
		&job.Polls,
		&job.MaxPolls,
		&job.Attempts,
		&job.MaxRetries,
		&outputs,
		&costs,
		&lastError,
		&job.ErrorCode,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.NextRunAt,
	); err != nil {
		return nil, err
	}
	job.LastError = lastError.String
	if err := unmarshalJSON(inputs, &job.Inputs); err != nil {
		return nil, fmt.Errorf("解析作业 inputs 失败: %w", err)
	}
	if err := unmarshalJSON(state, &job.State); err != nil {
		return nil, fmt.Errorf("解析作业 state 失败: %w", err)
	}
	if err := unmarshalJSON(progress, &job.Progress); err != nil {
		return nil, fmt.Errorf("解析作业 progress 失败: %w", err)
	}
	if err := unmarshalJSON(outputs, &job.Outputs); err != nil {
		return nil, fmt.Errorf("解析作业 outputs 失败: %w", err)
	}
	if err := unmarshalJSON(costs, &job.Costs); err != nil {
		return nil, fmt.Errorf("解析作业 costs 失败: %w", err)
	}
	return &job, nil
}

func marshalJSON(value any) (sql.NullString, error) {
	if value == nil {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(bytes) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSON(raw sql.NullString, target any) error {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), target)
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Nodes) > 0 {
		conditions = append(conditions, fmt.Sprintf("node IN (%s)", placeholders(len(opts.Nodes))))
		for _, name := range opts.Nodes {
			args = append(args, name)
		}
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasOutputs != nil {
		if *opts.HasOutputs {
			conditions = append(conditions, "(outputs IS NOT NULL AND outputs <> '' AND outputs <> '{}')")
		} else {
			conditions = append(conditions, "(outputs IS NULL OR outputs = '' OR outputs = '{}')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR node LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var _ Store = (*MySQLStore)(nil)
