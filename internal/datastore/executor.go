package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/wwwzy/nyc311bot/internal/sqlguard"
)

const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"

	defaultQueryTimeout = 30 * time.Second
	closeTimeout        = 5 * time.Second
)

// ErrRejected 表示语句未通过校验，没有访问数据库
var ErrRejected = errors.New("query rejected")

// Conn 是单次查询使用的数据库连接，*pgx.Conn 满足该接口
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
}

// Connector 为每次查询建立一个专用连接（不使用连接池）
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// PgxConnector 基于 pgx 建立只读会话
type PgxConnector struct {
	config *pgx.ConnConfig
}

// NewPgxConnector 解析 DSN，并把会话设置为只读、带语句超时
func NewPgxConnector(dsn string, statementTimeout, connectTimeout time.Duration) (*PgxConnector, error) {
	if dsn == "" {
		return nil, errors.New("database dsn is required")
	}
	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["default_transaction_read_only"] = "on"
	cfg.RuntimeParams["application_name"] = "nyc311bot"
	if statementTimeout > 0 {
		cfg.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)
	}
	if connectTimeout > 0 {
		cfg.ConnectTimeout = connectTimeout
	}
	return &PgxConnector{config: cfg}, nil
}

func (c *PgxConnector) Connect(ctx context.Context) (Conn, error) {
	if c == nil || c.config == nil {
		return nil, errors.New("connector not initialized")
	}
	conn, err := pgx.ConnectConfig(ctx, c.config.Copy())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Observer 在每次查询结束后回调，outcome 为 ok/rejected/failed
type Observer func(outcome string, rows int, elapsed time.Duration)

// Executor 校验并执行单条只读查询。
//
// 每次调用都会新建连接，并在所有返回路径上关闭。
type Executor struct {
	connector Connector
	validate  func(string) error
	timeout   time.Duration
	maxRows   int
	logger    *slog.Logger
	observer  Observer
}

type ExecutorOption func(*Executor)

func WithQueryTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMaxRows 限制返回行数，超出部分丢弃；<=0 表示不限制
func WithMaxRows(n int) ExecutorOption {
	return func(e *Executor) { e.maxRows = n }
}

func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithObserver(fn Observer) ExecutorOption {
	return func(e *Executor) { e.observer = fn }
}

// WithValidator 替换语句校验函数，默认为 sqlguard.Validate
func WithValidator(fn func(string) error) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.validate = fn
		}
	}
}

func NewExecutor(connector Connector, opts ...ExecutorOption) *Executor {
	e := &Executor{
		connector: connector,
		validate:  sqlguard.Validate,
		timeout:   defaultQueryTimeout,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 执行查询，任何校验或执行错误都返回空结果
func (e *Executor) Execute(ctx context.Context, query string) Result {
	res, err := e.Query(ctx, query)
	if err != nil {
		return Result{}
	}
	return res
}

// Query 与 Execute 相同，但返回失败原因；被拒绝的语句返回的错误满足 errors.Is(err, ErrRejected)。
func (e *Executor) Query(ctx context.Context, query string) (res Result, err error) {
	if e == nil || e.connector == nil {
		return Result{}, errors.New("executor not initialized")
	}

	start := time.Now()
	defer func() {
		outcome := OutcomeOK
		switch {
		case errors.Is(err, ErrRejected):
			outcome = OutcomeRejected
		case err != nil:
			outcome = OutcomeFailed
		}
		if err != nil {
			e.logger.Warn("query not executed", "outcome", outcome, "error", err)
		} else {
			e.logger.Debug("query executed", "rows", len(res), "elapsed", time.Since(start))
		}
		if e.observer != nil {
			e.observer(outcome, len(res), time.Since(start))
		}
	}()

	if verr := e.validate(query); verr != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrRejected, verr)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	conn, err := e.connector.Connect(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer closeCancel()
		if cerr := conn.Close(closeCtx); cerr != nil {
			e.logger.Warn("close connection failed", "error", cerr)
		}
	}()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	res, err = e.shape(rows)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func (e *Executor) shape(rows pgx.Rows) (Result, error) {
	fields := rows.FieldDescriptions()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	names = uniqueColumns(names)

	out := Result{}
	truncated := false
	for rows.Next() {
		if e.maxRows > 0 && len(out) >= e.maxRows {
			truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := orderedmap.New[string, any](len(names))
		for i, name := range names {
			var v any
			if i < len(values) {
				v = normalize(values[i])
			}
			row.Set(name, v)
		}
		out = append(out, row)
	}
	if truncated {
		e.logger.Warn("result truncated", "max_rows", e.maxRows)
	} else if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
