// Package postgres provides the pgx-backed database client used by the
// kazokunote user store. It wraps a pgxpool connection pool with
// OpenTelemetry tracing, coded error wrapping, and bounded timeouts so
// storage never hangs request handling.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/config"
)

const tracerName = "github.com/kazokunote/kazokunote-server/internal/postgres"

// maxStatementAttr caps SQL statements recorded on spans so column
// values never leak into telemetry.
const maxStatementAttr = 100

// healthTimeout bounds health-check pings when the caller's context has
// no deadline.
const healthTimeout = 5 * time.Second

// Pool is the subset of pgxpool.Pool the client needs. pgxmock
// satisfies it, enabling unit tests without a database.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client wraps a connection pool with tracing and coded errors. It is
// safe for concurrent use; create one per database and share it.
type Client struct {
	pool         Pool
	tracer       trace.Tracer
	databaseName string
	queryTimeout time.Duration
}

// New connects to the database described by cfg and verifies
// connectivity with a ping before returning.
func New(ctx context.Context, cfg config.PostgresConfig) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternalConfiguration,
			"postgres: parsing connection string")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"postgres: creating connection pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"postgres: connecting to database")
	}

	return &Client{
		pool:         pool,
		tracer:       otel.Tracer(tracerName),
		databaseName: cfg.Database,
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

// NewFromPool creates a Client over an existing pool. Intended for tests
// with pgxmock.
func NewFromPool(pool Pool, databaseName string) *Client {
	return &Client{
		pool:         pool,
		tracer:       otel.Tracer(tracerName),
		databaseName: databaseName,
	}
}

// Query executes a query returning rows. The caller must close the rows.
// No query timeout is attached here: the returned rows are read after
// Query returns, and cancelling on return would abort that read. Callers
// pass a deadline-bearing context when they need one.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, span := c.startSpan(ctx, "Query", sql)

	rows, err := c.pool.Query(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "postgres: query failed")
	}
	return rows, nil
}

// QueryRow executes a query returning at most one row. pgx defers errors
// to Scan, so the span covers execution only and no timeout is attached
// here; cancelling before Scan would abort the read. Callers pass a
// deadline-bearing context when they need one.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, span := c.startSpan(ctx, "QueryRow", sql)
	defer span.End()

	return c.pool.QueryRow(ctx, sql, args...)
}

// Exec executes a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	ctx, span := c.startSpan(ctx, "Exec", sql)

	tag, err := c.pool.Exec(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return tag, wrapError(err, "postgres: exec failed")
	}
	return tag, nil
}

// Health pings the database, applying a default timeout when the
// caller's context carries no deadline.
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, healthTimeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, "Health", "SELECT 1")

	err := c.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"postgres: health check failed")
	}
	return nil
}

// Close releases pool resources. The client must not be used afterwards.
func (c *Client) Close() {
	c.pool.Close()
}

// bound applies the configured query timeout when the caller's context
// has no deadline of its own.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return ctx, func() {}
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.queryTimeout)
}

func (c *Client) startSpan(ctx context.Context, op, sql string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "postgres."+op,
		trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", c.databaseName),
		attribute.String("db.statement", truncate(sql)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func truncate(sql string) string {
	if len(sql) > maxStatementAttr {
		return sql[:maxStatementAttr] + "..."
	}
	return sql
}

// wrapError converts a pgx error into a coded error. The original error
// stays in the chain so callers can still detect pgconn error codes
// (e.g. unique violations) with errors.As.
func wrapError(err error, msg string) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(err, apperr.CodeTimeout, msg)
	case errors.Is(err, context.Canceled):
		return apperr.Wrap(err, apperr.CodeTimeout, msg)
	default:
		return apperr.Wrap(err, apperr.CodeInternalDatabase, msg)
	}
}
