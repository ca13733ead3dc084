package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
)

// capturePool records the context each call receives so tests can check
// its liveness after the client method returns.
type capturePool struct {
	Pool
	queryCtx context.Context
	execCtx  context.Context
}

func (p *capturePool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	p.queryCtx = ctx
	return nil, nil
}

func (p *capturePool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	p.execCtx = ctx
	return pgconn.CommandTag{}, nil
}

func newMockClient(t *testing.T) (*Client, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewFromPool(mock, "kazokunote_test"), mock
}

func TestClient_Query_Success(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT id FROM users").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(1)))

	rows, err := client.Query(context.Background(), "SELECT id FROM users")
	require.NoError(t, err)
	defer rows.Close()

	require.True(t, rows.Next())
	var id int64
	require.NoError(t, rows.Scan(&id))
	assert.Equal(t, int64(1), id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Query_ErrorIsCoded(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT id FROM users").
		WillReturnError(errors.New("boom"))

	_, err := client.Query(context.Background(), "SELECT id FROM users")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternalDatabase, apperr.GetCode(err))
}

func TestClient_Query_TimeoutIsCoded(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectQuery("SELECT pg_sleep").
		WillReturnError(context.DeadlineExceeded)

	_, err := client.Query(context.Background(), "SELECT pg_sleep(10)")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.GetCode(err))
}

func TestClient_Query_RowsOutliveTheCall(t *testing.T) {
	// The rows returned by Query are iterated after Query returns; the
	// query timeout must not cancel their context on return.
	pool := &capturePool{}
	client := NewFromPool(pool, "kazokunote_test")
	client.queryTimeout = 5 * time.Second

	_, err := client.Query(context.Background(), "SELECT id FROM users")
	require.NoError(t, err)
	require.NotNil(t, pool.queryCtx)
	assert.NoError(t, pool.queryCtx.Err(), "rows context must stay live after Query returns")
}

func TestClient_Exec_AppliesQueryTimeout(t *testing.T) {
	// Exec completes before returning, so it carries the bounded timeout
	// when the caller's context has none.
	pool := &capturePool{}
	client := NewFromPool(pool, "kazokunote_test")
	client.queryTimeout = 5 * time.Second

	_, err := client.Exec(context.Background(), "UPDATE users SET name = $1", "Alice")
	require.NoError(t, err)
	require.NotNil(t, pool.execCtx)
	_, ok := pool.execCtx.Deadline()
	assert.True(t, ok, "exec context must carry the configured deadline")
}

func TestClient_Exec_Success(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectExec("UPDATE users SET name").
		WithArgs("Alice").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	tag, err := client.Exec(context.Background(), "UPDATE users SET name = $1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tag.RowsAffected())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClient_Exec_PreservesCauseChain(t *testing.T) {
	client, mock := newMockClient(t)

	cause := errors.New("duplicate key value violates unique constraint")
	mock.ExpectExec("INSERT INTO users").WillReturnError(cause)

	_, err := client.Exec(context.Background(), "INSERT INTO users DEFAULT VALUES")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause, "original error must stay in the chain")
}

func TestClient_Health(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectPing()
	assert.NoError(t, client.Health(context.Background()))
}

func TestClient_Health_Down(t *testing.T) {
	client, mock := newMockClient(t)

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	err := client.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnavailableDependency, apperr.GetCode(err))
}
