package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
)

// fakeRedis is a map-backed RevocationCmdable recording entry TTLs.
type fakeRedis struct {
	mu      sync.Mutex
	entries map[string]time.Duration

	setErr    error
	existsErr error
	closed    bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{entries: make(map[string]time.Duration)}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.entries[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existsErr != nil {
		return redis.NewIntResult(0, f.existsErr)
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.entries[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestDenylist_RevokeThenCheck(t *testing.T) {
	rdb := newFakeRedis()
	dl := NewDenylistFromClient(rdb)
	ctx := context.Background()

	require.NoError(t, dl.Revoke(ctx, "the-token", time.Now().Add(time.Hour)))

	revoked, err := dl.IsRevoked(ctx, "the-token")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = dl.IsRevoked(ctx, "another-token")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestDenylist_EntryTTLMatchesTokenLife(t *testing.T) {
	rdb := newFakeRedis()
	dl := NewDenylistFromClient(rdb)

	require.NoError(t, dl.Revoke(context.Background(), "tok", time.Now().Add(30*time.Minute)))

	require.Len(t, rdb.entries, 1)
	for _, ttl := range rdb.entries {
		assert.LessOrEqual(t, ttl, 30*time.Minute, "entry must not outlive the token")
		assert.Greater(t, ttl, 29*time.Minute)
	}
}

func TestDenylist_ExpiredTokenNotRecorded(t *testing.T) {
	rdb := newFakeRedis()
	dl := NewDenylistFromClient(rdb)

	require.NoError(t, dl.Revoke(context.Background(), "tok", time.Now().Add(-time.Minute)))
	assert.Empty(t, rdb.entries, "an already-expired token rejects on its own")
}

func TestDenylist_KeysAreHashed(t *testing.T) {
	rdb := newFakeRedis()
	dl := NewDenylistFromClient(rdb)

	const token = "eyJhbGciOiJIUzI1NiJ9.secret-bearing-payload.sig"
	require.NoError(t, dl.Revoke(context.Background(), token, time.Now().Add(time.Hour)))

	for key := range rdb.entries {
		assert.True(t, strings.HasPrefix(key, revokedKeyPrefix))
		assert.NotContains(t, key, "payload", "raw token material must never reach Redis")
	}
}

func TestDenylist_ErrorsAreCoded(t *testing.T) {
	rdb := newFakeRedis()
	rdb.setErr = errors.New("connection reset")
	rdb.existsErr = context.DeadlineExceeded
	dl := NewDenylistFromClient(rdb)
	ctx := context.Background()

	err := dl.Revoke(ctx, "tok", time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInternalDatabase, apperr.GetCode(err))

	_, err = dl.IsRevoked(ctx, "tok")
	require.Error(t, err)
	assert.Equal(t, apperr.CodeTimeout, apperr.GetCode(err))
}

func TestDenylist_Close(t *testing.T) {
	rdb := newFakeRedis()
	dl := NewDenylistFromClient(rdb)
	require.NoError(t, dl.Close())
	assert.True(t, rdb.closed)
}
