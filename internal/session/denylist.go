package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/config"
)

const tracerName = "github.com/kazokunote/kazokunote-server/internal/session"

// revokedKeyPrefix namespaces denylist entries in Redis.
const revokedKeyPrefix = "revoked_token:"

// denylistHealthTimeout bounds the health-check ping when the caller's
// context has no deadline.
const denylistHealthTimeout = 5 * time.Second

// RevocationCmdable is the slice of Redis commands the denylist needs.
// Satisfied by [*redis.Client] and by mocks in tests.
type RevocationCmdable interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

var _ RevocationCmdable = (*redis.Client)(nil)

// Denylist records tokens invalidated by sign-out. Entries are keyed by
// the SHA-256 of the token, never the token itself, and live exactly as
// long as the token would have remained valid. An expired entry and an
// expired token reject for the same reason, so letting Redis drop the
// entry is safe.
type Denylist struct {
	rdb    RevocationCmdable
	tracer trace.Tracer
}

// NewDenylist connects to Redis and verifies connectivity with a ping.
func NewDenylist(ctx context.Context, cfg config.RedisConfig) (*Denylist, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Value(),
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"session: connecting to revocation store")
	}
	return NewDenylistFromClient(rdb), nil
}

// NewDenylistFromClient wraps an existing Redis client. Intended for
// tests.
func NewDenylistFromClient(rdb RevocationCmdable) *Denylist {
	return &Denylist{rdb: rdb, tracer: otel.Tracer(tracerName)}
}

// Revoke marks the token as invalid until it would have expired anyway.
// Tokens already past their expiry are not recorded; they reject on
// their own.
func (d *Denylist) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	remaining := time.Until(expiresAt)
	if remaining <= 0 {
		return nil
	}

	key := revokedKey(token)
	ctx, span := d.startSpan(ctx, "Revoke", key)
	err := d.rdb.Set(ctx, key, 1, remaining).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapRedisError(err, "session: recording token revocation")
	}
	return nil
}

// IsRevoked reports whether the token has been revoked by sign-out.
func (d *Denylist) IsRevoked(ctx context.Context, token string) (bool, error) {
	key := revokedKey(token)
	ctx, span := d.startSpan(ctx, "IsRevoked", key)
	n, err := d.rdb.Exists(ctx, key).Result()
	finishSpan(span, err)
	if err != nil {
		return false, wrapRedisError(err, "session: checking token revocation")
	}
	return n > 0, nil
}

// Health verifies the Redis connection with a bounded ping.
func (d *Denylist) Health(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, denylistHealthTimeout)
		defer cancel()
	}
	if err := d.rdb.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"session: revocation store health check failed")
	}
	return nil
}

// Close releases the Redis connection resources.
func (d *Denylist) Close() error {
	return d.rdb.Close()
}

// revokedKey hashes the token so raw credentials never reach Redis or
// its logs.
func revokedKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return revokedKeyPrefix + hex.EncodeToString(sum[:])
}

func (d *Denylist) startSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	ctx, span := d.tracer.Start(ctx, "session.denylist."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "redis"),
		attribute.String("db.redis.key", key),
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

func wrapRedisError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.CodeTimeout, message)
	}
	return apperr.Wrap(err, apperr.CodeInternalDatabase, message)
}
