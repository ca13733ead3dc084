// Package avatar stores user avatar images in an S3-compatible bucket
// and hands out short-lived presigned URLs for reading them. Profile
// responses carry a presigned URL rather than proxying image bytes
// through the server.
package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/config"
)

const tracerName = "github.com/kazokunote/kazokunote-server/internal/avatar"

// healthTimeout bounds the health probe when the caller's context has
// no deadline.
const healthTimeout = 5 * time.Second

// ObjectStore is the slice of the minio-go API the avatar store uses.
// Satisfied by [*minio.Client] and by mocks in tests.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

// Store manages avatar objects in a single bucket.
type Store struct {
	store      ObjectStore
	bucket     string
	presignTTL time.Duration
	tracer     trace.Tracer
}

// New creates a Store, verifying connectivity and creating the avatar
// bucket when it does not exist yet.
func New(ctx context.Context, cfg config.AvatarConfig) (*Store, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternalConfiguration,
			"avatar: creating object store client")
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"avatar: connecting to object store")
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeUnavailableDependency,
				"avatar: creating avatar bucket")
		}
	}

	return NewFromStore(mc, cfg), nil
}

// NewFromStore wraps an existing ObjectStore. Intended for tests.
func NewFromStore(store ObjectStore, cfg config.AvatarConfig) *Store {
	return &Store{
		store:      store,
		bucket:     cfg.Bucket,
		presignTTL: cfg.PresignTTL,
		tracer:     otel.Tracer(tracerName),
	}
}

// Upload stores an avatar image for the user and returns the object
// reference to persist on the user record. Each upload gets a fresh
// object name, so a stale presigned URL never serves a newer image.
func (s *Store) Upload(ctx context.Context, userID uuid.UUID, r io.Reader, size int64, contentType string) (string, error) {
	ref := fmt.Sprintf("avatars/%s/%s", userID, uuid.New())
	ctx, span := s.startSpan(ctx, "Upload", ref)

	_, err := s.store.PutObject(ctx, s.bucket, ref, r, size,
		minio.PutObjectOptions{ContentType: contentType})
	finishSpan(span, err)
	if err != nil {
		return "", wrapStoreError(err, "avatar: uploading avatar object")
	}
	return ref, nil
}

// Remove deletes the avatar object behind the given reference.
func (s *Store) Remove(ctx context.Context, ref string) error {
	ctx, span := s.startSpan(ctx, "Remove", ref)
	err := s.store.RemoveObject(ctx, s.bucket, ref, minio.RemoveObjectOptions{})
	finishSpan(span, err)
	if err != nil {
		return wrapStoreError(err, "avatar: removing avatar object")
	}
	return nil
}

// URL turns a stored avatar reference into a short-lived presigned GET
// URL. A nil or empty reference yields nil, and so does a presign
// failure: a profile response must not fail because its avatar link
// could not be signed. Failures are logged, not returned.
func (s *Store) URL(ctx context.Context, ref *string) *string {
	if ref == nil || *ref == "" {
		return nil
	}

	ctx, span := s.startSpan(ctx, "URL", *ref)
	u, err := s.store.PresignedGetObject(ctx, s.bucket, *ref, s.presignTTL, nil)
	finishSpan(span, err)
	if err != nil {
		slog.WarnContext(ctx, "avatar: presigning avatar URL failed",
			"ref", *ref, "error", err)
		return nil
	}
	signed := u.String()
	return &signed
}

// Health verifies the object store is reachable with a bounded bucket
// probe.
func (s *Store) Health(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, healthTimeout)
		defer cancel()
	}
	if _, err := s.store.BucketExists(ctx, s.bucket); err != nil {
		return apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"avatar: object store health check failed")
	}
	return nil
}

func (s *Store) startSpan(ctx context.Context, operation, ref string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "avatar."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("db.system", "s3"),
		attribute.String("db.name", s.bucket),
		attribute.String("avatar.ref", ref),
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

func wrapStoreError(err error, message string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.CodeTimeout, message)
	}
	return apperr.Wrap(err, apperr.CodeInternalDatabase, message)
}
