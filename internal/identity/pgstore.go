package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/postgres"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint
// violations.
const uniqueViolation = "23505"

const userColumns = `id, external_subject, email, display_name, birthday, avatar_ref, family_id, created_at, updated_at`

// PGStore is the pgx-backed Store. Uniqueness of external_subject and
// email is enforced by partial/plain unique indexes; PGStore translates
// violations into CONF_xxx errors for the linker's retry.
type PGStore struct {
	db *postgres.Client
}

// NewPGStore creates a PGStore over the given database client.
func NewPGStore(db *postgres.Client) *PGStore {
	return &PGStore{db: db}
}

// Migrate creates the users table and its unique indexes when they do
// not exist yet. Run once at startup.
func (s *PGStore) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	id               uuid PRIMARY KEY,
	external_subject text,
	email            text NOT NULL,
	display_name     text,
	birthday         date,
	avatar_ref       text,
	family_id        uuid,
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_key ON users (email);
CREATE UNIQUE INDEX IF NOT EXISTS users_external_subject_key
	ON users (external_subject) WHERE external_subject IS NOT NULL;`

	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return apperr.Wrap(err, apperr.CodeInternalDatabase,
			"identity: migrating users table")
	}
	return nil
}

func (s *PGStore) FindByExternalSubject(ctx context.Context, subject string) (*User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_subject = $1`, subject)
	return scanUser(row, "external subject")
}

func (s *PGStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row, "email")
}

func (s *PGStore) Create(ctx context.Context, u *User) (*User, error) {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := s.db.Exec(ctx,
		`INSERT INTO users (id, external_subject, email, display_name, birthday, avatar_ref, family_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.ExternalSubject, u.Email, u.DisplayName, u.Birthday,
		u.AvatarRef, u.FamilyID, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(err, apperr.CodeConflict,
				"identity: user with this subject or email already exists")
		}
		return nil, err
	}
	return u, nil
}

func (s *PGStore) Update(ctx context.Context, u *User) (*User, error) {
	u.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx,
		`UPDATE users
		 SET external_subject = $2, display_name = $3, birthday = $4,
		     avatar_ref = $5, updated_at = $6
		 WHERE id = $1`,
		u.ID, u.ExternalSubject, u.DisplayName, u.Birthday, u.AvatarRef, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Wrap(err, apperr.CodeConflict,
				"identity: external subject already linked to another user")
		}
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, apperr.Newf(apperr.CodeNotFoundUser,
			"identity: no user with id %s", u.ID)
	}
	return u, nil
}

// scanUser reads one user row, mapping pgx.ErrNoRows to a not-found
// coded error.
func scanUser(row pgx.Row, by string) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.ExternalSubject, &u.Email, &u.DisplayName,
		&u.Birthday, &u.AvatarRef, &u.FamilyID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.Newf(apperr.CodeNotFoundUser,
				"identity: no user matched by %s", by)
		}
		return nil, apperr.Wrap(err, apperr.CodeInternalDatabase,
			"identity: scanning user row")
	}
	return &u, nil
}

// isUniqueViolation reports whether err's chain contains a PostgreSQL
// unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
