package identity

import (
	"context"
)

// Store persists User records. Implementations must enforce uniqueness
// of non-null external subjects and of emails (those constraints are
// the subsystem's only concurrency control) and report violations as
// CONF_xxx coded errors so the linker can run its single retry.
//
// Lookups that match nothing return NF_xxx coded errors, never nil-nil.
type Store interface {
	// FindByExternalSubject returns the user linked to the given
	// provider subject.
	FindByExternalSubject(ctx context.Context, subject string) (*User, error)

	// FindByEmail returns the user with the given email.
	FindByEmail(ctx context.Context, email string) (*User, error)

	// Create inserts a new user. The caller supplies the ID.
	Create(ctx context.Context, u *User) (*User, error)

	// Update persists the user's external subject and profile fields.
	Update(ctx context.Context, u *User) (*User, error)
}
