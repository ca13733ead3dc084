package identity

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/auth"
)

// Linker reconciles verified token claims with local user records.
// Resolution runs three tiers strictly in order: by external subject,
// by email, then create. The ordering is load-bearing; reordering
// would either duplicate manually pre-registered users or attach a
// subject to the wrong record.
type Linker struct {
	store Store
}

// NewLinker creates a Linker over the given store.
func NewLinker(store Store) *Linker {
	return &Linker{store: store}
}

// ResolveSubject performs the tier-1 lookup only. Session resolution
// uses this: presenting a valid token is not enough to create a user,
// creation happens only through LinkOrCreate.
func (l *Linker) ResolveSubject(ctx context.Context, subject string) (*User, error) {
	return l.store.FindByExternalSubject(ctx, subject)
}

// LinkOrCreate resolves claims to a local user, creating or linking a
// record when needed. Profile hints fill empty fields only; populated
// fields are never overwritten. A uniqueness race against a concurrent
// linking request is resolved by re-running the subject lookup exactly
// once, since the conflicting write implies the record now exists.
func (l *Linker) LinkOrCreate(ctx context.Context, claims *auth.Claims, hints ProfileHints) (*User, error) {
	user, err := l.linkOrCreate(ctx, claims, hints)
	if err != nil && apperr.IsConflict(err) {
		slog.InfoContext(ctx, "identity: linking raced a concurrent request, retrying subject lookup",
			"subject", claims.Subject)
		retried, retryErr := l.store.FindByExternalSubject(ctx, claims.Subject)
		if retryErr != nil {
			// The conflict is the more truthful answer when even the
			// retry cannot see the winning row.
			return nil, err
		}
		return retried, nil
	}
	return user, err
}

func (l *Linker) linkOrCreate(ctx context.Context, claims *auth.Claims, hints ProfileHints) (*User, error) {
	// Tier 1: already linked by external subject.
	user, err := l.store.FindByExternalSubject(ctx, claims.Subject)
	switch {
	case err == nil:
		if hints.apply(user) {
			return l.store.Update(ctx, user)
		}
		return user, nil
	case !apperr.IsNotFound(err):
		return nil, err
	}

	// Tiers 2 and 3 need an email to match or create by.
	if claims.Email == "" {
		return nil, apperr.New(apperr.CodeValidationRequired,
			"identity: token carries no email, cannot link or create a user").
			WithDetail("field", "email")
	}

	// Tier 2: manual pre-registration matched by email; attach the
	// external subject on first login.
	user, err = l.store.FindByEmail(ctx, claims.Email)
	switch {
	case err == nil:
		subject := claims.Subject
		user.ExternalSubject = &subject
		hints.apply(user)
		return l.store.Update(ctx, user)
	case !apperr.IsNotFound(err):
		return nil, err
	}

	// Tier 3: first contact, create a new record.
	subject := claims.Subject
	created := &User{
		ID:              uuid.New(),
		ExternalSubject: &subject,
		Email:           claims.Email,
	}
	name := hints.DisplayName
	if name == "" {
		name = defaultDisplayName(claims.Email)
	}
	created.DisplayName = &name
	if hints.Birthday != nil {
		bd := *hints.Birthday
		created.Birthday = &bd
	}
	if hints.AvatarRef != "" {
		ref := hints.AvatarRef
		created.AvatarRef = &ref
	}
	return l.store.Create(ctx, created)
}
