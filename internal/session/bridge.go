package session

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/auth"
	"github.com/kazokunote/kazokunote-server/internal/identity"
)

// TokenSource identifies where a bearer token was found in a request.
type TokenSource int

const (
	// SourceNone means no token was presented.
	SourceNone TokenSource = iota
	// SourceHeader means the Authorization header carried the token.
	SourceHeader
	// SourceCookie means the session cookie carried the token.
	SourceCookie
)

// String returns the source name for logging.
func (s TokenSource) String() string {
	switch s {
	case SourceHeader:
		return "header"
	case SourceCookie:
		return "cookie"
	default:
		return "none"
	}
}

// Credential is a verified bearer token together with where the
// request carried it.
type Credential struct {
	Token  string
	Claims *auth.Claims
	Source TokenSource
}

// Identity is the answer to "who is making this request": the verified
// claims and the local user they resolve to.
type Identity struct {
	User   *identity.User
	Claims *auth.Claims
	Source TokenSource
}

// Bridge turns raw requests into identities. It extracts the bearer
// token (Authorization header first, session cookie second), verifies
// it, rejects revoked tokens, and resolves the subject to a local user.
// Presenting a valid token never creates a user here; that only happens
// through the explicit registration flow.
type Bridge struct {
	verifier *auth.Verifier
	linker   *identity.Linker
	denylist *Denylist
	cookies  *CookieManager
}

// NewBridge wires the bridge's collaborators together.
func NewBridge(verifier *auth.Verifier, linker *identity.Linker, denylist *Denylist, cookies *CookieManager) *Bridge {
	return &Bridge{verifier: verifier, linker: linker, denylist: denylist, cookies: cookies}
}

// extractToken finds the bearer token in the request. A well-formed
// Authorization header wins over the cookie so API clients can act as a
// different user than the one the browser session belongs to.
func (b *Bridge) extractToken(r *http.Request) (string, TokenSource) {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token, SourceHeader
	}
	if token := b.cookies.Read(r); token != "" {
		return token, SourceCookie
	}
	return "", SourceNone
}

// bearerToken returns the token from an "Authorization: Bearer x"
// value, or "" when the header does not carry a bearer token.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Credential extracts and verifies the request's bearer token without
// resolving a local user. Registration uses this: the token must be
// valid before a user record may be linked or created.
//
// When the session cookie holds a token that fails verification, the
// cookie is cleared so the browser stops replaying it.
func (b *Bridge) Credential(w http.ResponseWriter, r *http.Request) (*Credential, error) {
	ctx := r.Context()

	token, source := b.extractToken(r)
	if source == SourceNone {
		return nil, apperr.New(apperr.CodeAuthMissingToken,
			"session: no bearer token in Authorization header or session cookie")
	}

	claims, err := b.verifier.Verify(ctx, token)
	if err != nil {
		if source == SourceCookie && w != nil {
			b.cookies.Clear(w)
		}
		return nil, err
	}

	revoked, err := b.denylist.IsRevoked(ctx, token)
	if err != nil {
		return nil, err
	}
	if revoked {
		if source == SourceCookie && w != nil {
			b.cookies.Clear(w)
		}
		return nil, apperr.New(apperr.CodeAuthTokenRevoked,
			"session: token was revoked by sign-out")
	}

	return &Credential{Token: token, Claims: claims, Source: source}, nil
}

// Current resolves the request to an identity: verified claims plus the
// local user linked to the token's subject. The result, success or
// failure, is memoized in the request's resolution record, so gate
// middleware and handlers share one verification and one lookup.
//
// A valid token whose subject has no local user fails with a not-found
// code; only registration creates users.
func (b *Bridge) Current(w http.ResponseWriter, r *http.Request) (*Identity, error) {
	rec := resolutionFrom(r.Context())
	if rec != nil && rec.done {
		return rec.ident, rec.err
	}

	ident, err := b.resolve(w, r)
	if rec != nil {
		rec.done = true
		rec.ident = ident
		rec.err = err
	}
	return ident, err
}

func (b *Bridge) resolve(w http.ResponseWriter, r *http.Request) (*Identity, error) {
	cred, err := b.Credential(w, r)
	if err != nil {
		return nil, err
	}

	user, err := b.linker.ResolveSubject(r.Context(), cred.Claims.Subject)
	if err != nil {
		return nil, err
	}
	return &Identity{User: user, Claims: cred.Claims, Source: cred.Source}, nil
}

// SignIn verifies the presented token and, when valid, stores it in the
// session cookie. Used by the cookie-handoff endpoint after a
// provider-side sign-in.
func (b *Bridge) SignIn(w http.ResponseWriter, r *http.Request, token string) (*auth.Claims, error) {
	claims, err := b.verifier.Verify(r.Context(), token)
	if err != nil {
		return nil, err
	}
	revoked, err := b.denylist.IsRevoked(r.Context(), token)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperr.New(apperr.CodeAuthTokenRevoked,
			"session: token was revoked by sign-out")
	}
	b.cookies.Set(w, r, token)
	return claims, nil
}

// SignOut revokes the request's token and clears the session cookie.
// The cookie is cleared even when the token is absent or invalid, and
// a revocation store failure is logged rather than surfaced: the user
// asked to leave, so the session ends regardless.
func (b *Bridge) SignOut(w http.ResponseWriter, r *http.Request) {
	token, _ := b.extractToken(r)
	if token != "" {
		if claims, err := b.verifier.Verify(r.Context(), token); err == nil {
			if err := b.denylist.Revoke(r.Context(), token, claims.ExpiresAt); err != nil {
				slog.WarnContext(r.Context(), "session: failed to record revocation on sign-out",
					"error", err)
			}
		}
	}
	b.cookies.Clear(w)
}
