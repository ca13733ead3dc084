package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/session"
)

type identityContextKey struct{}

// identityFrom returns the identity the gate stored for the request.
func identityFrom(ctx context.Context) *session.Identity {
	ident, _ := ctx.Value(identityContextKey{}).(*session.Identity)
	return ident
}

// Gate protects routes behind identity resolution. Both gates share the
// request's memoized resolution, so stacking them or calling the bridge
// again in a handler costs nothing extra. They differ only in how they
// turn away unauthenticated requests: the API gate answers 401 JSON,
// the browser gate redirects to the sign-in page.
type Gate struct {
	bridge *session.Bridge
}

// NewGate creates a Gate over the bridge.
func NewGate(bridge *session.Bridge) *Gate {
	return &Gate{bridge: bridge}
}

// RequireAPIUser admits only requests that resolve to a linked local
// user, answering 401 with a coded JSON body otherwise. A valid token
// whose subject has no local record is still turned away as
// unauthenticated; registering is the only way in.
func (g *Gate) RequireAPIUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := g.bridge.Current(w, r)
		if err != nil {
			switch {
			case apperr.IsAuthentication(err), apperr.IsNotFound(err):
				slog.InfoContext(r.Context(), "httpapi: api request rejected",
					"path", r.URL.Path, "code", apperr.GetCode(err))
				writeErrorStatus(w, http.StatusUnauthorized, err)
			default:
				writeError(w, r, err)
			}
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireBrowserUser admits only requests that resolve to a linked
// local user, redirecting everything else to the sign-in page. Internal
// failures still surface as errors; only a missing or dead session gets
// the redirect.
func (g *Gate) RequireBrowserUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, err := g.bridge.Current(w, r)
		if err != nil {
			switch {
			case apperr.IsAuthentication(err), apperr.IsNotFound(err):
				slog.InfoContext(r.Context(), "httpapi: browser request redirected to sign-in",
					"path", r.URL.Path, "code", apperr.GetCode(err))
				http.Redirect(w, r, "/auth", http.StatusSeeOther)
			default:
				writeError(w, r, err)
			}
			return
		}

		ctx := context.WithValue(r.Context(), identityContextKey{}, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
