package httpapi

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/avatar"
	"github.com/kazokunote/kazokunote-server/internal/identity"
	"github.com/kazokunote/kazokunote-server/internal/provider"
	"github.com/kazokunote/kazokunote-server/internal/session"
)

// birthdayLayout is the wire format for birthday fields.
const birthdayLayout = "2006-01-02"

// HealthChecker is implemented by every dependency the health endpoint
// probes.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Handler holds the HTTP handlers and their collaborators.
type Handler struct {
	bridge  *session.Bridge
	linker  *identity.Linker
	avatars *avatar.Store
	syncer  *provider.Syncer
	checks  map[string]HealthChecker
}

// NewHandler wires the handlers. The checks map names each dependency
// probed by the health endpoint.
func NewHandler(bridge *session.Bridge, linker *identity.Linker, avatars *avatar.Store, syncer *provider.Syncer, checks map[string]HealthChecker) *Handler {
	return &Handler{
		bridge:  bridge,
		linker:  linker,
		avatars: avatars,
		syncer:  syncer,
		checks:  checks,
	}
}

// setCookieRequest is the JSON body of the cookie handoff endpoint.
type setCookieRequest struct {
	AccessToken string `json:"access_token"`
}

// SetCookie moves a provider-issued token from the client into the
// session cookie. The client signs in against the provider directly
// and then posts the token here so browser navigation can carry it.
// Browser form posts get redirected onward; API-style calls get JSON.
func (h *Handler) SetCookie(w http.ResponseWriter, r *http.Request) {
	token, err := extractAccessToken(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := h.bridge.SignIn(w, r, token); err != nil {
		writeError(w, r, err)
		return
	}

	if wantsHTML(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// extractAccessToken reads the token from a JSON body or a form field.
func extractAccessToken(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body setCookieRequest
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 16*1024)).Decode(&body); err != nil {
			return "", apperr.Wrap(err, apperr.CodeValidation,
				"httpapi: request body is not valid JSON")
		}
		if body.AccessToken == "" {
			return "", apperr.New(apperr.CodeAuthMissingToken,
				"httpapi: access_token is required")
		}
		return body.AccessToken, nil
	}

	token := r.PostFormValue("access_token")
	if token == "" {
		return "", apperr.New(apperr.CodeAuthMissingToken,
			"httpapi: access_token is required")
	}
	return token, nil
}

// Logout revokes the current token, clears the session cookie, and
// sends the browser to the sign-in page with the one-shot flag that
// tells the client to also end the provider-side session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.bridge.SignOut(w, r)
	http.Redirect(w, r, "/auth?force_signout=true", http.StatusSeeOther)
}

var authPageTemplate = template.Must(template.New("auth").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>かぞくノート - サインイン</title></head>
<body data-force-signout="{{.ForceSignout}}">
<main id="auth-root"></main>
</body>
</html>
`))

// AuthPage serves the sign-in page shell. When the request carries
// force_signout=true (set by the sign-out redirect), the page is marked
// so the client script also clears the provider-side session. The flag
// lives only in the URL; reloading without it signs in normally.
func (h *Handler) AuthPage(w http.ResponseWriter, r *http.Request) {
	data := struct{ ForceSignout bool }{
		ForceSignout: r.URL.Query().Get("force_signout") == "true",
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := authPageTemplate.Execute(w, data); err != nil {
		slog.ErrorContext(r.Context(), "httpapi: rendering auth page failed", "error", err)
	}
}

// registerRequest is the JSON body of the registration endpoint. All
// fields are optional hints; they fill empty profile fields only.
type registerRequest struct {
	DisplayName string `json:"display_name"`
	Birthday    string `json:"birthday"`
	AvatarRef   string `json:"avatar_ref"`
}

// userResponse is the JSON shape of a user in API responses. The avatar
// is a short-lived presigned URL, never the raw object reference.
type userResponse struct {
	ID          uuid.UUID  `json:"id"`
	Email       string     `json:"email"`
	DisplayName *string    `json:"display_name"`
	Birthday    *string    `json:"birthday"`
	AvatarURL   *string    `json:"avatar_url"`
	FamilyID    *uuid.UUID `json:"family_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (h *Handler) userResponse(ctx context.Context, u *identity.User) userResponse {
	resp := userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FamilyID:  u.FamilyID,
		CreatedAt: u.CreatedAt,
	}
	resp.DisplayName = u.DisplayName
	if u.Birthday != nil {
		bd := u.Birthday.Format(birthdayLayout)
		resp.Birthday = &bd
	}
	resp.AvatarURL = h.avatars.URL(ctx, u.AvatarRef)
	return resp
}

// Register links the verified token to a local user, creating one on
// first contact. The token must verify, but no local user needs to
// exist yet; this is the one endpoint that creates them.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	cred, err := h.bridge.Credential(w, r)
	if err != nil {
		if apperr.IsAuthentication(err) {
			writeErrorStatus(w, http.StatusUnauthorized, err)
			return
		}
		writeError(w, r, err)
		return
	}

	hints, err := decodeHints(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.linker.LinkOrCreate(r.Context(), cred.Claims, hints)
	if err != nil {
		writeError(w, r, err)
		return
	}

	go h.syncer.SyncProfile(r.Context(), user)

	writeJSON(w, http.StatusOK, h.userResponse(r.Context(), user))
}

// decodeHints parses the optional registration body. An empty body is
// fine; a malformed one or an unparseable birthday is not.
func decodeHints(r *http.Request) (identity.ProfileHints, error) {
	var hints identity.ProfileHints

	if r.Body == nil || r.ContentLength == 0 {
		return hints, nil
	}

	var body registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024)).Decode(&body); err != nil {
		return hints, apperr.Wrap(err, apperr.CodeValidation,
			"httpapi: request body is not valid JSON")
	}

	hints.DisplayName = body.DisplayName
	hints.AvatarRef = body.AvatarRef
	if body.Birthday != "" {
		bd, err := time.Parse(birthdayLayout, body.Birthday)
		if err != nil {
			return hints, apperr.Wrap(err, apperr.CodeValidation,
				"httpapi: birthday must be formatted YYYY-MM-DD").
				WithDetail("field", "birthday")
		}
		hints.Birthday = &bd
	}
	return hints, nil
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	writeJSON(w, http.StatusOK, h.userResponse(r.Context(), ident.User))
}

var myPageTemplate = template.Must(template.New("mypage").Parse(`<!DOCTYPE html>
<html lang="ja">
<head><meta charset="utf-8"><title>かぞくノート - マイページ</title></head>
<body>
<main id="mypage-root" data-user-id="{{.ID}}">
<h1>{{.Name}}</h1>
{{if .AvatarURL}}<img src="{{.AvatarURL}}" alt="avatar">{{end}}
</main>
</body>
</html>
`))

// MyPage serves the signed-in user's page shell.
func (h *Handler) MyPage(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	user := ident.User

	name := user.Email
	if user.DisplayName != nil && *user.DisplayName != "" {
		name = *user.DisplayName
	}

	data := struct {
		ID        uuid.UUID
		Name      string
		AvatarURL *string
	}{
		ID:        user.ID,
		Name:      name,
		AvatarURL: h.avatars.URL(r.Context(), user.AvatarRef),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := myPageTemplate.Execute(w, data); err != nil {
		slog.ErrorContext(r.Context(), "httpapi: rendering mypage failed", "error", err)
	}
}

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health probes every dependency and answers 200 when all are up, 503
// otherwise. Each dependency reports independently so the probe output
// names what is down.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	status := http.StatusOK

	for name, check := range h.checks {
		if err := check.Health(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "httpapi: health check failed",
				"dependency", name, "error", err)
			resp.Checks[name] = "down"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks[name] = "up"
		}
	}

	writeJSON(w, status, resp)
}

// wantsHTML reports whether the client is a browser navigation rather
// than an API call.
func wantsHTML(r *http.Request) bool {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}
