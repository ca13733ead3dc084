package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kazokunote/kazokunote-server/internal/session"
)

// NewRouter builds the server's route tree. Every request gets a
// request ID, panic recovery, a structured access log, and a fresh
// identity resolution record before reaching the routes.
func NewRouter(handler *Handler, gate *Gate) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(withResolution)

	r.Get("/health", handler.Health)

	r.Post("/auth/set_cookie", handler.SetCookie)
	r.Post("/logout", handler.Logout)
	r.Get("/auth", handler.AuthPage)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/users/register", handler.Register)
		r.Group(func(r chi.Router) {
			r.Use(gate.RequireAPIUser)
			r.Get("/me", handler.Me)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(gate.RequireBrowserUser)
		r.Get("/mypage", handler.MyPage)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/mypage", http.StatusSeeOther)
		})
	})

	return r
}

// withResolution installs the per-request identity memo so the gate
// and handlers share a single verification and lookup.
func withResolution(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(session.WithResolution(r.Context())))
	})
}

// requestLogger emits one structured access log line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
