// Command server runs the kazokunote web server: token verification
// against the identity provider, session cookie handling, user linking,
// and the profile API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/kazokunote/kazokunote-server/internal/auth"
	"github.com/kazokunote/kazokunote-server/internal/avatar"
	"github.com/kazokunote/kazokunote-server/internal/config"
	"github.com/kazokunote/kazokunote-server/internal/httpapi"
	"github.com/kazokunote/kazokunote-server/internal/identity"
	"github.com/kazokunote/kazokunote-server/internal/postgres"
	"github.com/kazokunote/kazokunote-server/internal/provider"
	"github.com/kazokunote/kazokunote-server/internal/session"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// setupLogger installs the process-wide slog handler: JSON in
// production, human-readable text in development.
func setupLogger(env string) {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

func run(ctx context.Context, cfg config.Config) error {
	db, err := postgres.New(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	store := identity.NewPGStore(db)
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	denylist, err := session.NewDenylist(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer denylist.Close()

	avatars, err := avatar.New(ctx, cfg.Avatars)
	if err != nil {
		return err
	}

	var keyCache *auth.KeyCache
	if cfg.Auth.JWKSURL != "" {
		keyCache = auth.NewKeyCache(cfg.Auth.JWKSURL, cfg.Auth.KeySetTTL,
			&http.Client{Timeout: cfg.Auth.FetchTimeout})
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		SigningSecret: cfg.Auth.SigningSecret,
		KeyCache:      keyCache,
		ClockSkew:     cfg.Auth.ClockSkew,
	})
	if err != nil {
		return err
	}

	linker := identity.NewLinker(store)
	bridge := session.NewBridge(verifier, linker, denylist,
		session.NewCookieManager(cfg.Session))
	syncer := provider.NewSyncer(cfg.Provider, slog.Default())

	handler := httpapi.NewHandler(bridge, linker, avatars, syncer,
		map[string]httpapi.HealthChecker{
			"postgres": db,
			"redis":    denylist,
			"avatars":  avatars,
		})
	router := httpapi.NewRouter(handler, httpapi.NewGate(bridge))

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.Server.Addr, "env", cfg.Server.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}
