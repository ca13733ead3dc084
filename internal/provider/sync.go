// Package provider pushes local profile changes back to the identity
// provider's admin API. The provider stays the source of truth for
// authentication; this sync only mirrors display metadata so emails
// and provider-hosted screens show the name the user picked here.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/kazokunote/kazokunote-server/internal/apperr"
	"github.com/kazokunote/kazokunote-server/internal/config"
	"github.com/kazokunote/kazokunote-server/internal/identity"
)

// Syncer mirrors user profile metadata to the provider's admin API.
// Syncing is strictly best effort: a provider outage must never fail
// the request that triggered the sync.
type Syncer struct {
	baseURL    string
	serviceKey config.Secret
	timeout    time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// NewSyncer creates a Syncer. When the admin base URL or service key is
// unset the Syncer is disabled and every sync is a silent no-op.
func NewSyncer(cfg config.ProviderConfig, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		baseURL:    cfg.AdminBaseURL,
		serviceKey: cfg.ServiceKey,
		timeout:    cfg.SyncTimeout,
		client:     &http.Client{Timeout: cfg.SyncTimeout},
		logger:     logger,
	}
}

// Enabled reports whether the Syncer has the configuration it needs.
func (s *Syncer) Enabled() bool {
	return s.baseURL != "" && s.serviceKey != ""
}

// SyncProfile mirrors the user's display metadata to the provider,
// logging failures instead of returning them. Call it after a linking
// request applies profile hints; it runs in the caller's goroutine with
// its own bounded deadline, detached from the request context so a
// finished request does not cancel the sync mid-flight.
func (s *Syncer) SyncProfile(ctx context.Context, user *identity.User) {
	if !s.Enabled() || !user.Linked() {
		return
	}

	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.push(ctx, user); err != nil {
		s.logger.WarnContext(ctx, "provider: profile sync failed",
			"user_id", user.ID, "error", err)
		return
	}
	s.logger.DebugContext(ctx, "provider: profile synced", "user_id", user.ID)
}

// adminUserMetadata is the user_metadata payload shape the provider's
// admin update endpoint accepts.
type adminUserMetadata struct {
	Name     string `json:"name,omitempty"`
	Birthday string `json:"birthday,omitempty"`
}

func (s *Syncer) push(ctx context.Context, user *identity.User) error {
	meta := adminUserMetadata{}
	if user.DisplayName != nil {
		meta.Name = *user.DisplayName
	}
	if user.Birthday != nil {
		meta.Birthday = user.Birthday.Format("2006-01-02")
	}

	body, err := json.Marshal(map[string]any{"user_metadata": meta})
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "provider: encoding sync payload")
	}

	endpoint := fmt.Sprintf("%s/admin/users/%s",
		s.baseURL, url.PathEscape(*user.ExternalSubject))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "provider: building sync request")
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey.Value())
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.CodeUnavailableDependency,
			"provider: admin API unreachable")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperr.Newf(apperr.CodeInternal,
			"provider: admin API returned status %d", resp.StatusCode)
	}
	return nil
}
