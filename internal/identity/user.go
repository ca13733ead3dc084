// Package identity owns the locally-persisted user records and the
// logic that reconciles a verified external identity with them. The
// external provider authenticates accounts; this package decides which
// local user a verified token belongs to, creating or linking records
// idempotently.
package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is the locally-owned user record. A user either originates from
// a verified external sign-in (ExternalSubject set at creation) or from
// a manual pre-registration that gets its ExternalSubject attached on
// first login. Records are never deleted by the linking subsystem.
type User struct {
	ID uuid.UUID `json:"id"`

	// ExternalSubject is the provider's stable account id. Nil until
	// linked; unique when present.
	ExternalSubject *string `json:"external_subject,omitempty"`

	// Email is required and unique.
	Email string `json:"email"`

	DisplayName *string    `json:"display_name,omitempty"`
	Birthday    *time.Time `json:"birthday,omitempty"`

	// AvatarRef is the object key of the user's avatar in the avatar
	// store, when one has been uploaded.
	AvatarRef *string `json:"avatar_ref,omitempty"`

	// FamilyID references the family group the user belongs to.
	// Family membership is managed elsewhere; linking never touches it.
	FamilyID *uuid.UUID `json:"family_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Linked reports whether the user has an external subject attached.
func (u *User) Linked() bool {
	return u.ExternalSubject != nil && *u.ExternalSubject != ""
}

// ProfileHints are optional profile attributes supplied alongside a
// linking request. Hints only ever fill fields that are currently
// empty; they never overwrite populated profile data.
type ProfileHints struct {
	DisplayName string     `json:"display_name,omitempty"`
	Birthday    *time.Time `json:"birthday,omitempty"`
	AvatarRef   string     `json:"avatar_ref,omitempty"`
}

// apply copies non-empty hints into currently-empty fields of u and
// reports whether anything changed.
func (h ProfileHints) apply(u *User) bool {
	changed := false
	if h.DisplayName != "" && (u.DisplayName == nil || *u.DisplayName == "") {
		name := h.DisplayName
		u.DisplayName = &name
		changed = true
	}
	if h.Birthday != nil && u.Birthday == nil {
		bd := *h.Birthday
		u.Birthday = &bd
		changed = true
	}
	if h.AvatarRef != "" && (u.AvatarRef == nil || *u.AvatarRef == "") {
		ref := h.AvatarRef
		u.AvatarRef = &ref
		changed = true
	}
	return changed
}

// defaultDisplayName derives a display name from the local part of an
// email address, matching what a first-time user sees before editing
// their profile.
func defaultDisplayName(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
