// Package sharing computes the role a caller holds in a document's live
// session from the document's live share settings.
package sharing

import (
	"context"
	"fmt"

	"github.com/a-essam23/livememo/pkg/state"
)

// Mode is the document's liveShareMode.
type Mode string

const (
	ModeOff     Mode = "off"
	ModePrivate Mode = "private"
	ModePublic  Mode = "public"
)

// Access is the document's liveSharePermission.
type Access string

const (
	AccessReadOnly Access = "readOnly"
	AccessEditable Access = "editable"
)

// Grant names a user allowed into a private live share. An empty Access
// falls back to the document-wide permission.
type Grant struct {
	UserID string `json:"userId"`
	Access Access `json:"access,omitempty"`
}

// Settings is the sharing configuration of one document.
type Settings struct {
	DocumentID string  `json:"documentId"`
	OwnerID    string  `json:"ownerId"`
	Mode       Mode    `json:"liveShareMode"`
	Permission Access  `json:"liveSharePermission"`
	Grants     []Grant `json:"grants,omitempty"`
}

// Store is the sharing configuration collaborator.
type Store interface {
	GetShareSettings(ctx context.Context, documentID string) (Settings, error)
}

func (s Settings) grantFor(userID string) (Grant, bool) {
	for _, g := range s.Grants {
		if g.UserID == userID {
			return g, true
		}
	}
	return Grant{}, false
}

func roleFor(access Access) state.Role {
	if access == AccessEditable {
		return state.RoleEditor
	}
	return state.RoleReadOnly
}

// ComputeRole is the permission gate. It is a pure function of the settings
// and the requester; an empty userID is an anonymous caller.
func ComputeRole(s Settings, userID string) (state.Role, error) {
	if userID != "" && userID == s.OwnerID {
		return state.RoleOwner, nil
	}
	switch s.Mode {
	case ModePublic:
		return roleFor(s.Permission), nil
	case ModePrivate:
		if userID == "" {
			return "", state.PermissionDenied("live share requires sign-in")
		}
		grant, ok := s.grantFor(userID)
		if !ok {
			return "", state.PermissionDenied("not invited to this live share")
		}
		if grant.Access != "" {
			return roleFor(grant.Access), nil
		}
		return roleFor(s.Permission), nil
	case ModeOff, "":
		return "", state.SessionNotFound("live share is off")
	default:
		return "", fmt.Errorf("unknown live share mode %q", s.Mode)
	}
}

// PermissionModeOf derives the session-wide permission mode.
func PermissionModeOf(s Settings) state.PermissionMode {
	switch s.Mode {
	case ModePublic:
		if s.Permission == AccessEditable {
			return state.ModePublicEditable
		}
		return state.ModePublicReadOnly
	case ModePrivate:
		if s.Permission == AccessEditable {
			return state.ModeEditable
		}
		return state.ModeReadOnly
	default:
		return state.ModePrivate
	}
}

// ParseMode normalizes a stored mode value; unknown values mean off.
func ParseMode(v string) Mode {
	switch Mode(v) {
	case ModePrivate, ModePublic:
		return Mode(v)
	default:
		return ModeOff
	}
}

// ParseAccess normalizes a stored permission value; unknown values mean read-only.
func ParseAccess(v string) Access {
	if Access(v) == AccessEditable {
		return AccessEditable
	}
	return AccessReadOnly
}
