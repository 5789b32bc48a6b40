package sharing

import (
	"errors"
	"testing"

	"github.com/a-essam23/livememo/pkg/state"
)

func TestComputeRole(t *testing.T) {
	publicEditable := Settings{OwnerID: "owner", Mode: ModePublic, Permission: AccessEditable}
	publicReadOnly := Settings{OwnerID: "owner", Mode: ModePublic, Permission: AccessReadOnly}
	private := Settings{
		OwnerID:    "owner",
		Mode:       ModePrivate,
		Permission: AccessReadOnly,
		Grants: []Grant{
			{UserID: "bob"},
			{UserID: "carol", Access: AccessEditable},
		},
	}
	off := Settings{OwnerID: "owner", Mode: ModeOff, Permission: AccessEditable}

	cases := []struct {
		name     string
		settings Settings
		userID   string
		want     state.Role
		err      error
	}{
		{name: "owner with sharing off", settings: off, userID: "owner", want: state.RoleOwner},
		{name: "owner on public", settings: publicReadOnly, userID: "owner", want: state.RoleOwner},
		{name: "non-owner with sharing off", settings: off, userID: "bob", err: state.ErrSessionNotFound},
		{name: "anonymous with sharing off", settings: off, userID: "", err: state.ErrSessionNotFound},
		{name: "anonymous public editable", settings: publicEditable, userID: "", want: state.RoleEditor},
		{name: "anonymous public read-only", settings: publicReadOnly, userID: "", want: state.RoleReadOnly},
		{name: "signed-in public editable", settings: publicEditable, userID: "dave", want: state.RoleEditor},
		{name: "private grant inherits permission", settings: private, userID: "bob", want: state.RoleReadOnly},
		{name: "private grant own access", settings: private, userID: "carol", want: state.RoleEditor},
		{name: "private not granted", settings: private, userID: "dave", err: state.ErrPermissionDenied},
		{name: "private anonymous", settings: private, userID: "", err: state.ErrPermissionDenied},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ComputeRole(tc.settings, tc.userID)
			if tc.err != nil {
				if !errors.Is(err, tc.err) {
					t.Fatalf("ComputeRole() error = %v, want %v", err, tc.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ComputeRole() unexpected error = %v", err)
			}
			if got != tc.want {
				t.Fatalf("ComputeRole() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAnonymousNeverOwner(t *testing.T) {
	// a document without an owner id must not hand ownership to anonymous callers
	role, err := ComputeRole(Settings{Mode: ModePublic, Permission: AccessReadOnly}, "")
	if err != nil {
		t.Fatalf("ComputeRole() error = %v", err)
	}
	if role != state.RoleReadOnly {
		t.Fatalf("expected readOnlyViewer, got %q", role)
	}
}

func TestPermissionModeOf(t *testing.T) {
	cases := []struct {
		settings Settings
		want     state.PermissionMode
	}{
		{settings: Settings{Mode: ModeOff}, want: state.ModePrivate},
		{settings: Settings{Mode: ModePrivate, Permission: AccessReadOnly}, want: state.ModeReadOnly},
		{settings: Settings{Mode: ModePrivate, Permission: AccessEditable}, want: state.ModeEditable},
		{settings: Settings{Mode: ModePublic, Permission: AccessReadOnly}, want: state.ModePublicReadOnly},
		{settings: Settings{Mode: ModePublic, Permission: AccessEditable}, want: state.ModePublicEditable},
	}
	for _, tc := range cases {
		if got := PermissionModeOf(tc.settings); got != tc.want {
			t.Errorf("PermissionModeOf(%+v) = %q, want %q", tc.settings, got, tc.want)
		}
	}
}

func TestParseModeAndAccess(t *testing.T) {
	if ParseMode("public") != ModePublic || ParseMode("weird") != ModeOff {
		t.Fatal("ParseMode did not normalize")
	}
	if ParseAccess("editable") != AccessEditable || ParseAccess("") != AccessReadOnly {
		t.Fatal("ParseAccess did not normalize")
	}
}
