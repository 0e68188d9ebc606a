package mergin_test

import (
	"slices"
	"testing"
	"time"

	"github.com/pguigue/mergin/internal/mergin"
)

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		r, other mergin.Role
		want     bool
	}{
		{mergin.RoleOwner, mergin.RoleWriter, true},
		{mergin.RoleOwner, mergin.RoleOwner, true},
		{mergin.RoleWriter, mergin.RoleReader, true},
		{mergin.RoleWriter, mergin.RoleOwner, false},
		{mergin.RoleReader, mergin.RoleWriter, false},
		{mergin.RoleNone, mergin.RoleReader, false},
		{mergin.RoleNone, mergin.RoleNone, true},
	}
	for _, tt := range tests {
		if got := tt.r.AtLeast(tt.other); got != tt.want {
			t.Errorf("%s.AtLeast(%s) = %v, want %v", tt.r, tt.other, got, tt.want)
		}
	}
}

func TestProjectAccess_RoleOf(t *testing.T) {
	access := mergin.NewProjectAccess("p1", "alice", false)
	access.SetRole("bob", mergin.RoleWriter)
	access.SetRole("carol", mergin.RoleReader)

	tests := []struct {
		user string
		want mergin.Role
	}{
		{"alice", mergin.RoleOwner},
		{"bob", mergin.RoleWriter},
		{"carol", mergin.RoleReader},
		{"mallory", mergin.RoleNone},
	}
	for _, tt := range tests {
		if got := access.RoleOf(tt.user); got != tt.want {
			t.Errorf("RoleOf(%q) = %s, want %s", tt.user, got, tt.want)
		}
	}
}

func TestProjectAccess_PublicGrantsReader(t *testing.T) {
	access := mergin.NewProjectAccess("p1", "alice", true)

	if got := access.RoleOf("stranger"); got != mergin.RoleReader {
		t.Errorf("RoleOf(stranger) on public project = %s, want reader", got)
	}
	// The public flag grants no explicit membership.
	if got := access.GrantedRole("stranger"); got != mergin.RoleNone {
		t.Errorf("GrantedRole(stranger) = %s, want none", got)
	}
}

func TestProjectAccess_SetRoleWritesImpliedLists(t *testing.T) {
	access := mergin.NewProjectAccess("p1", "alice", false)

	access.SetRole("bob", mergin.RoleWriter)
	if !slices.Contains(access.Writers, "bob") || !slices.Contains(access.Readers, "bob") {
		t.Errorf("writer not present in writers and readers: %+v", access)
	}
	if slices.Contains(access.Owners, "bob") {
		t.Errorf("writer unexpectedly present in owners: %+v", access)
	}

	// Demote: higher lists must be cleaned up.
	access.SetRole("bob", mergin.RoleReader)
	if slices.Contains(access.Writers, "bob") {
		t.Errorf("demoted user still in writers: %+v", access)
	}
	if !slices.Contains(access.Readers, "bob") {
		t.Errorf("demoted user missing from readers: %+v", access)
	}

	// Revoke entirely.
	access.SetRole("bob", mergin.RoleNone)
	if access.RoleOf("bob") != mergin.RoleNone {
		t.Errorf("revoked user still has role %s", access.RoleOf("bob"))
	}
}

func TestAccessRequest_Expired(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	request := &mergin.AccessRequest{ExpiresAt: now.Add(time.Hour)}

	if request.Expired(now) {
		t.Error("request expired before its window")
	}
	if !request.Expired(now.Add(2 * time.Hour)) {
		t.Error("request not expired after its window")
	}
}
