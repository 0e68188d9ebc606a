package mergin

import (
	"slices"
	"time"
)

// Role is the effective permission of a user on a project.
type Role string

const (
	RoleNone   Role = "none"
	RoleReader Role = "reader"
	RoleWriter Role = "writer"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleNone:   0,
	RoleReader: 1,
	RoleWriter: 2,
	RoleOwner:  3,
}

// AtLeast reports whether r grants everything other grants.
func (r Role) AtLeast(other Role) bool { return roleRank[r] >= roleRank[other] }

// ProjectAccess is the ACL of a project: explicit membership lists plus a
// public flag. Roles do not inherit in storage: a writer appears in both
// the writers and readers lists, so each list can be queried on its own.
type ProjectAccess struct {
	ProjectID string   `json:"project_id"`
	Public    bool     `json:"public"`
	Owners    []string `json:"owners"`
	Writers   []string `json:"writers"`
	Readers   []string `json:"readers"`
}

// NewProjectAccess builds the initial ACL for a project: the creator holds
// every role.
func NewProjectAccess(projectID, creatorID string, public bool) *ProjectAccess {
	return &ProjectAccess{
		ProjectID: projectID,
		Public:    public,
		Owners:    []string{creatorID},
		Writers:   []string{creatorID},
		Readers:   []string{creatorID},
	}
}

// GrantedRole returns the role from explicit membership lists only,
// ignoring the public flag.
func (a *ProjectAccess) GrantedRole(userID string) Role {
	switch {
	case slices.Contains(a.Owners, userID):
		return RoleOwner
	case slices.Contains(a.Writers, userID):
		return RoleWriter
	case slices.Contains(a.Readers, userID):
		return RoleReader
	default:
		return RoleNone
	}
}

// RoleOf resolves the effective role of a user: explicit grant first, then
// reader if the project is public.
func (a *ProjectAccess) RoleOf(userID string) Role {
	if r := a.GrantedRole(userID); r != RoleNone {
		return r
	}
	if a.Public {
		return RoleReader
	}
	return RoleNone
}

// rolePermissionLists maps a role to the membership lists it must appear in.
func (a *ProjectAccess) rolePermissionLists(role Role) []*[]string {
	switch role {
	case RoleOwner:
		return []*[]string{&a.Owners, &a.Writers, &a.Readers}
	case RoleWriter:
		return []*[]string{&a.Writers, &a.Readers}
	case RoleReader:
		return []*[]string{&a.Readers}
	default:
		return nil
	}
}

// SetRole replaces the user's membership with the given role.
// RoleNone removes the user from all lists.
func (a *ProjectAccess) SetRole(userID string, role Role) {
	a.UnsetRole(userID)
	for _, list := range a.rolePermissionLists(role) {
		if !slices.Contains(*list, userID) {
			*list = append(*list, userID)
		}
	}
}

// UnsetRole removes the user from all membership lists.
func (a *ProjectAccess) UnsetRole(userID string) {
	for _, list := range []*[]string{&a.Owners, &a.Writers, &a.Readers} {
		if i := slices.Index(*list, userID); i >= 0 {
			*list = slices.Delete(*list, i, i+1)
		}
	}
}

// AccessRequest is a pending request by a user for access to a project.
// It stays pending until an owner accepts it, the requester cancels it, or
// it expires.
type AccessRequest struct {
	ID          int64     `json:"id"`
	ProjectID   string    `json:"project_id"`
	Namespace   string    `json:"namespace"`
	ProjectName string    `json:"project_name"`
	UserID      string    `json:"user_id"`
	RequestedAt time.Time `json:"requested"`
	ExpiresAt   time.Time `json:"expire"`
}

// Expired reports whether the request is past its expiry at the given time.
func (r *AccessRequest) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }
