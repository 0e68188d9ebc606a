package mergin

import (
	"fmt"
	"time"
)

// DefaultAccessRequestWindow is how long an access request stays pending
// before it expires.
const DefaultAccessRequestWindow = 7 * 24 * time.Hour

// RequestAccess files a pending access request by a user with no role on
// the project. Fails with ErrConflict if one is already pending and with
// ErrForbidden if the requester already has access.
func (s *Service) RequestAccess(actor Actor, namespace, name string) (*AccessRequest, error) {
	if actor.ID == "" {
		return nil, ErrUnauthorized
	}
	project, err := s.liveProject(namespace, name)
	if err != nil {
		return nil, err
	}

	access, err := s.db.GetAccess(project.ID)
	if err != nil {
		return nil, err
	}
	if access.GrantedRole(actor.ID) != RoleNone {
		return nil, fmt.Errorf("%w: user already has access", ErrForbidden)
	}

	now := s.clock.Now()
	request := &AccessRequest{
		ProjectID:   project.ID,
		Namespace:   project.Namespace,
		ProjectName: project.Name,
		UserID:      actor.ID,
		RequestedAt: now,
		ExpiresAt:   now.Add(DefaultAccessRequestWindow),
	}
	if err := s.db.CreateAccessRequest(request); err != nil {
		return nil, err
	}

	s.logger.Info("access requested", "project", namespace+"/"+name, "user", actor.ID)
	return request, nil
}

// AcceptAccessRequest converts a pending request into membership with the
// chosen role. Owner only. The request is deleted on success.
func (s *Service) AcceptAccessRequest(actor Actor, requestID int64, role Role) error {
	if role != RoleReader && role != RoleWriter && role != RoleOwner {
		return fmt.Errorf("%w: role %q cannot be granted", ErrInvalid, role)
	}
	request, err := s.db.GetAccessRequest(requestID)
	if err != nil {
		return err
	}
	if request.Expired(s.clock.Now()) {
		if err := s.db.DeleteAccessRequest(requestID); err != nil {
			s.logger.Warn("deleting expired access request", "request", requestID, "error", err)
		}
		return ErrNotFound
	}
	if _, err := s.requireRole(actor, request.ProjectID, RoleOwner); err != nil {
		return err
	}

	access, err := s.db.GetAccess(request.ProjectID)
	if err != nil {
		return err
	}
	access.SetRole(request.UserID, role)
	if err := s.db.SaveAccess(access); err != nil {
		return err
	}
	if err := s.db.DeleteAccessRequest(requestID); err != nil {
		return err
	}

	s.logger.Info("access request accepted", "project", request.Namespace+"/"+request.ProjectName, "user", request.UserID, "role", role)
	return nil
}

// CancelAccessRequest withdraws a pending request. Allowed for the
// requester and for project owners.
func (s *Service) CancelAccessRequest(actor Actor, requestID int64) error {
	request, err := s.db.GetAccessRequest(requestID)
	if err != nil {
		return err
	}
	if request.UserID != actor.ID {
		if _, err := s.requireRole(actor, request.ProjectID, RoleOwner); err != nil {
			return err
		}
	}
	return s.db.DeleteAccessRequest(requestID)
}

// ListIncomingAccessRequests returns pending requests for all projects of a
// namespace the actor owns at least one of. Expired requests are filtered.
func (s *Service) ListIncomingAccessRequests(actor Actor, namespace string) ([]*AccessRequest, error) {
	if actor.ID == "" {
		return nil, ErrUnauthorized
	}
	requests, err := s.db.ListAccessRequests(namespace)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var out []*AccessRequest
	for _, r := range requests {
		if r.Expired(now) {
			continue
		}
		if _, err := s.requireRole(actor, r.ProjectID, RoleOwner); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
