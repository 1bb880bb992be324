package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/identity/domain"
	"github.com/crestdata/crest/internal/rbac"
)

// countSuperadminsLocked tallies superadmins, lock held.
func (m *Manager) countSuperadminsLocked() int {
	n := 0
	for _, u := range m.users {
		if u.IsSuperadmin {
			n++
		}
	}
	return n
}

func (m *Manager) transition(id snowflake.ID, to domain.Status, action audit.Action) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if !domain.CanTransition(user.Status, to) {
		return nil, domain.ErrInvalidTransition
	}
	// Superadmin accounts cannot be suspended; demote first.
	if user.IsSuperadmin && to == domain.StatusSuspended {
		return nil, domain.ErrInsufficientPrivilege
	}
	// Retiring the last superadmin would leave the platform without an
	// operator.
	if user.IsSuperadmin && to == domain.StatusInactive && m.countSuperadminsLocked() == 1 {
		return nil, domain.ErrLastSuperadmin
	}

	updated := *user
	updated.Status = to
	updated.UpdatedAt = time.Now().UTC()
	if to == domain.StatusActive {
		updated.FailedLoginAttempts = 0
		updated.LockedUntil = nil
	}
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}

	if to != domain.StatusActive {
		m.sessions.InvalidateUser(id.String())
	}
	m.trail.Record(audit.Entry{
		ActorID:      id.String(),
		ActorName:    updated.Username,
		Action:       action,
		ResourceType: "user",
		ResourceID:   id.String(),
		Details:      map[string]any{"status": string(to)},
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// Suspend moves a user to suspended and drops their sessions.
func (m *Manager) Suspend(id snowflake.ID) (*domain.User, error) {
	return m.transition(id, domain.StatusSuspended, audit.ActionUserSuspended)
}

// Activate moves a pending, suspended, or inactive user back to active.
func (m *Manager) Activate(id snowflake.ID) (*domain.User, error) {
	return m.transition(id, domain.StatusActive, audit.ActionUserActivated)
}

// Deactivate retires a user without deleting the record.
func (m *Manager) Deactivate(id snowflake.ID) (*domain.User, error) {
	return m.transition(id, domain.StatusInactive, audit.ActionUserUpdated)
}

// Delete removes a user entirely. The last superadmin cannot be
// deleted.
func (m *Manager) Delete(id snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	if user.IsSuperadmin && m.countSuperadminsLocked() == 1 {
		return domain.ErrLastSuperadmin
	}

	if err := m.repo.Save(m.snapshotWith(nil, id)); err != nil {
		return fmt.Errorf("persist users: %w", err)
	}
	delete(m.byUsername, strings.ToLower(user.Username))
	delete(m.byEmail, strings.ToLower(user.Email))
	delete(m.users, id)

	m.sessions.InvalidateUser(id.String())
	m.trail.Record(audit.Entry{
		ActorID:      id.String(),
		ActorName:    user.Username,
		Action:       audit.ActionUserDeleted,
		ResourceType: "user",
		ResourceID:   id.String(),
		Success:      true,
	})
	return nil
}

// GrantSuperadmin elevates a user to platform operator.
func (m *Manager) GrantSuperadmin(actorID, targetID snowflake.ID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actor, ok := m.users[actorID]
	if !ok || !actor.IsSuperadmin {
		return nil, domain.ErrInsufficientPrivilege
	}
	target, ok := m.users[targetID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if target.IsSuperadmin {
		copied := *target
		return &copied, nil
	}

	updated := *target
	updated.IsSuperadmin = true
	if !updated.HasRole(rbac.RoleSuperadmin) {
		updated.Roles = append(append([]string(nil), target.Roles...), rbac.RoleSuperadmin)
	}
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		ActorID:      actorID.String(),
		ActorName:    actor.Username,
		Action:       audit.ActionSuperadminChange,
		ResourceType: "user",
		ResourceID:   targetID.String(),
		Details:      map[string]any{"granted": true},
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// RevokeSuperadmin strips operator status. Superadmins cannot revoke
// their own status, and the last superadmin cannot be revoked.
func (m *Manager) RevokeSuperadmin(actorID, targetID snowflake.ID) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	actor, ok := m.users[actorID]
	if !ok || !actor.IsSuperadmin {
		return nil, domain.ErrInsufficientPrivilege
	}
	if actorID == targetID {
		return nil, domain.ErrInsufficientPrivilege
	}
	target, ok := m.users[targetID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if !target.IsSuperadmin {
		copied := *target
		return &copied, nil
	}
	if m.countSuperadminsLocked() == 1 {
		return nil, domain.ErrLastSuperadmin
	}

	updated := *target
	updated.IsSuperadmin = false
	kept := make([]string, 0, len(target.Roles))
	for _, r := range target.Roles {
		if r != rbac.RoleSuperadmin {
			kept = append(kept, r)
		}
	}
	updated.Roles = kept
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		ActorID:      actorID.String(),
		ActorName:    actor.Username,
		Action:       audit.ActionSuperadminChange,
		ResourceType: "user",
		ResourceID:   targetID.String(),
		Details:      map[string]any{"granted": false},
		Success:      true,
	})
	copied := updated
	return &copied, nil
}
