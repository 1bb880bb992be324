package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/identity/domain"
	"github.com/crestdata/crest/internal/identity/password"
	"github.com/crestdata/crest/internal/rbac"
)

// ChangePassword lets a user rotate their own password. All of the
// user's sessions are torn down; the caller must log in again.
func (m *Manager) ChangePassword(id snowflake.ID, current, next string) error {
	if v := m.policy.Check(next); len(v) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrWeakPassword, password.Explain(v))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return domain.ErrUserNotFound
	}
	match, err := password.Verify(current, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("verify password: %w", err)
	}
	if !match {
		return domain.ErrInvalidCredentials
	}

	hash, err := password.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	updated := *user
	updated.PasswordHash = hash
	updated.ForcePasswordChange = false
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return err
	}

	m.sessions.InvalidateUser(id.String())
	m.trail.Record(audit.Entry{
		ActorID:      id.String(),
		ActorName:    updated.Username,
		Action:       audit.ActionPasswordChange,
		ResourceType: "user",
		ResourceID:   id.String(),
		Success:      true,
	})
	return nil
}

// ResetPassword lets a superadmin set a temporary password for another
// user. The target must change it on next login.
func (m *Manager) ResetPassword(actorID, targetID snowflake.ID, next string) error {
	if v := m.policy.Check(next); len(v) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrWeakPassword, password.Explain(v))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	actor, ok := m.users[actorID]
	if !ok || !actor.IsSuperadmin {
		return domain.ErrInsufficientPrivilege
	}
	target, ok := m.users[targetID]
	if !ok {
		return domain.ErrUserNotFound
	}

	hash, err := password.Hash(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	updated := *target
	updated.PasswordHash = hash
	updated.ForcePasswordChange = true
	updated.FailedLoginAttempts = 0
	updated.LockedUntil = nil
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return err
	}

	m.sessions.InvalidateUser(targetID.String())
	m.trail.Record(audit.Entry{
		ActorID:      actorID.String(),
		ActorName:    actor.Username,
		Action:       audit.ActionPasswordReset,
		ResourceType: "user",
		ResourceID:   targetID.String(),
		Success:      true,
	})
	return nil
}

// Unlock clears an active lockout ahead of its expiry.
func (m *Manager) Unlock(actorID, targetID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	actor, ok := m.users[actorID]
	if !ok || !actor.IsSuperadmin {
		return domain.ErrInsufficientPrivilege
	}
	target, ok := m.users[targetID]
	if !ok {
		return domain.ErrUserNotFound
	}

	updated := *target
	updated.FailedLoginAttempts = 0
	updated.LockedUntil = nil
	updated.UpdatedAt = time.Now().UTC()
	return m.persistChange(&updated)
}

// AssignRole adds a catalog role to a user. The superadmin role cannot
// be granted this way; use GrantSuperadmin.
func (m *Manager) AssignRole(id snowflake.ID, role string) (*domain.User, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" || !m.roles.Exists(role) {
		return nil, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, role)
	}
	if role == rbac.RoleSuperadmin {
		return nil, domain.ErrInsufficientPrivilege
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	if user.HasRole(role) {
		copied := *user
		return &copied, nil
	}

	updated := *user
	updated.Roles = append(append([]string(nil), user.Roles...), role)
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		ActorID:      id.String(),
		Action:       audit.ActionRoleAssigned,
		ResourceType: "user",
		ResourceID:   id.String(),
		Details:      map[string]any{"role": role},
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// RemoveRole strips a role from a user.
func (m *Manager) RemoveRole(id snowflake.ID, role string) (*domain.User, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == rbac.RoleSuperadmin {
		return nil, domain.ErrInsufficientPrivilege
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	kept := make([]string, 0, len(user.Roles))
	for _, r := range user.Roles {
		if r != role {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(user.Roles) {
		copied := *user
		return &copied, nil
	}

	updated := *user
	updated.Roles = kept
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		ActorID:      id.String(),
		Action:       audit.ActionRoleRemoved,
		ResourceType: "user",
		ResourceID:   id.String(),
		Details:      map[string]any{"role": role},
		Success:      true,
	})
	copied := updated
	return &copied, nil
}
