package service

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/tenant/domain"
	"github.com/crestdata/crest/pkg/telemetry"
)

func newInviteToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Invite creates a pending invitation for an email address. At most
// one pending invitation per address per company may exist, and the
// company must have headroom for the member it would add. A ttl of
// zero uses the default invitation window; message is an optional note
// carried to the invitee.
func (m *Manager) Invite(companyID, invitedBy snowflake.ID, email, role, message string, ttl time.Duration) (*domain.Invitation, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	role = strings.ToLower(strings.TrimSpace(role))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.ErrInvitationInvalid
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	switch c.Status {
	case domain.CompanyPending:
		return nil, domain.ErrCompanyPending
	case domain.CompanySuspended:
		return nil, domain.ErrCompanySuspended
	case domain.CompanyDeleted:
		return nil, domain.ErrCompanyDeleted
	}
	if !emailAllowed(c.Settings, email) {
		return nil, domain.ErrDomainNotAllowed
	}
	if role == "" {
		role = c.Settings.DefaultMemberRole
		if role == "" {
			role = rbac.RoleViewer
		}
	}
	if !m.roles.Exists(role) || role == rbac.RoleSuperadmin {
		return nil, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, role)
	}

	now := time.Now().UTC()
	for _, inv := range m.invites {
		if inv.CompanyID == companyID && inv.Email == email &&
			inv.Status == domain.InvitePending && now.Before(inv.ExpiresAt) {
			return nil, domain.ErrDuplicateInvitation
		}
	}

	limits := m.effectiveLimits(c)
	if m.activeMembersLocked(companyID) >= limits.MaxUsers {
		telemetry.QuotaRejections.Inc()
		return nil, fmt.Errorf("%w: user limit %d reached", domain.ErrQuotaExceeded, limits.MaxUsers)
	}

	token, err := newInviteToken()
	if err != nil {
		return nil, fmt.Errorf("generate invitation token: %w", err)
	}
	if ttl == 0 {
		ttl = domain.InvitationTTL
	}
	inv := &domain.Invitation{
		ID:        m.node.Generate(),
		CompanyID: companyID,
		Email:     email,
		Role:      role,
		Token:     token,
		Message:   strings.TrimSpace(message),
		InvitedBy: invitedBy,
		Status:    domain.InvitePending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := m.invitesRepo.Save(m.invitationsSnapshot(inv, 0)); err != nil {
		return nil, fmt.Errorf("persist invitations: %w", err)
	}
	m.invites[inv.ID] = inv
	m.byToken[token] = inv.ID

	m.trail.Record(audit.Entry{
		ActorID:      invitedBy.String(),
		Action:       audit.ActionInviteCreated,
		ResourceType: "company",
		ResourceID:   companyID.String(),
		Details:      map[string]any{"email": email, "role": role},
		Success:      true,
	})
	copied := *inv
	return &copied, nil
}

// Accept redeems an invitation token for a user. Expiry is checked on
// redemption; an invitation past its window transitions to expired
// and is refused. The email on the invitation must match the user.
func (m *Manager) Accept(token string, userID snowflake.ID, email string) (*domain.Membership, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	m.mu.Lock()
	invID, ok := m.byToken[token]
	if !ok {
		m.mu.Unlock()
		return nil, domain.ErrInvitationInvalid
	}
	inv := m.invites[invID]

	if inv.Status != domain.InvitePending {
		m.mu.Unlock()
		return nil, domain.ErrInvitationInvalid
	}
	now := time.Now().UTC()
	if now.After(inv.ExpiresAt) {
		expired := *inv
		expired.Status = domain.InviteExpired
		if err := m.invitesRepo.Save(m.invitationsSnapshot(&expired, 0)); err == nil {
			*inv = expired
			delete(m.byToken, token)
		}
		m.mu.Unlock()
		return nil, domain.ErrInvitationExpired
	}
	if inv.Email != email {
		m.mu.Unlock()
		return nil, domain.ErrInvitationInvalid
	}
	companyID, role, inviter := inv.CompanyID, inv.Role, inv.InvitedBy
	m.mu.Unlock()

	mb, err := m.AddMember(companyID, userID, inviter, email, role)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	accepted := *inv
	accepted.Status = domain.InviteAccepted
	if err := m.invitesRepo.Save(m.invitationsSnapshot(&accepted, 0)); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persist invitations: %w", err)
	}
	*inv = accepted
	delete(m.byToken, token)
	m.mu.Unlock()

	m.trail.Record(audit.Entry{
		ActorID:      userID.String(),
		Action:       audit.ActionInviteAccepted,
		ResourceType: "company",
		ResourceID:   companyID.String(),
		Success:      true,
	})
	return mb, nil
}

// Revoke cancels a pending invitation.
func (m *Manager) Revoke(invitationID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.invites[invitationID]
	if !ok || inv.Status != domain.InvitePending {
		return domain.ErrInvitationInvalid
	}

	revoked := *inv
	revoked.Status = domain.InviteRevoked
	if err := m.invitesRepo.Save(m.invitationsSnapshot(&revoked, 0)); err != nil {
		return fmt.Errorf("persist invitations: %w", err)
	}
	*inv = revoked
	delete(m.byToken, inv.Token)

	m.trail.Record(audit.Entry{
		Action:       audit.ActionInviteRevoked,
		ResourceType: "company",
		ResourceID:   inv.CompanyID.String(),
		Details:      map[string]any{"email": inv.Email},
		Success:      true,
	})
	return nil
}

// InvitationByToken looks up an invitation by its token, so an invitee
// can inspect it before accepting. A pending invitation past its
// window is reported as expired.
func (m *Manager) InvitationByToken(token string) (*domain.Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	invID, ok := m.byToken[token]
	if !ok {
		return nil, domain.ErrInvitationInvalid
	}
	view := *m.invites[invID]
	if view.Status == domain.InvitePending && time.Now().UTC().After(view.ExpiresAt) {
		view.Status = domain.InviteExpired
	}
	return &view, nil
}

// Invitations lists a company's invitations, newest first. Pending
// invitations past their window are reported as expired.
func (m *Manager) Invitations(companyID snowflake.ID) ([]domain.Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.companies[companyID]; !ok {
		return nil, domain.ErrCompanyNotFound
	}
	now := time.Now().UTC()
	var out []domain.Invitation
	for _, inv := range m.invites {
		if inv.CompanyID != companyID {
			continue
		}
		view := *inv
		if view.Status == domain.InvitePending && now.After(view.ExpiresAt) {
			view.Status = domain.InviteExpired
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
