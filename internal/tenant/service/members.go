package service

import (
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

// emailAllowed checks an address against the company allow-list. An
// empty list allows every domain.
func emailAllowed(s domain.Settings, email string) bool {
	if len(s.AllowedEmailDomains) == 0 {
		return true
	}
	_, host, ok := strings.Cut(strings.ToLower(email), "@")
	if !ok {
		return false
	}
	for _, d := range s.AllowedEmailDomains {
		if host == d {
			return true
		}
	}
	return false
}

// activeMembersLocked counts memberships that have not been removed.
// Lock held by caller.
func (m *Manager) activeMembersLocked(companyID snowflake.ID) int {
	n := 0
	for _, mb := range m.members[companyID] {
		if mb.Status != domain.MemberRemoved {
			n++
		}
	}
	return n
}

// AddMember joins a user to a company under a role. The company's user
// quota and email-domain policy both apply. A previously removed
// membership is revived rather than duplicated. invitedBy is zero for
// direct additions.
func (m *Manager) AddMember(companyID, userID, invitedBy snowflake.ID, email, role string) (*domain.Membership, error) {
	role = strings.ToLower(strings.TrimSpace(role))

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
	prior := m.members[companyID][userID]
	if prior != nil && prior.Status != domain.MemberRemoved {
		return nil, domain.ErrAlreadyMember
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

	limits := m.effectiveLimits(c)
	active := m.activeMembersLocked(companyID)
	if active >= limits.MaxUsers {
		telemetry.QuotaRejections.Inc()
		return nil, fmt.Errorf("%w: user limit %d reached", domain.ErrQuotaExceeded, limits.MaxUsers)
	}

	mb := &domain.Membership{
		ID:        m.node.Generate(),
		CompanyID: companyID,
		UserID:    userID,
		Role:      role,
		Status:    domain.MemberActive,
		InvitedBy: invitedBy,
		JoinedAt:  time.Now().UTC(),
	}
	if prior != nil {
		mb.ID = prior.ID
	}
	updated := *c
	updated.Usage.Users = active + 1
	updated.UpdatedAt = mb.JoinedAt

	if err := m.membersRepo.Save(m.membershipsSnapshot(mb, 0, 0)); err != nil {
		return nil, fmt.Errorf("persist memberships: %w", err)
	}
	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}
	m.indexMembership(mb)

	m.trail.Record(audit.Entry{
		ActorID:      userID.String(),
		Action:       audit.ActionMemberAdded,
		ResourceType: "company",
		ResourceID:   companyID.String(),
		Details:      map[string]any{"role": role},
		Success:      true,
	})
	copied := *mb
	return &copied, nil
}

// RemoveMember drops a user from a company. The membership record is
// kept in removed status so history survives a later re-add. The owner
// must transfer ownership first.
func (m *Manager) RemoveMember(companyID, userID snowflake.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return domain.ErrCompanyNotFound
	}
	mb, exists := m.members[companyID][userID]
	if !exists || mb.Status == domain.MemberRemoved {
		return domain.ErrNotMember
	}
	if c.OwnerID == userID {
		return domain.ErrCannotRemoveOwner
	}

	removed := *mb
	removed.Status = domain.MemberRemoved

	updated := *c
	updated.Usage.Users = m.activeMembersLocked(companyID) - 1
	updated.UpdatedAt = time.Now().UTC()

	if err := m.membersRepo.Save(m.membershipsSnapshot(&removed, 0, 0)); err != nil {
		return fmt.Errorf("persist memberships: %w", err)
	}
	if err := m.persistCompany(&updated); err != nil {
		return err
	}
	*mb = removed

	m.trail.Record(audit.Entry{
		ActorID:      userID.String(),
		Action:       audit.ActionMemberRemoved,
		ResourceType: "company",
		ResourceID:   companyID.String(),
		Success:      true,
	})
	return nil
}

// ChangeMemberRole updates a member's role within the company.
func (m *Manager) ChangeMemberRole(companyID, userID snowflake.ID, role string) (*domain.Membership, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !m.roles.Exists(role) || role == rbac.RoleSuperadmin {
		return nil, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, role)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	mb, exists := m.members[companyID][userID]
	if !exists || mb.Status == domain.MemberRemoved {
		return nil, domain.ErrNotMember
	}
	// The owner's role travels with ownership, not with role edits.
	if c.OwnerID == userID {
		return nil, domain.ErrCannotRemoveOwner
	}

	updated := *mb
	updated.Role = role
	if err := m.membersRepo.Save(m.membershipsSnapshot(&updated, 0, 0)); err != nil {
		return nil, fmt.Errorf("persist memberships: %w", err)
	}
	*mb = updated

	copied := updated
	return &copied, nil
}

// TransferOwnership hands a company to another member. The new owner
// takes the owner role; the previous owner becomes a company admin.
func (m *Manager) TransferOwnership(companyID, fromID, toID snowflake.ID) (*domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[companyID]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	if c.OwnerID != fromID {
		return nil, domain.ErrCannotRemoveOwner
	}
	newOwner, exists := m.members[companyID][toID]
	if !exists || newOwner.Status != domain.MemberActive {
		return nil, domain.ErrNotMember
	}
	oldOwner := m.members[companyID][fromID]

	now := time.Now().UTC()
	updatedCompany := *c
	updatedCompany.OwnerID = toID
	updatedCompany.UpdatedAt = now

	updatedNew := *newOwner
	updatedNew.Role = rbac.RoleCompanyOwner

	snapshot := m.membershipsSnapshot(&updatedNew, 0, 0)
	var updatedOld domain.Membership
	if oldOwner != nil {
		updatedOld = *oldOwner
		updatedOld.Role = rbac.RoleCompanyAdmin
		for i := range snapshot {
			if snapshot[i].ID == updatedOld.ID {
				snapshot[i] = updatedOld
			}
		}
	}

	if err := m.membersRepo.Save(snapshot); err != nil {
		return nil, fmt.Errorf("persist memberships: %w", err)
	}
	if err := m.persistCompany(&updatedCompany); err != nil {
		return nil, err
	}
	*newOwner = updatedNew
	if oldOwner != nil {
		*oldOwner = updatedOld
	}

	m.trail.Record(audit.Entry{
		ActorID:      fromID.String(),
		Action:       audit.ActionOwnershipMoved,
		ResourceType: "company",
		ResourceID:   companyID.String(),
		Details:      map[string]any{"to": toID.String()},
		Success:      true,
	})
	copied := updatedCompany
	return &copied, nil
}

// Members lists a company's memberships, oldest first.
func (m *Manager) Members(companyID snowflake.ID) ([]domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.companies[companyID]; !ok {
		return nil, domain.ErrCompanyNotFound
	}
	out := make([]domain.Membership, 0, len(m.members[companyID]))
	for _, mb := range m.members[companyID] {
		if mb.Status == domain.MemberRemoved {
			continue
		}
		out = append(out, *mb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

// CompaniesFor lists the companies a user belongs to.
func (m *Manager) CompaniesFor(userID snowflake.ID) []domain.Company {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Company, 0, len(m.byUser[userID]))
	for companyID, mb := range m.byUser[userID] {
		if mb.Status == domain.MemberRemoved {
			continue
		}
		if c, ok := m.companies[companyID]; ok && c.Status != domain.CompanyDeleted {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TenantContext resolves the view a user's request operates under for
// a given company: role, tier, effective limits, and current usage.
// An expired trial reads as free tier.
func (m *Manager) TenantContext(companyID, userID snowflake.ID) (*domain.TenantContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

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
	mb, exists := m.members[companyID][userID]
	if !exists || mb.Status != domain.MemberActive {
		return nil, domain.ErrNotMember
	}

	view := *c
	if view.Tier == domain.TierTrial && view.TrialExpiresAt != nil &&
		time.Now().UTC().After(*view.TrialExpiresAt) {
		view.Tier = domain.TierFree
	}

	return &domain.TenantContext{
		CompanyID: c.ID,
		Slug:      c.Slug,
		Name:      c.Name,
		Tier:      view.Tier,
		Role:      mb.Role,
		Limits:    m.effectiveLimits(&view),
		Usage:     c.Usage,
	}, nil
}

// TenantContextFor resolves a context without a company argument by
// defaulting to the user's oldest active membership. Users with no
// memberships get ErrNotMember.
func (m *Manager) TenantContextFor(userID snowflake.ID) (*domain.TenantContext, error) {
	m.mu.RLock()
	var pick *domain.Membership
	for companyID, mb := range m.byUser[userID] {
		if mb.Status != domain.MemberActive {
			continue
		}
		if c, ok := m.companies[companyID]; !ok || c.Status == domain.CompanyDeleted {
			continue
		}
		if pick == nil || mb.JoinedAt.Before(pick.JoinedAt) {
			pick = mb
		}
	}
	m.mu.RUnlock()

	if pick == nil {
		return nil, domain.ErrNotMember
	}
	return m.TenantContext(pick.CompanyID, userID)
}

// OversightContext resolves a company scope without a membership, for
// superadmins acting across tenants. Status gating does not apply.
func (m *Manager) OversightContext(companyID snowflake.ID) (*domain.TenantContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.companies[companyID]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	return &domain.TenantContext{
		CompanyID: c.ID,
		Slug:      c.Slug,
		Name:      c.Name,
		Tier:      c.Tier,
		Role:      rbac.RoleSuperadmin,
		Limits:    m.effectiveLimits(c),
		Usage:     c.Usage,
	}, nil
}
