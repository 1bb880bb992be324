// Package service implements multi-tenant company management:
// companies, memberships, invitations, tiers, and usage accounting.
package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/config"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/store"
	"github.com/crestdata/crest/internal/tenant/domain"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Manager owns the company, membership, and invitation collections.
type Manager struct {
	mu        sync.RWMutex
	companies map[snowflake.ID]*domain.Company
	bySlug    map[string]snowflake.ID
	// members is companyID -> userID -> membership.
	members map[snowflake.ID]map[snowflake.ID]*domain.Membership
	// byUser is userID -> companyID -> membership.
	byUser  map[snowflake.ID]map[snowflake.ID]*domain.Membership
	invites map[snowflake.ID]*domain.Invitation
	byToken map[string]snowflake.ID

	node          *snowflake.Node
	tiers         *config.TierCatalogHolder
	roles         *rbac.Registry
	companiesRepo store.Companies
	membersRepo   store.Memberships
	invitesRepo   store.Invitations
	approvalGate  bool
	trail         *audit.Log
	log           *zap.Logger
}

// NewManager loads the persisted tenant collections.
func NewManager(
	cfg *config.Config,
	logger *zap.Logger,
	backend *store.Backend,
	tiers *config.TierCatalogHolder,
	roles *rbac.Registry,
	node *snowflake.Node,
) (*Manager, error) {
	m := &Manager{
		companies:     make(map[snowflake.ID]*domain.Company),
		bySlug:        make(map[string]snowflake.ID),
		members:       make(map[snowflake.ID]map[snowflake.ID]*domain.Membership),
		byUser:        make(map[snowflake.ID]map[snowflake.ID]*domain.Membership),
		invites:       make(map[snowflake.ID]*domain.Invitation),
		byToken:       make(map[string]snowflake.ID),
		node:          node,
		tiers:         tiers,
		roles:         roles,
		companiesRepo: backend.Companies,
		membersRepo:   backend.Memberships,
		invitesRepo:   backend.Invitations,
		approvalGate:  cfg.CompanyApprovalRequired,
		trail:         audit.NewLog("tenant", cfg.AuditRetention, nil, logger),
		log:           logger.Named("tenant.service"),
	}

	companies, err := backend.Companies.Load()
	if err != nil {
		return nil, fmt.Errorf("load companies: %w", err)
	}
	for i := range companies {
		c := companies[i]
		m.companies[c.ID] = &c
		m.bySlug[c.Slug] = c.ID
	}

	memberships, err := backend.Memberships.Load()
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	for i := range memberships {
		m.indexMembership(&memberships[i])
	}

	invites, err := backend.Invitations.Load()
	if err != nil {
		return nil, fmt.Errorf("load invitations: %w", err)
	}
	for i := range invites {
		inv := invites[i]
		m.invites[inv.ID] = &inv
		if inv.Status == domain.InvitePending {
			m.byToken[inv.Token] = inv.ID
		}
	}

	m.log.Info("tenant manager ready",
		zap.Int("companies", len(m.companies)),
		zap.Int("invitations", len(m.invites)),
	)
	return m, nil
}

func (m *Manager) indexMembership(mb *domain.Membership) {
	if m.members[mb.CompanyID] == nil {
		m.members[mb.CompanyID] = make(map[snowflake.ID]*domain.Membership)
	}
	m.members[mb.CompanyID][mb.UserID] = mb
	if m.byUser[mb.UserID] == nil {
		m.byUser[mb.UserID] = make(map[snowflake.ID]*domain.Membership)
	}
	m.byUser[mb.UserID][mb.CompanyID] = mb
}

func (m *Manager) dropMembershipIndex(mb *domain.Membership) {
	if byCompany := m.members[mb.CompanyID]; byCompany != nil {
		delete(byCompany, mb.UserID)
		if len(byCompany) == 0 {
			delete(m.members, mb.CompanyID)
		}
	}
	if byUser := m.byUser[mb.UserID]; byUser != nil {
		delete(byUser, mb.CompanyID)
		if len(byUser) == 0 {
			delete(m.byUser, mb.UserID)
		}
	}
}

// companiesSnapshot renders the company map with override applied and
// removeID excluded. Lock held by caller.
func (m *Manager) companiesSnapshot(override *domain.Company, removeID snowflake.ID) []domain.Company {
	out := make([]domain.Company, 0, len(m.companies)+1)
	for id, c := range m.companies {
		if id == removeID || (override != nil && id == override.ID) {
			continue
		}
		out = append(out, *c)
	}
	if override != nil {
		out = append(out, *override)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) membershipsSnapshot(add *domain.Membership, removeID snowflake.ID, removeCompany snowflake.ID) []domain.Membership {
	var out []domain.Membership
	for _, byUser := range m.members {
		for _, mb := range byUser {
			if mb.ID == removeID || (removeCompany != 0 && mb.CompanyID == removeCompany) {
				continue
			}
			if add != nil && mb.ID == add.ID {
				continue
			}
			out = append(out, *mb)
		}
	}
	if add != nil {
		out = append(out, *add)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) invitationsSnapshot(override *domain.Invitation, removeCompany snowflake.ID) []domain.Invitation {
	out := make([]domain.Invitation, 0, len(m.invites)+1)
	for _, inv := range m.invites {
		if removeCompany != 0 && inv.CompanyID == removeCompany {
			continue
		}
		if override != nil && inv.ID == override.ID {
			continue
		}
		out = append(out, *inv)
	}
	if override != nil {
		out = append(out, *override)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) persistCompany(changed *domain.Company) error {
	if err := m.companiesRepo.Save(m.companiesSnapshot(changed, 0)); err != nil {
		return fmt.Errorf("persist companies: %w", err)
	}
	m.companies[changed.ID] = changed
	m.bySlug[changed.Slug] = changed.ID
	return nil
}

// effectiveLimits resolves a company's tier limits with overrides
// applied. Lock held by caller.
func (m *Manager) effectiveLimits(c *domain.Company) domain.Limits {
	tl := m.tiers.Limits(string(c.Tier))
	base := domain.Limits{
		MaxUsers:          tl.MaxUsers,
		MaxPipelines:      tl.MaxPipelines,
		MaxConnectors:     tl.MaxConnectors,
		MaxStorageGB:      tl.MaxStorageGB,
		MaxJobsPerDay:     tl.MaxJobsPerDay,
		MaxAPICallsPerDay: tl.MaxAPICallsPerDay,
		RetentionDays:     tl.RetentionDays,
		AdvancedFeatures:  tl.AdvancedFeatures,
		SSO:               tl.SSO,
		AuditLogs:         tl.AuditLogs,
		CustomRoles:       tl.CustomRoles,
		SupportLevel:      tl.SupportLevel,
	}
	return c.Overrides.Apply(base)
}

// EffectiveLimits returns the limits a company currently operates under.
func (m *Manager) EffectiveLimits(id snowflake.ID) (domain.Limits, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return domain.Limits{}, domain.ErrCompanyNotFound
	}
	return m.effectiveLimits(c), nil
}

// deriveSlug turns a company name into a unique slug. On collision the
// tail of the company ID is appended.
func (m *Manager) deriveSlug(name string, id snowflake.ID) string {
	base := slug.Make(name)
	if base == "" {
		base = "company"
	}
	if _, taken := m.bySlug[base]; !taken {
		return base
	}
	tail := id.String()
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	return fmt.Sprintf("%s-%s", base, tail)
}

// CreateCompany provisions a tenant and makes ownerID its owner. An
// unspecified tier lands on free; trial starts the trial clock.
func (m *Manager) CreateCompany(ownerID snowflake.ID, name string, tier domain.Tier) (*domain.Company, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.ErrInvalidCompanyName
	}
	if tier == "" {
		tier = domain.TierFree
	}
	if !domain.KnownTier(tier) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTier, tier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	id := m.node.Generate()
	status := domain.CompanyActive
	if tier == domain.TierTrial {
		status = domain.CompanyTrial
	}
	if m.approvalGate {
		status = domain.CompanyPending
	}
	company := &domain.Company{
		ID:      id,
		Name:    name,
		Slug:    m.deriveSlug(name, id),
		Tier:    tier,
		Status:  status,
		OwnerID: ownerID,
		Settings: domain.Settings{
			DefaultMemberRole:   rbac.RoleViewer,
			RequireInviteToJoin: true,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if tier == domain.TierTrial {
		expiry := now.Add(domain.TrialPeriod)
		company.TrialExpiresAt = &expiry
	}
	company.Usage.Users = 1

	owner := &domain.Membership{
		ID:        m.node.Generate(),
		CompanyID: id,
		UserID:    ownerID,
		Role:      rbac.RoleCompanyOwner,
		Status:    domain.MemberActive,
		JoinedAt:  now,
	}

	if err := m.companiesRepo.Save(m.companiesSnapshot(company, 0)); err != nil {
		return nil, fmt.Errorf("persist companies: %w", err)
	}
	if err := m.membersRepo.Save(m.membershipsSnapshot(owner, 0, 0)); err != nil {
		return nil, fmt.Errorf("persist memberships: %w", err)
	}
	m.companies[id] = company
	m.bySlug[company.Slug] = id
	m.indexMembership(owner)

	m.trail.Record(audit.Entry{
		ActorID:      ownerID.String(),
		Action:       audit.ActionCompanyCreated,
		ResourceType: "company",
		ResourceID:   id.String(),
		Details:      map[string]any{"slug": company.Slug, "tier": string(tier)},
		Success:      true,
	})
	copied := *company
	return &copied, nil
}

// Get returns a company by ID.
func (m *Manager) Get(id snowflake.ID) (*domain.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	copied := *c
	return &copied, nil
}

// GetBySlug returns a company by slug.
func (m *Manager) GetBySlug(s string) (*domain.Company, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.bySlug[strings.ToLower(s)]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	copied := *m.companies[id]
	return &copied, nil
}

// ListFilter narrows List output.
type ListFilter struct {
	Status domain.CompanyStatus
	Tier   domain.Tier
	Search string
	Limit  int
	Offset int
}

// List returns companies matching the filter plus the total count.
// Deleted companies are excluded unless asked for explicitly.
func (m *Manager) List(f ListFilter) ([]domain.Company, int) {
	m.mu.RLock()
	matched := make([]domain.Company, 0, len(m.companies))
	needle := strings.ToLower(f.Search)
	for _, c := range m.companies {
		if f.Status != "" {
			if c.Status != f.Status {
				continue
			}
		} else if c.Status == domain.CompanyDeleted {
			continue
		}
		if f.Tier != "" && c.Tier != f.Tier {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(c.Name), needle) &&
			!strings.Contains(c.Slug, needle) &&
			!strings.Contains(strings.ToLower(c.ContactEmail), needle) {
			continue
		}
		matched = append(matched, *c)
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= total {
			return nil, total
		}
		matched = matched[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total
}

// Update applies a partial update to company profile fields. Renaming
// does not change the slug; slugs are stable identifiers.
func (m *Manager) Update(id snowflake.ID, upd domain.Update) (*domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}

	updated := *c
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name != "" {
			updated.Name = name
		}
	}
	if upd.Website != nil {
		updated.Website = strings.TrimSpace(*upd.Website)
	}
	if upd.ContactEmail != nil {
		updated.ContactEmail = strings.ToLower(strings.TrimSpace(*upd.ContactEmail))
	}
	if upd.ContactPhone != nil {
		updated.ContactPhone = strings.TrimSpace(*upd.ContactPhone)
	}
	if upd.Address != nil {
		updated.Address = strings.TrimSpace(*upd.Address)
	}
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		Action:       audit.ActionCompanyUpdated,
		ResourceType: "company",
		ResourceID:   id.String(),
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// UpdateSettings applies a partial settings update.
func (m *Manager) UpdateSettings(id snowflake.ID, upd domain.SettingsUpdate) (*domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}

	updated := *c
	s := updated.Settings
	if upd.AllowedEmailDomains != nil {
		domains := make([]string, 0, len(*upd.AllowedEmailDomains))
		for _, d := range *upd.AllowedEmailDomains {
			d = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(d, "@")))
			if d != "" {
				domains = append(domains, d)
			}
		}
		s.AllowedEmailDomains = domains
	}
	if upd.DefaultMemberRole != nil {
		role := strings.ToLower(*upd.DefaultMemberRole)
		if !m.roles.Exists(role) || role == rbac.RoleSuperadmin {
			return nil, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, role)
		}
		s.DefaultMemberRole = role
	}
	if upd.RequireInviteToJoin != nil {
		s.RequireInviteToJoin = *upd.RequireInviteToJoin
	}
	if upd.Timezone != nil {
		s.Timezone = *upd.Timezone
	}
	if upd.Locale != nil {
		s.Locale = *upd.Locale
	}
	if upd.LogoURL != nil {
		s.LogoURL = strings.TrimSpace(*upd.LogoURL)
	}
	if upd.StorageRegion != nil {
		s.StorageRegion = strings.TrimSpace(*upd.StorageRegion)
	}
	updated.Settings = s
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		Action:       audit.ActionSettingsChanged,
		ResourceType: "company",
		ResourceID:   id.String(),
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// ChangeTier moves a company to another tier. Entering trial starts a
// fresh trial window and puts the company in trial status; leaving it
// clears the expiry and restores active status. The overrides argument
// replaces any existing limit overrides wholesale; pass nil to revert
// to pure tier limits.
func (m *Manager) ChangeTier(id snowflake.ID, tier domain.Tier, overrides *domain.LimitOverrides) (*domain.Company, error) {
	if !domain.KnownTier(tier) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTier, tier)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}

	now := time.Now().UTC()
	updated := *c
	previous := updated.Tier
	updated.Tier = tier
	updated.Overrides = overrides
	if tier == domain.TierTrial {
		expiry := now.Add(domain.TrialPeriod)
		updated.TrialExpiresAt = &expiry
		if updated.Status == domain.CompanyActive {
			updated.Status = domain.CompanyTrial
		}
	} else {
		updated.TrialExpiresAt = nil
		if updated.Status == domain.CompanyTrial {
			updated.Status = domain.CompanyActive
		}
	}
	updated.UpdatedAt = now
	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		Action:       audit.ActionTierChanged,
		ResourceType: "company",
		ResourceID:   id.String(),
		Details:      map[string]any{"from": string(previous), "to": string(tier)},
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// SetOverrides replaces a company's limit overrides. Passing nil
// reverts to pure tier limits.
func (m *Manager) SetOverrides(id snowflake.ID, o *domain.LimitOverrides) (*domain.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}

	updated := *c
	updated.Overrides = o
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}
	copied := updated
	return &copied, nil
}

// SetStatus approves, suspends, or reactivates a company. The actor
// and reason are stamped on the company record and the audit trail so
// moderation decisions stay attributable.
func (m *Manager) SetStatus(id snowflake.ID, status domain.CompanyStatus, actorID snowflake.ID, reason string) (*domain.Company, error) {
	if status != domain.CompanyActive && status != domain.CompanySuspended {
		return nil, fmt.Errorf("status %q cannot be set directly", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[id]
	if !ok {
		return nil, domain.ErrCompanyNotFound
	}
	if c.Status == domain.CompanyDeleted {
		return nil, domain.ErrCompanyDeleted
	}

	now := time.Now().UTC()
	updated := *c
	updated.Status = status
	meta := make(map[string]string, len(updated.Metadata)+2)
	for k, v := range updated.Metadata {
		meta[k] = v
	}
	if status == domain.CompanySuspended {
		meta["suspended_reason"] = reason
		meta["suspended_by"] = actorID.String()
	} else {
		delete(meta, "suspended_reason")
		delete(meta, "suspended_by")
	}
	updated.Metadata = meta
	updated.UpdatedAt = now
	if err := m.persistCompany(&updated); err != nil {
		return nil, err
	}

	details := map[string]any{"status": string(status)}
	if reason != "" {
		details["reason"] = reason
	}
	m.trail.Record(audit.Entry{
		ActorID:      actorID.String(),
		Action:       audit.ActionCompanyUpdated,
		ResourceType: "company",
		ResourceID:   id.String(),
		Details:      details,
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// Delete removes a company. Soft deletion marks the record and keeps
// it for retention; hard deletion removes the company together with
// its memberships and invitations.
func (m *Manager) Delete(id snowflake.ID, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.companies[id]
	if !ok {
		return domain.ErrCompanyNotFound
	}

	now := time.Now().UTC()
	if !hard {
		updated := *c
		updated.Status = domain.CompanyDeleted
		updated.DeletedAt = &now
		updated.UpdatedAt = now
		if err := m.persistCompany(&updated); err != nil {
			return err
		}
	} else {
		if err := m.companiesRepo.Save(m.companiesSnapshot(nil, id)); err != nil {
			return fmt.Errorf("persist companies: %w", err)
		}
		if err := m.membersRepo.Save(m.membershipsSnapshot(nil, 0, id)); err != nil {
			return fmt.Errorf("persist memberships: %w", err)
		}
		if err := m.invitesRepo.Save(m.invitationsSnapshot(nil, id)); err != nil {
			return fmt.Errorf("persist invitations: %w", err)
		}
		delete(m.bySlug, c.Slug)
		delete(m.companies, id)
		for _, mb := range m.members[id] {
			m.dropMembershipIndex(mb)
		}
		for invID, inv := range m.invites {
			if inv.CompanyID == id {
				delete(m.byToken, inv.Token)
				delete(m.invites, invID)
			}
		}
	}

	m.trail.Record(audit.Entry{
		Action:       audit.ActionCompanyDeleted,
		ResourceType: "company",
		ResourceID:   id.String(),
		Details:      map[string]any{"hard": hard},
		Success:      true,
	})
	return nil
}

// Audit exposes the manager's activity trail.
func (m *Manager) Audit() *audit.Log { return m.trail }

// Stats summarizes the tenant population.
func (m *Manager) Stats() domain.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.Stats{
		ByStatus: make(map[domain.CompanyStatus]int),
		ByTier:   make(map[domain.Tier]int),
	}
	for _, c := range m.companies {
		stats.Total++
		stats.ByStatus[c.Status]++
		stats.ByTier[c.Tier]++
	}
	for _, byUser := range m.members {
		stats.Members += len(byUser)
	}
	for _, inv := range m.invites {
		if inv.Status == domain.InvitePending {
			stats.PendingInvites++
		}
	}
	return stats
}

// Module wires the tenant layer into the application graph.
var Module = fx.Module("tenant",
	fx.Provide(NewManager),
)
