package service

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/config"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/store"
	"github.com/crestdata/crest/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	m    *Manager
	node *snowflake.Node
	cfg  *config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		StoreBackend:   "file",
		DataDir:        t.TempDir(),
		AuditRetention: 100,
	}
	logger := zap.NewNop()
	backend, err := store.New(cfg, logger)
	require.NoError(t, err)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	tiers, err := config.NewTierCatalogHolder()
	require.NoError(t, err)

	m, err := NewManager(cfg, logger, backend, tiers, rbac.NewRegistry(), node)
	require.NoError(t, err)
	return &testEnv{m: m, node: node, cfg: cfg}
}

func TestCreateCompanyDerivesSlug(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme Data Works", domain.TierFree)
	require.NoError(t, err)
	assert.Equal(t, "acme-data-works", company.Slug)
	assert.Equal(t, owner, company.OwnerID)
	assert.Equal(t, 1, company.Usage.Users)

	members, err := env.m.Members(company.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, rbac.RoleCompanyOwner, members[0].Role)
}

func TestSlugCollisionGetsSuffix(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.m.CreateCompany(env.node.Generate(), "Acme", domain.TierFree)
	require.NoError(t, err)
	second, err := env.m.CreateCompany(env.node.Generate(), "Acme", domain.TierFree)
	require.NoError(t, err)

	assert.Equal(t, "acme", first.Slug)
	assert.NotEqual(t, first.Slug, second.Slug)
	assert.Contains(t, second.Slug, "acme-")

	found, err := env.m.GetBySlug(second.Slug)
	require.NoError(t, err)
	assert.Equal(t, second.ID, found.ID)
}

func TestTrialTierSetsExpiry(t *testing.T) {
	env := newTestEnv(t)

	company, err := env.m.CreateCompany(env.node.Generate(), "Trialists", domain.TierTrial)
	require.NoError(t, err)
	require.NotNil(t, company.TrialExpiresAt)
	assert.Equal(t, domain.CompanyTrial, company.Status)
	assert.WithinDuration(t, time.Now().UTC().Add(domain.TrialPeriod), *company.TrialExpiresAt, time.Minute)

	// leaving trial clears the clock and restores active status
	upgraded, err := env.m.ChangeTier(company.ID, domain.TierStarter, nil)
	require.NoError(t, err)
	assert.Nil(t, upgraded.TrialExpiresAt)
	assert.Equal(t, domain.CompanyActive, upgraded.Status)
}

func TestChangeTierReplacesOverrides(t *testing.T) {
	env := newTestEnv(t)

	company, err := env.m.CreateCompany(env.node.Generate(), "Acme", domain.TierFree)
	require.NoError(t, err)

	users := 10
	pipelines := 5
	_, err = env.m.SetOverrides(company.ID, &domain.LimitOverrides{MaxUsers: &users, MaxPipelines: &pipelines})
	require.NoError(t, err)

	// the new overrides replace the old set wholesale; the pipeline
	// override does not carry over
	moreUsers := 25
	changed, err := env.m.ChangeTier(company.ID, domain.TierStarter, &domain.LimitOverrides{MaxUsers: &moreUsers})
	require.NoError(t, err)
	require.NotNil(t, changed.Overrides)
	assert.Equal(t, 25, *changed.Overrides.MaxUsers)
	assert.Nil(t, changed.Overrides.MaxPipelines)

	// entering trial puts an active company into trial status
	trial, err := env.m.ChangeTier(company.ID, domain.TierTrial, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyTrial, trial.Status)
	assert.Nil(t, trial.Overrides)
	require.NotNil(t, trial.TrialExpiresAt)
}

func TestUpdateCompanyProfile(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)

	name := "Acme Data"
	site := "https://acme.example.com"
	mail := "Ops@Acme.example.com"
	updated, err := env.m.Update(company.ID, domain.Update{Name: &name, Website: &site, ContactEmail: &mail})
	require.NoError(t, err)
	assert.Equal(t, "Acme Data", updated.Name)
	assert.Equal(t, "https://acme.example.com", updated.Website)
	assert.Equal(t, "ops@acme.example.com", updated.ContactEmail)
	// renaming keeps the slug stable
	assert.Equal(t, company.Slug, updated.Slug)

	logo := "https://cdn.acme.example.com/logo.png"
	region := "eu-west-1"
	updated, err = env.m.UpdateSettings(company.ID, domain.SettingsUpdate{LogoURL: &logo, StorageRegion: &region})
	require.NoError(t, err)
	assert.Equal(t, logo, updated.Settings.LogoURL)
	assert.Equal(t, "eu-west-1", updated.Settings.StorageRegion)
}

func TestUnknownTierRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.m.CreateCompany(env.node.Generate(), "Acme", "platinum")
	assert.ErrorIs(t, err, domain.ErrUnknownTier)
}

func TestUserQuotaEnforced(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	// free tier allows 3 users, the owner included
	company, err := env.m.CreateCompany(owner, "Smallco", domain.TierFree)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = env.m.AddMember(company.ID, env.node.Generate(), 0, "dev@example.com", rbac.RoleDeveloper)
		require.NoError(t, err)
	}

	_, err = env.m.AddMember(company.ID, env.node.Generate(), 0, "late@example.com", rbac.RoleDeveloper)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestLimitOverridesRaiseQuota(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Smallco", domain.TierFree)
	require.NoError(t, err)

	more := 10
	_, err = env.m.SetOverrides(company.ID, &domain.LimitOverrides{MaxUsers: &more})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = env.m.AddMember(company.ID, env.node.Generate(), 0, "dev@example.com", rbac.RoleDeveloper)
		require.NoError(t, err)
	}

	limits, err := env.m.EffectiveLimits(company.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, limits.MaxUsers)
}

func TestAddMemberChecksDomainPolicy(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Domainco", domain.TierStarter)
	require.NoError(t, err)

	allowed := []string{"corp.example.com"}
	_, err = env.m.UpdateSettings(company.ID, domain.SettingsUpdate{AllowedEmailDomains: &allowed})
	require.NoError(t, err)

	_, err = env.m.AddMember(company.ID, env.node.Generate(), 0, "eve@gmail.com", rbac.RoleViewer)
	assert.ErrorIs(t, err, domain.ErrDomainNotAllowed)

	_, err = env.m.AddMember(company.ID, env.node.Generate(), 0, "dave@corp.example.com", rbac.RoleViewer)
	assert.NoError(t, err)
}

func TestRemoveMemberRefusesOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)

	assert.ErrorIs(t, env.m.RemoveMember(company.ID, owner), domain.ErrCannotRemoveOwner)
}

func TestDuplicateMemberRejected(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)

	userID := env.node.Generate()
	_, err = env.m.AddMember(company.ID, userID, 0, "dev@example.com", rbac.RoleDeveloper)
	require.NoError(t, err)
	_, err = env.m.AddMember(company.ID, userID, 0, "dev@example.com", rbac.RoleDeveloper)
	assert.ErrorIs(t, err, domain.ErrAlreadyMember)
}

func TestRemovedMemberCanRejoin(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()
	userID := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	_, err = env.m.AddMember(company.ID, userID, 0, "dev@example.com", rbac.RoleDeveloper)
	require.NoError(t, err)

	require.NoError(t, env.m.RemoveMember(company.ID, userID))

	// the membership record survives in removed status but stops
	// counting as a member anywhere
	members, err := env.m.Members(company.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)
	assert.Empty(t, env.m.CompaniesFor(userID))
	_, err = env.m.TenantContext(company.ID, userID)
	assert.ErrorIs(t, err, domain.ErrNotMember)
	assert.ErrorIs(t, env.m.RemoveMember(company.ID, userID), domain.ErrNotMember)

	// re-adding revives the record instead of rejecting a duplicate
	mb, err := env.m.AddMember(company.ID, userID, owner, "dev@example.com", rbac.RoleAnalyst)
	require.NoError(t, err)
	assert.Equal(t, domain.MemberActive, mb.Status)
	assert.Equal(t, rbac.RoleAnalyst, mb.Role)
	assert.Equal(t, owner, mb.InvitedBy)

	members, err = env.m.Members(company.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestTransferOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()
	successor := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	_, err = env.m.AddMember(company.ID, successor, 0, "new@example.com", rbac.RoleDeveloper)
	require.NoError(t, err)

	transferred, err := env.m.TransferOwnership(company.ID, owner, successor)
	require.NoError(t, err)
	assert.Equal(t, successor, transferred.OwnerID)

	members, err := env.m.Members(company.ID)
	require.NoError(t, err)
	roles := make(map[snowflake.ID]string, len(members))
	for _, mb := range members {
		roles[mb.UserID] = mb.Role
	}
	assert.Equal(t, rbac.RoleCompanyOwner, roles[successor])
	assert.Equal(t, rbac.RoleCompanyAdmin, roles[owner])

	// only the current owner can transfer
	_, err = env.m.TransferOwnership(company.ID, owner, successor)
	assert.Error(t, err)
}

func TestInvitationFlow(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)

	inv, err := env.m.Invite(company.ID, owner, "new@example.com", rbac.RoleAnalyst, "welcome aboard", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.InvitePending, inv.Status)
	assert.Equal(t, "welcome aboard", inv.Message)
	assert.NotEmpty(t, inv.Token)
	assert.WithinDuration(t, time.Now().UTC().Add(domain.InvitationTTL), inv.ExpiresAt, time.Minute)

	// a second pending invitation for the same address is refused
	_, err = env.m.Invite(company.ID, owner, "new@example.com", rbac.RoleViewer, "", 0)
	assert.ErrorIs(t, err, domain.ErrDuplicateInvitation)

	byToken, err := env.m.InvitationByToken(inv.Token)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, byToken.ID)
	_, err = env.m.InvitationByToken("no-such-token")
	assert.ErrorIs(t, err, domain.ErrInvitationInvalid)

	newUser := env.node.Generate()
	mb, err := env.m.Accept(inv.Token, newUser, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAnalyst, mb.Role)
	assert.Equal(t, owner, mb.InvitedBy)
	assert.Equal(t, domain.MemberActive, mb.Status)

	// a redeemed token cannot be reused
	_, err = env.m.Accept(inv.Token, env.node.Generate(), "new@example.com")
	assert.ErrorIs(t, err, domain.ErrInvitationInvalid)
}

func TestInvitationEmailMustMatch(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	inv, err := env.m.Invite(company.ID, owner, "new@example.com", "", "", 0)
	require.NoError(t, err)

	_, err = env.m.Accept(inv.Token, env.node.Generate(), "other@example.com")
	assert.ErrorIs(t, err, domain.ErrInvitationInvalid)
}

func TestExpiredInvitationRefusedLazily(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	inv, err := env.m.Invite(company.ID, owner, "new@example.com", "", "", time.Nanosecond)
	require.NoError(t, err)

	_, err = env.m.Accept(inv.Token, env.node.Generate(), "new@example.com")
	assert.ErrorIs(t, err, domain.ErrInvitationExpired)

	invites, err := env.m.Invitations(company.ID)
	require.NoError(t, err)
	require.Len(t, invites, 1)
	assert.Equal(t, domain.InviteExpired, invites[0].Status)
}

func TestRevokeInvitation(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	inv, err := env.m.Invite(company.ID, owner, "new@example.com", "", "", 0)
	require.NoError(t, err)

	require.NoError(t, env.m.Revoke(inv.ID))

	_, err = env.m.Accept(inv.Token, env.node.Generate(), "new@example.com")
	assert.ErrorIs(t, err, domain.ErrInvitationInvalid)
}

func TestConsumeEnforcesDailyLimits(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierFree)
	require.NoError(t, err)

	limits, err := env.m.EffectiveLimits(company.ID)
	require.NoError(t, err)

	for i := 0; i < limits.MaxJobsPerDay; i++ {
		_, err = env.m.Consume(company.ID, ResourceJobs)
		require.NoError(t, err)
	}
	_, err = env.m.Consume(company.ID, ResourceJobs)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// midnight reset restores headroom
	n, err := env.m.ResetDailyUsage()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.m.Consume(company.ID, ResourceJobs)
	assert.NoError(t, err)
}

func TestReleaseDecrementsPersistentCounters(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)

	usage, err := env.m.Consume(company.ID, ResourcePipelines)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Pipelines)

	usage, err = env.m.Release(company.ID, ResourcePipelines)
	require.NoError(t, err)
	assert.Zero(t, usage.Pipelines)

	_, err = env.m.Release(company.ID, ResourceJobs)
	assert.Error(t, err)
}

func TestSuspendedCompanyRefusesWork(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	frozen, err := env.m.SetStatus(company.ID, domain.CompanySuspended, env.node.Generate(), "billing dispute")
	require.NoError(t, err)
	assert.Equal(t, "billing dispute", frozen.Metadata["suspended_reason"])

	_, err = env.m.Consume(company.ID, ResourceJobs)
	assert.ErrorIs(t, err, domain.ErrCompanySuspended)
	_, err = env.m.AddMember(company.ID, env.node.Generate(), 0, "x@example.com", "")
	assert.ErrorIs(t, err, domain.ErrCompanySuspended)
	_, err = env.m.TenantContext(company.ID, owner)
	assert.ErrorIs(t, err, domain.ErrCompanySuspended)
}

func TestApprovalGateHoldsNewCompanies(t *testing.T) {
	cfg := &config.Config{
		StoreBackend:            "file",
		DataDir:                 t.TempDir(),
		AuditRetention:          100,
		CompanyApprovalRequired: true,
	}
	logger := zap.NewNop()
	backend, err := store.New(cfg, logger)
	require.NoError(t, err)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	tiers, err := config.NewTierCatalogHolder()
	require.NoError(t, err)
	m, err := NewManager(cfg, logger, backend, tiers, rbac.NewRegistry(), node)
	require.NoError(t, err)

	owner := node.Generate()
	company, err := m.CreateCompany(owner, "Heldco", domain.TierFree)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyPending, company.Status)

	_, err = m.AddMember(company.ID, node.Generate(), 0, "x@example.com", "")
	assert.ErrorIs(t, err, domain.ErrCompanyPending)
	_, err = m.TenantContext(company.ID, owner)
	assert.ErrorIs(t, err, domain.ErrCompanyPending)

	approved, err := m.SetStatus(company.ID, domain.CompanyActive, node.Generate(), "")
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyActive, approved.Status)

	tc, err := m.TenantContext(company.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleCompanyOwner, tc.Role)
}

func TestTenantContext(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierProfessional)
	require.NoError(t, err)

	tc, err := env.m.TenantContext(company.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, company.Slug, tc.Slug)
	assert.Equal(t, rbac.RoleCompanyOwner, tc.Role)
	assert.Equal(t, domain.TierProfessional, tc.Tier)
	assert.Equal(t, 50, tc.Limits.MaxUsers)

	_, err = env.m.TenantContext(company.ID, env.node.Generate())
	assert.ErrorIs(t, err, domain.ErrNotMember)
}

func TestTenantContextForDefaultsToOldestMembership(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	_, err := env.m.TenantContextFor(owner)
	assert.ErrorIs(t, err, domain.ErrNotMember)

	first, err := env.m.CreateCompany(owner, "First", domain.TierStarter)
	require.NoError(t, err)
	second, err := env.m.CreateCompany(owner, "Second", domain.TierFree)
	require.NoError(t, err)

	env.m.mu.Lock()
	later := time.Now().UTC().Add(time.Hour)
	env.m.members[second.ID][owner].JoinedAt = later
	env.m.mu.Unlock()

	tc, err := env.m.TenantContextFor(owner)
	require.NoError(t, err)
	assert.Equal(t, first.ID, tc.CompanyID)
	assert.Equal(t, rbac.RoleCompanyOwner, tc.Role)
}

func TestListSearchMatchesContactEmail(t *testing.T) {
	env := newTestEnv(t)

	company, err := env.m.CreateCompany(env.node.Generate(), "Acme", domain.TierFree)
	require.NoError(t, err)
	mail := "billing@acme-corp.example.com"
	_, err = env.m.Update(company.ID, domain.Update{ContactEmail: &mail})
	require.NoError(t, err)
	_, err = env.m.CreateCompany(env.node.Generate(), "Other", domain.TierFree)
	require.NoError(t, err)

	matched, total := env.m.List(ListFilter{Search: "billing@acme-corp"})
	assert.Equal(t, 1, total)
	require.Len(t, matched, 1)
	assert.Equal(t, company.ID, matched[0].ID)
}

func TestExpiredTrialReadsAsFree(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierTrial)
	require.NoError(t, err)

	env.m.mu.Lock()
	past := time.Now().UTC().Add(-time.Hour)
	env.m.companies[company.ID].TrialExpiresAt = &past
	env.m.mu.Unlock()

	tc, err := env.m.TenantContext(company.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, tc.Tier)

	n, err := env.m.ExpireTrials()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	downgraded, err := env.m.Get(company.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, downgraded.Tier)
	assert.Equal(t, domain.CompanyActive, downgraded.Status)
	assert.Nil(t, downgraded.TrialExpiresAt)
}

func TestSoftAndHardDelete(t *testing.T) {
	env := newTestEnv(t)
	owner := env.node.Generate()

	company, err := env.m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)

	require.NoError(t, env.m.Delete(company.ID, false))
	kept, err := env.m.Get(company.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CompanyDeleted, kept.Status)
	assert.NotNil(t, kept.DeletedAt)

	// soft-deleted companies are hidden from the default listing
	listed, _ := env.m.List(ListFilter{})
	assert.Empty(t, listed)

	require.NoError(t, env.m.Delete(company.ID, true))
	_, err = env.m.Get(company.ID)
	assert.ErrorIs(t, err, domain.ErrCompanyNotFound)
	assert.Empty(t, env.m.CompaniesFor(owner))
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := &config.Config{StoreBackend: "file", DataDir: t.TempDir(), AuditRetention: 100}
	logger := zap.NewNop()
	backend, err := store.New(cfg, logger)
	require.NoError(t, err)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	tiers, err := config.NewTierCatalogHolder()
	require.NoError(t, err)

	m, err := NewManager(cfg, logger, backend, tiers, rbac.NewRegistry(), node)
	require.NoError(t, err)

	owner := node.Generate()
	company, err := m.CreateCompany(owner, "Acme", domain.TierStarter)
	require.NoError(t, err)
	_, err = m.Invite(company.ID, owner, "new@example.com", "", "", 0)
	require.NoError(t, err)

	reloaded, err := NewManager(cfg, logger, backend, tiers, rbac.NewRegistry(), node)
	require.NoError(t, err)

	found, err := reloaded.GetBySlug("acme")
	require.NoError(t, err)
	assert.Equal(t, company.ID, found.ID)

	members, err := reloaded.Members(company.ID)
	require.NoError(t, err)
	assert.Len(t, members, 1)

	invites, err := reloaded.Invitations(company.ID)
	require.NoError(t, err)
	assert.Len(t, invites, 1)
}
