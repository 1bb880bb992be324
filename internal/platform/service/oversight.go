// Package service implements platform oversight: global settings,
// maintenance mode, superadmin moderation, impersonation, and the
// aggregated platform view.
package service

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/config"
	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	identity "github.com/crestdata/crest/internal/identity/service"
	"github.com/crestdata/crest/internal/platform/domain"
	"github.com/crestdata/crest/internal/session"
	"github.com/crestdata/crest/internal/store"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	tenant "github.com/crestdata/crest/internal/tenant/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Oversight is the superadmin control surface.
type Oversight struct {
	mu       sync.RWMutex
	settings domain.GlobalSettings

	users     *identity.Manager
	tenants   *tenant.Manager
	sessions  *session.Store
	repo      store.Settings
	trail     *audit.Log
	startedAt time.Time
	log       *zap.Logger
}

// NewOversight loads global settings, falling back to defaults on a
// fresh deployment.
func NewOversight(
	cfg *config.Config,
	logger *zap.Logger,
	backend *store.Backend,
	users *identity.Manager,
	tenants *tenant.Manager,
	sessions *session.Store,
) (*Oversight, error) {
	settings, found, err := backend.Settings.Load()
	if err != nil {
		return nil, fmt.Errorf("load global settings: %w", err)
	}
	if !found {
		settings = domain.DefaultGlobalSettings()
		if err := backend.Settings.Save(settings); err != nil {
			return nil, fmt.Errorf("persist default global settings: %w", err)
		}
	}

	return &Oversight{
		settings:  settings,
		users:     users,
		tenants:   tenants,
		sessions:  sessions,
		repo:      backend.Settings,
		trail:     audit.NewLog("platform", cfg.AuditRetention, nil, logger),
		startedAt: time.Now().UTC(),
		log:       logger.Named("platform.service"),
	}, nil
}

// requireSuperadmin resolves the actor and rejects anyone who is not a
// platform operator. Every oversight mutation goes through it.
func (o *Oversight) requireSuperadmin(actorID snowflake.ID) (*identitydomain.User, error) {
	actor, err := o.users.Get(actorID)
	if err != nil {
		return nil, identitydomain.ErrInsufficientPrivilege
	}
	if !actor.IsSuperadmin || actor.Status != identitydomain.StatusActive {
		return nil, identitydomain.ErrInsufficientPrivilege
	}
	return actor, nil
}

// Settings returns the current global settings.
func (o *Oversight) Settings() domain.GlobalSettings {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.settings
}

// UpdateSettings applies a partial update to global settings.
func (o *Oversight) UpdateSettings(actorID snowflake.ID, upd domain.GlobalSettingsUpdate) (domain.GlobalSettings, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return domain.GlobalSettings{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	updated := o.settings
	maintenanceToggled := false
	if upd.MaintenanceMode != nil && *upd.MaintenanceMode != updated.MaintenanceMode {
		updated.MaintenanceMode = *upd.MaintenanceMode
		maintenanceToggled = true
	}
	if upd.MaintenanceMessage != nil {
		updated.MaintenanceMessage = *upd.MaintenanceMessage
	}
	if upd.MaintenanceAllowIPs != nil {
		updated.MaintenanceAllowIPs = append([]string(nil), (*upd.MaintenanceAllowIPs)...)
	}
	if upd.RegistrationOpen != nil {
		updated.RegistrationOpen = *upd.RegistrationOpen
	}
	if upd.DefaultTier != nil {
		if !tenantdomain.KnownTier(tenantdomain.Tier(*upd.DefaultTier)) {
			return domain.GlobalSettings{}, tenantdomain.ErrUnknownTier
		}
		updated.DefaultTier = *upd.DefaultTier
	}
	if upd.AnnouncementBanner != nil {
		updated.AnnouncementBanner = *upd.AnnouncementBanner
	}
	updated.UpdatedAt = time.Now().UTC()
	updated.UpdatedBy = actor.Username

	if err := o.repo.Save(updated); err != nil {
		return domain.GlobalSettings{}, fmt.Errorf("persist global settings: %w", err)
	}
	o.settings = updated

	action := audit.ActionSettingsChanged
	if maintenanceToggled {
		action = audit.ActionMaintenanceMode
	}
	o.trail.Record(audit.Entry{
		ActorID:      actorID.String(),
		ActorName:    actor.Username,
		Action:       action,
		ResourceType: "platform",
		Details:      map[string]any{"maintenance": updated.MaintenanceMode},
		Success:      true,
	})
	return updated, nil
}

// MaintenanceBlocks reports whether a request from ip should be
// refused. Allow-listed addresses keep working during maintenance.
func (o *Oversight) MaintenanceBlocks(ip string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if !o.settings.MaintenanceMode {
		return false
	}
	for _, allowed := range o.settings.MaintenanceAllowIPs {
		if allowed == ip {
			return false
		}
	}
	return true
}

// Impersonate opens a session as the target user, for superadmin
// debugging. Superadmins cannot be impersonated.
func (o *Oversight) Impersonate(actorID, targetID snowflake.ID) (string, *session.Session, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return "", nil, err
	}
	target, err := o.users.Get(targetID)
	if err != nil {
		return "", nil, err
	}
	if target.IsSuperadmin {
		return "", nil, identitydomain.ErrInsufficientPrivilege
	}
	if target.Status != identitydomain.StatusActive {
		return "", nil, identitydomain.ErrAccountInactive
	}

	token, sess, err := o.sessions.Create(targetID.String(), "", "impersonation")
	if err != nil {
		return "", nil, fmt.Errorf("create impersonation session: %w", err)
	}

	o.trail.Record(audit.Entry{
		ActorID:      actorID.String(),
		ActorName:    actor.Username,
		Action:       audit.ActionImpersonation,
		ResourceType: "user",
		ResourceID:   targetID.String(),
		Success:      true,
	})
	return token, sess, nil
}

// PromoteSuperadmin elevates a user to platform operator.
func (o *Oversight) PromoteSuperadmin(actorID, targetID snowflake.ID) (*identitydomain.User, error) {
	if _, err := o.requireSuperadmin(actorID); err != nil {
		return nil, err
	}
	return o.users.GrantSuperadmin(actorID, targetID)
}

// DemoteSuperadmin strips operator status, refusing to remove the
// last one.
func (o *Oversight) DemoteSuperadmin(actorID, targetID snowflake.ID) (*identitydomain.User, error) {
	if _, err := o.requireSuperadmin(actorID); err != nil {
		return nil, err
	}
	return o.users.RevokeSuperadmin(actorID, targetID)
}

// recordModeration stamps a moderation decision on the oversight trail
// under the acting operator.
func (o *Oversight) recordModeration(actor *identitydomain.User, action audit.Action, resourceType string, resourceID snowflake.ID, details map[string]any) {
	o.trail.Record(audit.Entry{
		ActorID:      actor.ID.String(),
		ActorName:    actor.Username,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID.String(),
		Details:      details,
		Success:      true,
	})
}

// SuspendUser sidelines a user account.
func (o *Oversight) SuspendUser(actorID, targetID snowflake.ID) (*identitydomain.User, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return nil, err
	}
	user, err := o.users.Suspend(targetID)
	if err != nil {
		return nil, err
	}
	o.recordModeration(actor, audit.ActionUserSuspended, "user", targetID, nil)
	return user, nil
}

// ActivateUser restores a sidelined account.
func (o *Oversight) ActivateUser(actorID, targetID snowflake.ID) (*identitydomain.User, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return nil, err
	}
	user, err := o.users.Activate(targetID)
	if err != nil {
		return nil, err
	}
	o.recordModeration(actor, audit.ActionUserActivated, "user", targetID, nil)
	return user, nil
}

// SuspendCompany sidelines a tenant, recording who decided and why.
func (o *Oversight) SuspendCompany(actorID, companyID snowflake.ID, reason string) (*tenantdomain.Company, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return nil, err
	}
	company, err := o.tenants.SetStatus(companyID, tenantdomain.CompanySuspended, actorID, reason)
	if err != nil {
		return nil, err
	}
	o.recordModeration(actor, audit.ActionCompanyUpdated, "company", companyID, map[string]any{"status": "suspended", "reason": reason})
	return company, nil
}

// ActivateCompany restores a suspended tenant.
func (o *Oversight) ActivateCompany(actorID, companyID snowflake.ID) (*tenantdomain.Company, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return nil, err
	}
	company, err := o.tenants.SetStatus(companyID, tenantdomain.CompanyActive, actorID, "")
	if err != nil {
		return nil, err
	}
	o.recordModeration(actor, audit.ActionCompanyUpdated, "company", companyID, map[string]any{"status": "active"})
	return company, nil
}

// OverrideLimits replaces a company's limit overrides.
func (o *Oversight) OverrideLimits(actorID, companyID snowflake.ID, overrides *tenantdomain.LimitOverrides) (*tenantdomain.Company, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return nil, err
	}
	company, err := o.tenants.SetOverrides(companyID, overrides)
	if err != nil {
		return nil, err
	}
	o.recordModeration(actor, audit.ActionSettingsChanged, "company", companyID, map[string]any{"overrides": overrides != nil})
	return company, nil
}

// ChangeCompanyTier moves a tenant to another tier, replacing its
// limit overrides wholesale.
func (o *Oversight) ChangeCompanyTier(actorID, companyID snowflake.ID, tier tenantdomain.Tier, overrides *tenantdomain.LimitOverrides) (*tenantdomain.Company, error) {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return nil, err
	}
	company, err := o.tenants.ChangeTier(companyID, tier, overrides)
	if err != nil {
		return nil, err
	}
	o.recordModeration(actor, audit.ActionTierChanged, "company", companyID, map[string]any{"to": string(tier)})
	return company, nil
}

// DeleteCompany removes a tenant, soft by default.
func (o *Oversight) DeleteCompany(actorID, companyID snowflake.ID, hard bool) error {
	actor, err := o.requireSuperadmin(actorID)
	if err != nil {
		return err
	}
	if err := o.tenants.Delete(companyID, hard); err != nil {
		return err
	}
	o.recordModeration(actor, audit.ActionCompanyDeleted, "company", companyID, map[string]any{"hard": hard})
	return nil
}

// Health reports liveness details.
func (o *Oversight) Health() domain.Health {
	active, _ := o.sessions.Stats()
	o.mu.RLock()
	maintenance := o.settings.MaintenanceMode
	o.mu.RUnlock()

	return domain.Health{
		Status:         "ok",
		Uptime:         time.Since(o.startedAt).Round(time.Second).String(),
		StartedAt:      o.startedAt,
		ActiveSessions: active,
		Maintenance:    maintenance,
	}
}

// Stats aggregates the platform dashboard view.
func (o *Oversight) Stats(actorID snowflake.ID) (domain.Stats, error) {
	if _, err := o.requireSuperadmin(actorID); err != nil {
		return domain.Stats{}, err
	}

	userStats := o.users.Stats()
	tenantStats := o.tenants.Stats()
	active, _ := o.sessions.Stats()

	users := map[string]int{"total": userStats.Total, "superadmins": userStats.Superadmins, "locked": userStats.Locked}
	for status, n := range userStats.ByStatus {
		users[string(status)] = n
	}
	companies := map[string]int{"total": tenantStats.Total, "members": tenantStats.Members, "pending_invites": tenantStats.PendingInvites}
	for status, n := range tenantStats.ByStatus {
		companies[string(status)] = n
	}
	byTier := make(map[string]int, len(tenantStats.ByTier))
	for tier, n := range tenantStats.ByTier {
		byTier[string(tier)] = n
	}

	return domain.Stats{
		Users:     users,
		Companies: companies,
		Sessions:  active,
		ByTier:    byTier,
	}, nil
}

// AuditEntries queries the combined trails of every manager, newest
// first across components.
func (o *Oversight) AuditEntries(actorID snowflake.ID, q audit.Query) ([]audit.Entry, error) {
	if _, err := o.requireSuperadmin(actorID); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	// Over-fetch per trail, then merge and trim.
	per := q
	per.Offset = 0
	per.Limit = limit + q.Offset

	var merged []audit.Entry
	for _, trail := range []*audit.Log{o.users.Audit(), o.tenants.Audit(), o.trail} {
		entries, _ := trail.Entries(per)
		merged = append(merged, entries...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.After(merged[j].Time) })
	if q.Offset > 0 {
		if q.Offset >= len(merged) {
			return nil, nil
		}
		merged = merged[q.Offset:]
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Audit exposes the oversight trail.
func (o *Oversight) Audit() *audit.Log { return o.trail }

// Module wires the oversight layer into the application graph.
var Module = fx.Module("platform",
	fx.Provide(NewOversight),
)
