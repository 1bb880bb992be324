package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// CompanyStatus is a tenant's lifecycle state.
type CompanyStatus string

const (
	CompanyPending   CompanyStatus = "pending"
	CompanyTrial     CompanyStatus = "trial"
	CompanyActive    CompanyStatus = "active"
	CompanySuspended CompanyStatus = "suspended"
	CompanyDeleted   CompanyStatus = "deleted"
)

// Tier names the subscription level a company sits on.
type Tier string

const (
	TierFree         Tier = "free"
	TierTrial        Tier = "trial"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// KnownTier reports whether t is one of the defined tiers.
func KnownTier(t Tier) bool {
	switch t {
	case TierFree, TierTrial, TierStarter, TierProfessional, TierEnterprise:
		return true
	}
	return false
}

// TrialPeriod is how long a trial tier lasts before reverting to free.
const TrialPeriod = 14 * 24 * time.Hour

// Limits caps a company's resource consumption. A zero-valued field in
// Overrides means "inherit from the tier catalog".
type Limits struct {
	MaxUsers          int    `json:"max_users"`
	MaxPipelines      int    `json:"max_pipelines"`
	MaxConnectors     int    `json:"max_connectors"`
	MaxStorageGB      int    `json:"max_storage_gb"`
	MaxJobsPerDay     int    `json:"max_jobs_per_day"`
	MaxAPICallsPerDay int    `json:"max_api_calls_per_day"`
	RetentionDays     int    `json:"retention_days"`
	AdvancedFeatures  bool   `json:"advanced_features"`
	SSO               bool   `json:"sso"`
	AuditLogs         bool   `json:"audit_logs"`
	CustomRoles       bool   `json:"custom_roles"`
	SupportLevel      string `json:"support_level"`
}

// LimitOverrides selectively replaces tier limits for one company.
// Nil fields inherit the catalog value.
type LimitOverrides struct {
	MaxUsers          *int `json:"max_users,omitempty"`
	MaxPipelines      *int `json:"max_pipelines,omitempty"`
	MaxConnectors     *int `json:"max_connectors,omitempty"`
	MaxStorageGB      *int `json:"max_storage_gb,omitempty"`
	MaxJobsPerDay     *int `json:"max_jobs_per_day,omitempty"`
	MaxAPICallsPerDay *int `json:"max_api_calls_per_day,omitempty"`
}

// Apply folds the overrides into a copy of base.
func (o *LimitOverrides) Apply(base Limits) Limits {
	if o == nil {
		return base
	}
	if o.MaxUsers != nil {
		base.MaxUsers = *o.MaxUsers
	}
	if o.MaxPipelines != nil {
		base.MaxPipelines = *o.MaxPipelines
	}
	if o.MaxConnectors != nil {
		base.MaxConnectors = *o.MaxConnectors
	}
	if o.MaxStorageGB != nil {
		base.MaxStorageGB = *o.MaxStorageGB
	}
	if o.MaxJobsPerDay != nil {
		base.MaxJobsPerDay = *o.MaxJobsPerDay
	}
	if o.MaxAPICallsPerDay != nil {
		base.MaxAPICallsPerDay = *o.MaxAPICallsPerDay
	}
	return base
}

// Usage tracks a company's current consumption against its limits.
// Daily counters reset at midnight UTC.
type Usage struct {
	Users         int     `json:"users"`
	Pipelines     int     `json:"pipelines"`
	Connectors    int     `json:"connectors"`
	StorageGB     float64 `json:"storage_gb"`
	JobsToday     int     `json:"jobs_today"`
	APICallsToday int     `json:"api_calls_today"`
}

// Settings is per-company configuration.
type Settings struct {
	AllowedEmailDomains []string `json:"allowed_email_domains,omitempty"`
	DefaultMemberRole   string   `json:"default_member_role,omitempty"`
	RequireInviteToJoin bool     `json:"require_invite_to_join"`
	Timezone            string   `json:"timezone,omitempty"`
	Locale              string   `json:"locale,omitempty"`
	LogoURL             string   `json:"logo_url,omitempty"`
	StorageRegion       string   `json:"storage_region,omitempty"`
}

// SettingsUpdate is a partial update to Settings; nil fields are kept.
type SettingsUpdate struct {
	AllowedEmailDomains *[]string `json:"allowed_email_domains,omitempty"`
	DefaultMemberRole   *string   `json:"default_member_role,omitempty"`
	RequireInviteToJoin *bool     `json:"require_invite_to_join,omitempty"`
	Timezone            *string   `json:"timezone,omitempty"`
	Locale              *string   `json:"locale,omitempty"`
	LogoURL             *string   `json:"logo_url,omitempty"`
	StorageRegion       *string   `json:"storage_region,omitempty"`
}

// Company is one tenant.
type Company struct {
	ID             snowflake.ID      `json:"id"`
	Name           string            `json:"name"`
	Slug           string            `json:"slug"`
	Website        string            `json:"website,omitempty"`
	ContactEmail   string            `json:"contact_email,omitempty"`
	ContactPhone   string            `json:"contact_phone,omitempty"`
	Address        string            `json:"address,omitempty"`
	Tier           Tier              `json:"tier"`
	Status         CompanyStatus     `json:"status"`
	OwnerID        snowflake.ID      `json:"owner_id"`
	Settings       Settings          `json:"settings"`
	Overrides      *LimitOverrides   `json:"overrides,omitempty"`
	Usage          Usage             `json:"usage"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TrialExpiresAt *time.Time        `json:"trial_expires_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// Update is a partial company update; nil fields are kept.
type Update struct {
	Name         *string `json:"name,omitempty"`
	Website      *string `json:"website,omitempty"`
	ContactEmail *string `json:"contact_email,omitempty"`
	ContactPhone *string `json:"contact_phone,omitempty"`
	Address      *string `json:"address,omitempty"`
}

// MembershipStatus tracks a member within a company. Removed members
// keep their record so a later re-add revives it instead of minting a
// new one.
type MembershipStatus string

const (
	MemberActive    MembershipStatus = "active"
	MemberSuspended MembershipStatus = "suspended"
	MemberRemoved   MembershipStatus = "removed"
)

// Membership links a user to a company with a role.
type Membership struct {
	ID        snowflake.ID     `json:"id"`
	CompanyID snowflake.ID     `json:"company_id"`
	UserID    snowflake.ID     `json:"user_id"`
	Role      string           `json:"role"`
	Status    MembershipStatus `json:"status"`
	InvitedBy snowflake.ID     `json:"invited_by,omitempty"`
	JoinedAt  time.Time        `json:"joined_at"`
}

// InvitationStatus tracks an invitation through its lifecycle.
type InvitationStatus string

const (
	InvitePending  InvitationStatus = "pending"
	InviteAccepted InvitationStatus = "accepted"
	InviteRevoked  InvitationStatus = "revoked"
	InviteExpired  InvitationStatus = "expired"
)

// InvitationTTL is how long a pending invitation stays acceptable.
const InvitationTTL = 7 * 24 * time.Hour

// Invitation asks an email address to join a company under a role.
type Invitation struct {
	ID        snowflake.ID     `json:"id"`
	CompanyID snowflake.ID     `json:"company_id"`
	Email     string           `json:"email"`
	Role      string           `json:"role"`
	Token     string           `json:"token"`
	Message   string           `json:"message,omitempty"`
	InvitedBy snowflake.ID     `json:"invited_by"`
	Status    InvitationStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// TenantContext is the resolved view a request operates under: the
// user's company, role, and effective limits.
type TenantContext struct {
	CompanyID snowflake.ID `json:"company_id"`
	Slug      string       `json:"slug"`
	Name      string       `json:"name"`
	Tier      Tier         `json:"tier"`
	Role      string       `json:"role"`
	Limits    Limits       `json:"limits"`
	Usage     Usage        `json:"usage"`
}

// Stats summarizes the tenant population.
type Stats struct {
	Total          int                   `json:"total"`
	ByStatus       map[CompanyStatus]int `json:"by_status"`
	ByTier         map[Tier]int          `json:"by_tier"`
	Members        int                   `json:"members"`
	PendingInvites int                   `json:"pending_invites"`
}
