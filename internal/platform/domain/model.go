package domain

import (
	"errors"
	"time"
)

var ErrMaintenanceActive = errors.New("platform is in maintenance mode")

// GlobalSettings is platform-wide configuration controlled by
// superadmins.
type GlobalSettings struct {
	MaintenanceMode     bool      `json:"maintenance_mode"`
	MaintenanceMessage  string    `json:"maintenance_message,omitempty"`
	MaintenanceAllowIPs []string  `json:"maintenance_allow_ips,omitempty"`
	RegistrationOpen    bool      `json:"registration_open"`
	DefaultTier         string    `json:"default_tier"`
	AnnouncementBanner  string    `json:"announcement_banner,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
	UpdatedBy           string    `json:"updated_by,omitempty"`
}

// DefaultGlobalSettings is the state a fresh deployment starts in.
func DefaultGlobalSettings() GlobalSettings {
	return GlobalSettings{
		RegistrationOpen: true,
		DefaultTier:      "free",
		UpdatedAt:        time.Now().UTC(),
	}
}

// GlobalSettingsUpdate is a partial update; nil fields are kept.
type GlobalSettingsUpdate struct {
	MaintenanceMode     *bool     `json:"maintenance_mode,omitempty"`
	MaintenanceMessage  *string   `json:"maintenance_message,omitempty"`
	MaintenanceAllowIPs *[]string `json:"maintenance_allow_ips,omitempty"`
	RegistrationOpen    *bool     `json:"registration_open,omitempty"`
	DefaultTier         *string   `json:"default_tier,omitempty"`
	AnnouncementBanner  *string   `json:"announcement_banner,omitempty"`
}

// Health reports liveness details for the oversight endpoints.
type Health struct {
	Status         string    `json:"status"`
	Uptime         string    `json:"uptime"`
	StartedAt      time.Time `json:"started_at"`
	ActiveSessions int       `json:"active_sessions"`
	Maintenance    bool      `json:"maintenance"`
}

// Stats aggregates the platform view a superadmin dashboard shows.
type Stats struct {
	Users     map[string]int `json:"users"`
	Companies map[string]int `json:"companies"`
	Sessions  int            `json:"sessions"`
	ByTier    map[string]int `json:"by_tier"`
}
