package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierLimits is the resource ceiling set for one subscription tier.
type TierLimits struct {
	MaxUsers           int    `mapstructure:"maxUsers" json:"max_users"`
	MaxPipelines       int    `mapstructure:"maxPipelines" json:"max_pipelines"`
	MaxConnectors      int    `mapstructure:"maxConnectors" json:"max_connectors"`
	MaxStorageGB       int    `mapstructure:"maxStorageGb" json:"max_storage_gb"`
	MaxJobsPerDay      int    `mapstructure:"maxJobsPerDay" json:"max_jobs_per_day"`
	MaxAPICallsPerDay  int    `mapstructure:"maxApiCallsPerDay" json:"max_api_calls_per_day"`
	RetentionDays      int    `mapstructure:"retentionDays" json:"retention_days"`
	AdvancedFeatures   bool   `mapstructure:"advancedFeatures" json:"advanced_features"`
	SSO                bool   `mapstructure:"sso" json:"sso"`
	AuditLogs          bool   `mapstructure:"auditLogs" json:"audit_logs"`
	CustomRoles        bool   `mapstructure:"customRoles" json:"custom_roles"`
	SupportLevel       string `mapstructure:"supportLevel" json:"support_level"`
}

// TierCatalog maps tier names to their default limits.
type TierCatalog map[string]TierLimits

// DefaultTierCatalog returns the shipped per-tier ceilings.
func DefaultTierCatalog() TierCatalog {
	return TierCatalog{
		"free": {
			MaxUsers:          3,
			MaxPipelines:      5,
			MaxConnectors:     3,
			MaxStorageGB:      5,
			MaxJobsPerDay:     50,
			MaxAPICallsPerDay: 500,
			RetentionDays:     7,
			AuditLogs:         false,
			SupportLevel:      "community",
		},
		"trial": {
			MaxUsers:          10,
			MaxPipelines:      25,
			MaxConnectors:     10,
			MaxStorageGB:      50,
			MaxJobsPerDay:     500,
			MaxAPICallsPerDay: 5000,
			RetentionDays:     14,
			AdvancedFeatures:  true,
			AuditLogs:         true,
			SupportLevel:      "email",
		},
		"starter": {
			MaxUsers:          10,
			MaxPipelines:      25,
			MaxConnectors:     10,
			MaxStorageGB:      50,
			MaxJobsPerDay:     500,
			MaxAPICallsPerDay: 5000,
			RetentionDays:     30,
			AuditLogs:         true,
			SupportLevel:      "email",
		},
		"professional": {
			MaxUsers:          50,
			MaxPipelines:      100,
			MaxConnectors:     50,
			MaxStorageGB:      500,
			MaxJobsPerDay:     2000,
			MaxAPICallsPerDay: 50000,
			RetentionDays:     90,
			AdvancedFeatures:  true,
			SSO:               true,
			AuditLogs:         true,
			CustomRoles:       true,
			SupportLevel:      "priority",
		},
		"enterprise": {
			MaxUsers:          999999,
			MaxPipelines:      999999,
			MaxConnectors:     999999,
			MaxStorageGB:      999999,
			MaxJobsPerDay:     999999,
			MaxAPICallsPerDay: 999999,
			RetentionDays:     365,
			AdvancedFeatures:  true,
			SSO:               true,
			AuditLogs:         true,
			CustomRoles:       true,
			SupportLevel:      "dedicated",
		},
	}
}

// TierCatalogHolder serves the current tier catalog and hot-reloads it
// when the backing config file changes.
type TierCatalogHolder struct {
	current atomic.Value // holds TierCatalog
}

// NewTierCatalogHolder reads tiers.yml if present, falling back to the
// shipped defaults, and watches the file for changes.
func NewTierCatalogHolder() (*TierCatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("tiers")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/crest/config")
	v.AddConfigPath("/etc/crest")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CREST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	catalog := DefaultTierCatalog()
	if fileFound {
		loaded := TierCatalog{}
		if err := v.UnmarshalKey("tiers", &loaded); err != nil {
			return nil, err
		}
		// Config entries override defaults tier by tier.
		for name, limits := range loaded {
			catalog[strings.ToLower(name)] = limits
		}
	}
	if err := validateCatalog(catalog); err != nil {
		return nil, err
	}

	holder := &TierCatalogHolder{}
	holder.current.Store(catalog)

	if fileFound {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated := TierCatalog{}
			if err := v.UnmarshalKey("tiers", &updated); err != nil {
				log.Printf("[tier-config] reload failed: %v", err)
				return
			}
			merged := DefaultTierCatalog()
			for name, limits := range updated {
				merged[strings.ToLower(name)] = limits
			}
			if err := validateCatalog(merged); err != nil {
				log.Printf("[tier-config] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(merged)
			log.Printf("[tier-config] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

// Get returns the current catalog.
func (h *TierCatalogHolder) Get() TierCatalog {
	return h.current.Load().(TierCatalog)
}

// Limits returns the limits for a tier, falling back to "free" for
// unknown names.
func (h *TierCatalogHolder) Limits(tier string) TierLimits {
	catalog := h.Get()
	if limits, ok := catalog[strings.ToLower(tier)]; ok {
		return limits
	}
	return catalog["free"]
}

func validateCatalog(catalog TierCatalog) error {
	if len(catalog) == 0 {
		return errors.New("tiers cannot be empty")
	}
	if _, ok := catalog["free"]; !ok {
		return errors.New("tiers must define a free tier")
	}
	for name, limits := range catalog {
		if limits.MaxUsers <= 0 {
			return errors.New("tier " + name + ": maxUsers must be positive")
		}
	}
	return nil
}
