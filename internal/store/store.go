// Package store defines the persistence boundary. Managers keep state
// in memory and flush whole collections through these narrow
// interfaces; a backend only needs to load and save snapshots.
package store

import (
	"fmt"

	"github.com/crestdata/crest/internal/config"
	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	platformdomain "github.com/crestdata/crest/internal/platform/domain"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	"github.com/crestdata/crest/internal/store/filestore"
	"github.com/crestdata/crest/internal/store/gormstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Users persists the user collection.
type Users interface {
	Load() ([]identitydomain.User, error)
	Save([]identitydomain.User) error
}

// Companies persists the company collection.
type Companies interface {
	Load() ([]tenantdomain.Company, error)
	Save([]tenantdomain.Company) error
}

// Memberships persists company membership links.
type Memberships interface {
	Load() ([]tenantdomain.Membership, error)
	Save([]tenantdomain.Membership) error
}

// Invitations persists company invitations.
type Invitations interface {
	Load() ([]tenantdomain.Invitation, error)
	Save([]tenantdomain.Invitation) error
}

// Settings persists the platform-wide global settings record.
type Settings interface {
	Load() (platformdomain.GlobalSettings, bool, error)
	Save(platformdomain.GlobalSettings) error
}

// Backend bundles every collection a deployment persists.
type Backend struct {
	Users       Users
	Companies   Companies
	Memberships Memberships
	Invitations Invitations
	Settings    Settings
}

// New selects the backend named by cfg.StoreBackend.
func New(cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	switch cfg.StoreBackend {
	case "file":
		fs, err := filestore.New(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return &Backend{
			Users:       filestore.NewUsers(fs),
			Companies:   filestore.NewCompanies(fs),
			Memberships: filestore.NewMemberships(fs),
			Invitations: filestore.NewInvitations(fs),
			Settings:    filestore.NewSettings(fs),
		}, nil
	case "sqlite", "postgres":
		db, err := gormstore.Open(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open database store: %w", err)
		}
		return &Backend{
			Users:       gormstore.NewUsers(db),
			Companies:   gormstore.NewCompanies(db),
			Memberships: gormstore.NewMemberships(db),
			Invitations: gormstore.NewInvitations(db),
			Settings:    gormstore.NewSettings(db),
		}, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

var Module = fx.Module("store",
	fx.Provide(New),
)
