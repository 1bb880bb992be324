package gormstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/crestdata/crest/internal/config"
	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	platformdomain "github.com/crestdata/crest/internal/platform/domain"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.Config{
		StoreBackend: "sqlite",
		SQLitePath:   filepath.Join(t.TempDir(), "test.db"),
	}
	db, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	return db
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(&config.Config{StoreBackend: "cassandra"}, zap.NewNop())
	assert.Error(t, err)
}

func TestUsersRoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewUsers(db)

	now := time.Now().UTC().Truncate(time.Second)
	users := []identitydomain.User{
		{
			ID:           1,
			Username:     "alice",
			Email:        "alice@example.com",
			PasswordHash: "$argon2id$...",
			Status:       identitydomain.StatusActive,
			Roles:        []string{"developer"},
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		{
			ID:           2,
			Username:     "admin",
			Email:        "admin@localhost",
			Status:       identitydomain.StatusActive,
			IsSuperadmin: true,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
	}
	require.NoError(t, repo.Save(users))

	loaded, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	byName := map[string]identitydomain.User{}
	for _, u := range loaded {
		byName[u.Username] = u
	}
	assert.Equal(t, []string{"developer"}, byName["alice"].Roles)
	assert.Equal(t, "$argon2id$...", byName["alice"].PasswordHash)
	assert.True(t, byName["admin"].IsSuperadmin)
}

func TestSaveReplacesContents(t *testing.T) {
	db := testDB(t)
	repo := NewUsers(db)

	require.NoError(t, repo.Save([]identitydomain.User{{ID: 1, Username: "a", Email: "a@x"}}))
	require.NoError(t, repo.Save([]identitydomain.User{{ID: 2, Username: "b", Email: "b@x"}}))

	loaded, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].Username)

	// saving an empty collection clears the table
	require.NoError(t, repo.Save(nil))
	loaded, err = repo.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestCompaniesRoundTrip(t *testing.T) {
	db := testDB(t)
	repo := NewCompanies(db)

	expiry := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	companies := []tenantdomain.Company{{
		ID:             10,
		Name:           "Acme",
		Slug:           "acme",
		Tier:           tenantdomain.TierTrial,
		Status:         tenantdomain.CompanyActive,
		OwnerID:        1,
		TrialExpiresAt: &expiry,
		Settings: tenantdomain.Settings{
			AllowedEmailDomains: []string{"corp.example.com"},
			DefaultMemberRole:   "viewer",
		},
		Usage: tenantdomain.Usage{Users: 3, JobsToday: 7},
	}}
	require.NoError(t, repo.Save(companies))

	loaded, err := repo.Load()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.Equal(t, tenantdomain.TierTrial, got.Tier)
	require.NotNil(t, got.TrialExpiresAt)
	assert.Equal(t, expiry.Unix(), got.TrialExpiresAt.Unix())
	assert.Equal(t, []string{"corp.example.com"}, got.Settings.AllowedEmailDomains)
	assert.Equal(t, 7, got.Usage.JobsToday)
}

func TestMembershipsAndInvitations(t *testing.T) {
	db := testDB(t)

	members := NewMemberships(db)
	require.NoError(t, members.Save([]tenantdomain.Membership{
		{ID: 1, CompanyID: 10, UserID: 100, Role: "company_owner", JoinedAt: time.Now().UTC()},
		{ID: 2, CompanyID: 10, UserID: 101, Role: "viewer", JoinedAt: time.Now().UTC()},
	}))
	loadedMembers, err := members.Load()
	require.NoError(t, err)
	assert.Len(t, loadedMembers, 2)

	invites := NewInvitations(db)
	require.NoError(t, invites.Save([]tenantdomain.Invitation{{
		ID:        3,
		CompanyID: 10,
		Email:     "new@example.com",
		Role:      "viewer",
		Token:     "tok",
		Status:    tenantdomain.InvitePending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}}))
	loadedInvites, err := invites.Load()
	require.NoError(t, err)
	require.Len(t, loadedInvites, 1)
	assert.Equal(t, tenantdomain.InvitePending, loadedInvites[0].Status)
}

func TestSettingsSingleRow(t *testing.T) {
	db := testDB(t)
	repo := NewSettings(db)

	_, found, err := repo.Load()
	require.NoError(t, err)
	assert.False(t, found)

	s := platformdomain.DefaultGlobalSettings()
	s.MaintenanceMode = true
	s.MaintenanceAllowIPs = []string{"10.0.0.1"}
	require.NoError(t, repo.Save(s))

	// second save overwrites rather than appending
	s.MaintenanceMode = false
	require.NoError(t, repo.Save(s))

	loaded, found, err := repo.Load()
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, loaded.MaintenanceMode)
	assert.Equal(t, []string{"10.0.0.1"}, loaded.MaintenanceAllowIPs)
}
