package service

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	"github.com/crestdata/crest/internal/config"
	"github.com/crestdata/crest/internal/identity/domain"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/session"
	"github.com/crestdata/crest/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoreBackend:           "file",
		DataDir:                t.TempDir(),
		SessionTTL:             time.Hour,
		SessionMaxPerUser:      5,
		MaxFailedAttempts:      3,
		LockoutDuration:        time.Minute,
		PasswordMinLength:      8,
		PasswordRequireUpper:   true,
		PasswordRequireLower:   true,
		PasswordRequireDigit:   true,
		BootstrapAdminPassword: "Admin123!",
		AuditRetention:         100,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := testConfig(t)
	logger := zap.NewNop()
	backend, err := store.New(cfg, logger)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sessions := session.NewStore(session.Options{
		TTL:        cfg.SessionTTL,
		MaxPerUser: cfg.SessionMaxPerUser,
	}, logger)

	m, err := NewManager(cfg, logger, backend, sessions, rbac.NewRegistry(), node)
	require.NoError(t, err)
	return m
}

func register(t *testing.T, m *Manager, username string) *domain.User {
	t.Helper()
	user, err := m.Register(RegisterInput{
		Username:     username,
		Email:        username + "@example.com",
		Password:     "Passw0rd!",
		AutoActivate: true,
	})
	require.NoError(t, err)
	return user
}

func TestRegisterDefaultsToPendingViewer(t *testing.T) {
	m := newTestManager(t)

	user, err := m.Register(RegisterInput{Username: "bob", Email: "bob@example.com", Password: "Passw0rd!"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, user.Status)
	assert.Equal(t, []string{rbac.RoleViewer}, user.Roles)

	_, err = m.Authenticate("bob", "Passw0rd!", "", "")
	assert.ErrorIs(t, err, domain.ErrAccountPending)

	_, err = m.Activate(user.ID)
	require.NoError(t, err)
	_, err = m.Authenticate("bob", "Passw0rd!", "", "")
	require.NoError(t, err)
}

func TestBootstrapSuperadmin(t *testing.T) {
	m := newTestManager(t)

	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)
	assert.True(t, admin.IsSuperadmin)
	assert.True(t, admin.ForcePasswordChange)
	assert.Equal(t, BootstrapEmail, admin.Email)

	result, err := m.Authenticate(BootstrapUsername, "Admin123!", "", "")
	require.NoError(t, err)
	assert.True(t, result.ForcePasswordChange)
	assert.NotEmpty(t, result.Token)
}

func TestRegisterRejectsWeakPassword(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Register(RegisterInput{Username: "bob", Email: "bob@example.com", Password: "weak"})
	assert.ErrorIs(t, err, domain.ErrWeakPassword)
}

func TestRegisterDuplicateIsCaseInsensitive(t *testing.T) {
	m := newTestManager(t)
	register(t, m, "alice")

	_, err := m.Register(RegisterInput{Username: "Alice", Email: "other@example.com", Password: "Passw0rd!"})
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)

	_, err = m.Register(RegisterInput{Username: "alice2", Email: "ALICE@example.com", Password: "Passw0rd!"})
	assert.ErrorIs(t, err, domain.ErrDuplicateIdentity)
}

func TestAuthenticateByEmail(t *testing.T) {
	m := newTestManager(t)
	register(t, m, "alice")

	result, err := m.Authenticate("alice@example.com", "Passw0rd!", "", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", result.User.Username)
	assert.NotNil(t, result.User.LastLoginAt)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Authenticate("ghost", "Passw0rd!", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	m := newTestManager(t)
	register(t, m, "alice")

	_, err := m.Authenticate("alice", "nope", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
	_, err = m.Authenticate("alice", "nope", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)

	// third failure trips the lockout
	_, err = m.Authenticate("alice", "nope", "", "")
	assert.ErrorIs(t, err, domain.ErrAccountLocked)

	// correct password is refused while locked
	_, err = m.Authenticate("alice", "Passw0rd!", "", "")
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
}

func TestLockoutRearmsAfterExpiredWindow(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	for i := 0; i < 3; i++ {
		m.Authenticate("alice", "nope", "", "")
	}

	// let the lockout window lapse without a successful login
	m.mu.Lock()
	past := time.Now().UTC().Add(-time.Second)
	m.users[user.ID].LockedUntil = &past
	m.mu.Unlock()

	// the failure counter did not reset, so the next bad password
	// locks the account again with a fresh window
	_, err := m.Authenticate("alice", "nope", "", "")
	assert.ErrorIs(t, err, domain.ErrAccountLocked)

	m.mu.RLock()
	rearmed := m.users[user.ID].LockedUntil
	attempts := m.users[user.ID].FailedLoginAttempts
	m.mu.RUnlock()
	require.NotNil(t, rearmed)
	assert.True(t, rearmed.After(time.Now().UTC()))
	assert.Equal(t, 4, attempts)

	_, err = m.Authenticate("alice", "Passw0rd!", "", "")
	assert.ErrorIs(t, err, domain.ErrAccountLocked)
}

func TestUnlockClearsLockout(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")
	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		m.Authenticate("alice", "nope", "", "")
	}
	_, err = m.Authenticate("alice", "Passw0rd!", "", "")
	require.ErrorIs(t, err, domain.ErrAccountLocked)

	require.NoError(t, m.Unlock(admin.ID, user.ID))

	_, err = m.Authenticate("alice", "Passw0rd!", "", "")
	assert.NoError(t, err)
}

func TestSuccessfulLoginResetsFailureCount(t *testing.T) {
	m := newTestManager(t)
	register(t, m, "alice")

	m.Authenticate("alice", "nope", "", "")
	m.Authenticate("alice", "nope", "", "")
	_, err := m.Authenticate("alice", "Passw0rd!", "", "")
	require.NoError(t, err)

	// two more failures should not lock: the counter was reset
	m.Authenticate("alice", "nope", "", "")
	_, err = m.Authenticate("alice", "nope", "", "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestSuspendedUserCannotLogin(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	_, err := m.Suspend(user.ID)
	require.NoError(t, err)

	_, err = m.Authenticate("alice", "Passw0rd!", "", "")
	assert.ErrorIs(t, err, domain.ErrAccountSuspended)

	// the refused attempt still lands in the trail
	entries, _ := m.Audit().Entries(audit.Query{Action: audit.ActionLoginFailed})
	require.NotEmpty(t, entries)
	assert.Equal(t, user.ID.String(), entries[0].ActorID)
	assert.Equal(t, string(domain.StatusSuspended), entries[0].Details["reason"])
}

func TestSuspendDropsSessions(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	result, err := m.Authenticate("alice", "Passw0rd!", "", "")
	require.NoError(t, err)

	_, err = m.Suspend(user.ID)
	require.NoError(t, err)

	_, _, err = m.ValidateSession(result.Token)
	assert.Error(t, err)
}

func TestChangePasswordInvalidatesSessions(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	result, err := m.Authenticate("alice", "Passw0rd!", "", "")
	require.NoError(t, err)

	require.NoError(t, m.ChangePassword(user.ID, "Passw0rd!", "N3wSecret!"))

	_, _, err = m.ValidateSession(result.Token)
	assert.Error(t, err)

	_, err = m.Authenticate("alice", "N3wSecret!", "", "")
	assert.NoError(t, err)
}

func TestChangePasswordRequiresCurrent(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	err := m.ChangePassword(user.ID, "wrong", "N3wSecret!")
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestResetPasswordForcesChange(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")
	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)

	require.NoError(t, m.ResetPassword(admin.ID, user.ID, "Temp0rary!"))

	result, err := m.Authenticate("alice", "Temp0rary!", "", "")
	require.NoError(t, err)
	assert.True(t, result.ForcePasswordChange)
}

func TestResetPasswordRequiresSuperadmin(t *testing.T) {
	m := newTestManager(t)
	alice := register(t, m, "alice")
	bob := register(t, m, "bob")

	err := m.ResetPassword(alice.ID, bob.ID, "Temp0rary!")
	assert.ErrorIs(t, err, domain.ErrInsufficientPrivilege)
}

func TestAssignAndRemoveRole(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	updated, err := m.AssignRole(user.ID, rbac.RoleDeveloper)
	require.NoError(t, err)
	assert.True(t, updated.HasRole(rbac.RoleDeveloper))

	updated, err = m.RemoveRole(user.ID, rbac.RoleDeveloper)
	require.NoError(t, err)
	assert.False(t, updated.HasRole(rbac.RoleDeveloper))
}

func TestAssignRoleRejectsSuperadminRole(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	_, err := m.AssignRole(user.ID, rbac.RoleSuperadmin)
	assert.ErrorIs(t, err, domain.ErrInsufficientPrivilege)
}

func TestGrantAndRevokeSuperadmin(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")
	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)

	promoted, err := m.GrantSuperadmin(admin.ID, user.ID)
	require.NoError(t, err)
	assert.True(t, promoted.IsSuperadmin)

	demoted, err := m.RevokeSuperadmin(admin.ID, user.ID)
	require.NoError(t, err)
	assert.False(t, demoted.IsSuperadmin)
	assert.False(t, demoted.HasRole(rbac.RoleSuperadmin))
}

func TestLastSuperadminGuards(t *testing.T) {
	m := newTestManager(t)
	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(admin.ID), domain.ErrLastSuperadmin)

	_, err = m.Deactivate(admin.ID)
	assert.ErrorIs(t, err, domain.ErrLastSuperadmin)
}

func TestSuperadminCannotSelfDemote(t *testing.T) {
	m := newTestManager(t)
	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)
	user := register(t, m, "alice")

	_, err = m.GrantSuperadmin(admin.ID, user.ID)
	require.NoError(t, err)

	// self-demotion is refused even with another superadmin around
	_, err = m.RevokeSuperadmin(user.ID, user.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientPrivilege)
	_, err = m.RevokeSuperadmin(admin.ID, admin.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientPrivilege)

	// another operator can still demote
	demoted, err := m.RevokeSuperadmin(admin.ID, user.ID)
	require.NoError(t, err)
	assert.False(t, demoted.IsSuperadmin)
}

func TestSuperadminCannotBeSuspended(t *testing.T) {
	m := newTestManager(t)
	admin, err := m.GetByLogin(BootstrapUsername)
	require.NoError(t, err)
	user := register(t, m, "alice")

	_, err = m.GrantSuperadmin(admin.ID, user.ID)
	require.NoError(t, err)

	// even with another superadmin around, suspension is refused
	_, err = m.Suspend(user.ID)
	assert.ErrorIs(t, err, domain.ErrInsufficientPrivilege)
}

func TestDeleteUser(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	require.NoError(t, m.Delete(user.ID))

	_, err := m.Get(user.ID)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	// the identity is free again
	_, err = m.Register(RegisterInput{Username: "alice", Email: "alice@example.com", Password: "Passw0rd!"})
	assert.NoError(t, err)
}

func TestUpdateAppliesSettingsAndMetadata(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	settings := map[string]string{"theme": "dark"}
	meta := map[string]string{"department": "data-eng"}
	updated, err := m.Update(user.ID, domain.Update{Settings: &settings, Metadata: &meta})
	require.NoError(t, err)
	assert.Equal(t, "dark", updated.Settings["theme"])
	assert.Equal(t, "data-eng", updated.Metadata["department"])

	// nil fields leave the maps alone
	name := "Alice Smith"
	updated, err = m.Update(user.ID, domain.Update{FullName: &name})
	require.NoError(t, err)
	assert.Equal(t, "dark", updated.Settings["theme"])
}

func TestStatusTransitions(t *testing.T) {
	m := newTestManager(t)
	user := register(t, m, "alice")

	_, err := m.Activate(user.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	suspended, err := m.Suspend(user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuspended, suspended.Status)

	reactivated, err := m.Activate(user.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, reactivated.Status)
}

func TestListFilters(t *testing.T) {
	m := newTestManager(t)
	register(t, m, "alice")
	bob := register(t, m, "bob")
	_, err := m.Suspend(bob.ID)
	require.NoError(t, err)

	suspended, total := m.List(ListFilter{Status: domain.StatusSuspended})
	assert.Equal(t, 1, total)
	require.Len(t, suspended, 1)
	assert.Equal(t, "bob", suspended[0].Username)

	byName, _ := m.List(ListFilter{Search: "ali"})
	require.Len(t, byName, 1)
	assert.Equal(t, "alice", byName[0].Username)
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	logger := zap.NewNop()
	backend, err := store.New(cfg, logger)
	require.NoError(t, err)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	sessions := session.NewStore(session.Options{TTL: time.Hour}, logger)

	m, err := NewManager(cfg, logger, backend, sessions, rbac.NewRegistry(), node)
	require.NoError(t, err)
	register(t, m, "alice")

	// a second manager over the same backend sees the same users
	reloaded, err := NewManager(cfg, logger, backend, sessions, rbac.NewRegistry(), node)
	require.NoError(t, err)

	user, err := reloaded.GetByLogin("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user.Email)

	// credentials survive the reload
	_, err = reloaded.Authenticate("alice", "Passw0rd!", "", "")
	require.NoError(t, err)

	stats := reloaded.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Superadmins)
}
