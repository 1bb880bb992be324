// Package service implements identity management: registration,
// authentication, lifecycle transitions, and role assignment.
//
// The manager keeps the user collection in memory behind a mutex and
// flushes snapshots through the persistence boundary. Every mutation
// persists first and commits to the in-memory maps only after the
// snapshot was written, so a storage failure never leaves the two views
// disagreeing.
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
	"github.com/crestdata/crest/internal/identity/domain"
	"github.com/crestdata/crest/internal/identity/password"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/session"
	"github.com/crestdata/crest/internal/store"
	"github.com/crestdata/crest/pkg/telemetry"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// BootstrapUsername and BootstrapEmail identify the superadmin seeded
// into an empty deployment.
const (
	BootstrapUsername = "admin"
	BootstrapEmail    = "admin@localhost"
)

// Manager owns the user collection.
type Manager struct {
	mu         sync.RWMutex
	users      map[snowflake.ID]*domain.User
	byUsername map[string]snowflake.ID
	byEmail    map[string]snowflake.ID

	node     *snowflake.Node
	policy   password.Policy
	sessions *session.Store
	roles    *rbac.Registry
	repo     store.Users
	trail    *audit.Log
	cfg      *config.Config
	log      *zap.Logger
}

// NewManager loads the persisted user collection and seeds the
// bootstrap superadmin when no superadmin exists yet.
func NewManager(
	cfg *config.Config,
	logger *zap.Logger,
	backend *store.Backend,
	sessions *session.Store,
	roles *rbac.Registry,
	node *snowflake.Node,
) (*Manager, error) {
	m := &Manager{
		users:      make(map[snowflake.ID]*domain.User),
		byUsername: make(map[string]snowflake.ID),
		byEmail:    make(map[string]snowflake.ID),
		node:       node,
		policy: password.Policy{
			MinLength:    cfg.PasswordMinLength,
			RequireUpper: cfg.PasswordRequireUpper,
			RequireLower: cfg.PasswordRequireLower,
			RequireDigit: cfg.PasswordRequireDigit,
		},
		sessions: sessions,
		roles:    roles,
		repo:     backend.Users,
		trail:    audit.NewLog("identity", cfg.AuditRetention, nil, logger),
		cfg:      cfg,
		log:      logger.Named("identity.service"),
	}

	loaded, err := backend.Users.Load()
	if err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	for i := range loaded {
		u := loaded[i]
		m.users[u.ID] = &u
		m.byUsername[strings.ToLower(u.Username)] = u.ID
		m.byEmail[strings.ToLower(u.Email)] = u.ID
	}

	if err := m.ensureBootstrapAdmin(); err != nil {
		return nil, err
	}

	m.log.Info("identity manager ready", zap.Int("users", len(m.users)))
	return m, nil
}

func (m *Manager) ensureBootstrapAdmin() error {
	for _, u := range m.users {
		if u.IsSuperadmin {
			return nil
		}
	}

	hash, err := password.Hash(m.cfg.BootstrapAdminPassword)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	now := time.Now().UTC()
	admin := &domain.User{
		ID:                  m.node.Generate(),
		Username:            BootstrapUsername,
		Email:               BootstrapEmail,
		PasswordHash:        hash,
		FullName:            "Platform Administrator",
		Status:              domain.StatusActive,
		Roles:               []string{rbac.RoleSuperadmin},
		IsSuperadmin:        true,
		ForcePasswordChange: true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := m.repo.Save(m.snapshotWith(admin, 0)); err != nil {
		return fmt.Errorf("persist bootstrap admin: %w", err)
	}
	m.commit(admin)

	m.log.Warn("seeded bootstrap superadmin; change its password immediately",
		zap.String("username", BootstrapUsername),
	)
	return nil
}

// snapshotWith renders the collection as a slice, with override
// replacing or adding its record and removeID excluded. Callers hold
// the lock (or run before the manager is shared).
func (m *Manager) snapshotWith(override *domain.User, removeID snowflake.ID) []domain.User {
	out := make([]domain.User, 0, len(m.users)+1)
	for id, u := range m.users {
		if id == removeID {
			continue
		}
		if override != nil && id == override.ID {
			continue
		}
		out = append(out, *u)
	}
	if override != nil {
		out = append(out, *override)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) commit(u *domain.User) {
	m.users[u.ID] = u
	m.byUsername[strings.ToLower(u.Username)] = u.ID
	m.byEmail[strings.ToLower(u.Email)] = u.ID
}

// persistChange writes the collection with the change applied, then
// commits it. Lock must be held.
func (m *Manager) persistChange(changed *domain.User) error {
	if err := m.repo.Save(m.snapshotWith(changed, 0)); err != nil {
		return fmt.Errorf("persist users: %w", err)
	}
	m.commit(changed)
	return nil
}

// RegisterInput is the payload for Register.
type RegisterInput struct {
	Username string
	Email    string
	Password string
	FullName string
	// AutoActivate skips the pending state. Without it the account
	// waits for an administrator to activate it.
	AutoActivate bool
}

// Register creates a new user with the viewer role.
func (m *Manager) Register(in RegisterInput) (*domain.User, error) {
	username := strings.TrimSpace(in.Username)
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if username == "" || email == "" {
		return nil, domain.ErrInvalidCredentials
	}
	if v := m.policy.Check(in.Password); len(v) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrWeakPassword, password.Explain(v))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byUsername[strings.ToLower(username)]; taken {
		return nil, domain.ErrDuplicateIdentity
	}
	if _, taken := m.byEmail[email]; taken {
		return nil, domain.ErrDuplicateIdentity
	}

	hash, err := password.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	status := domain.StatusPending
	if in.AutoActivate {
		status = domain.StatusActive
	}
	now := time.Now().UTC()
	user := &domain.User{
		ID:           m.node.Generate(),
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		Status:       status,
		Roles:        []string{rbac.RoleViewer},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.persistChange(user); err != nil {
		return nil, err
	}

	m.trail.Record(audit.Entry{
		ActorID:      user.ID.String(),
		ActorName:    user.Username,
		Action:       audit.ActionUserCreated,
		ResourceType: "user",
		ResourceID:   user.ID.String(),
		Success:      true,
	})
	copied := *user
	return &copied, nil
}

// AuthResult is what a successful login returns. Token is the
// plaintext session token, shown exactly once.
type AuthResult struct {
	User                *domain.User
	Token               string
	Session             *session.Session
	ForcePasswordChange bool
}

// Authenticate verifies credentials and opens a session. The login
// identifier may be a username or an email address.
func (m *Manager) Authenticate(login, plain, ip, userAgent string) (*AuthResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user := m.lookupLocked(login)
	if user == nil {
		telemetry.LoginAttempts.WithLabelValues("unknown_user").Inc()
		m.trail.Record(audit.Entry{
			Action:    audit.ActionLoginFailed,
			ActorName: login,
			IPAddress: ip,
			Details:   map[string]any{"reason": "unknown user"},
		})
		return nil, domain.ErrInvalidCredentials
	}

	if user.Status != domain.StatusActive {
		m.trail.Record(audit.Entry{
			ActorID:   user.ID.String(),
			ActorName: user.Username,
			Action:    audit.ActionLoginFailed,
			IPAddress: ip,
			Details:   map[string]any{"reason": string(user.Status)},
		})
	}
	switch user.Status {
	case domain.StatusSuspended:
		telemetry.LoginAttempts.WithLabelValues("suspended").Inc()
		return nil, domain.ErrAccountSuspended
	case domain.StatusInactive:
		telemetry.LoginAttempts.WithLabelValues("inactive").Inc()
		return nil, domain.ErrAccountInactive
	case domain.StatusPending:
		telemetry.LoginAttempts.WithLabelValues("pending").Inc()
		return nil, domain.ErrAccountPending
	}

	now := time.Now().UTC()
	if user.Locked(now) {
		telemetry.LoginAttempts.WithLabelValues("locked").Inc()
		m.trail.Record(audit.Entry{
			ActorID:   user.ID.String(),
			ActorName: user.Username,
			Action:    audit.ActionLoginFailed,
			IPAddress: ip,
			Details:   map[string]any{"reason": "account locked"},
		})
		return nil, domain.ErrAccountLocked
	}

	ok, err := password.Verify(plain, user.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		updated := *user
		if updated.LockedUntil != nil && !now.Before(*updated.LockedUntil) {
			updated.LockedUntil = nil
		}
		// The counter only resets on a successful login, so failures
		// past an expired lockout window re-arm the lock immediately.
		updated.FailedLoginAttempts++
		details := map[string]any{"attempts": updated.FailedLoginAttempts}
		if updated.FailedLoginAttempts >= m.cfg.MaxFailedAttempts {
			until := now.Add(m.cfg.LockoutDuration)
			updated.LockedUntil = &until
			details["locked_until"] = until
		}
		updated.UpdatedAt = now
		if err := m.persistChange(&updated); err != nil {
			return nil, err
		}
		telemetry.LoginAttempts.WithLabelValues("bad_password").Inc()
		m.trail.Record(audit.Entry{
			ActorID:   user.ID.String(),
			ActorName: user.Username,
			Action:    audit.ActionLoginFailed,
			IPAddress: ip,
			Details:   details,
		})
		if updated.Locked(now) {
			return nil, domain.ErrAccountLocked
		}
		return nil, domain.ErrInvalidCredentials
	}

	updated := *user
	updated.FailedLoginAttempts = 0
	updated.LockedUntil = nil
	updated.LastLoginAt = &now
	updated.UpdatedAt = now
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}

	token, sess, err := m.sessions.Create(updated.ID.String(), ip, userAgent)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	telemetry.LoginAttempts.WithLabelValues("success").Inc()
	m.trail.Record(audit.Entry{
		ActorID:   updated.ID.String(),
		ActorName: updated.Username,
		Action:    audit.ActionLogin,
		IPAddress: ip,
		UserAgent: userAgent,
		Success:   true,
	})

	copied := updated
	return &AuthResult{
		User:                &copied,
		Token:               token,
		Session:             sess,
		ForcePasswordChange: updated.ForcePasswordChange,
	}, nil
}

// lookupLocked resolves a login identifier to a user, or nil.
func (m *Manager) lookupLocked(login string) *domain.User {
	key := strings.ToLower(strings.TrimSpace(login))
	if id, ok := m.byUsername[key]; ok {
		return m.users[id]
	}
	if id, ok := m.byEmail[key]; ok {
		return m.users[id]
	}
	return nil
}

// Logout invalidates the session for the given token.
func (m *Manager) Logout(token string) bool {
	sess, err := m.sessions.Validate(token)
	removed := m.sessions.Invalidate(token)
	if err == nil && removed {
		m.trail.Record(audit.Entry{
			ActorID: sess.UserID,
			Action:  audit.ActionLogout,
			Success: true,
		})
	}
	return removed
}

// ValidateSession resolves a token to its user. Sessions of users that
// are no longer active are torn down on sight.
func (m *Manager) ValidateSession(token string) (*domain.User, *session.Session, error) {
	sess, err := m.sessions.Validate(token)
	if err != nil {
		return nil, nil, err
	}

	id, err := snowflake.ParseString(sess.UserID)
	if err != nil {
		m.sessions.Invalidate(token)
		return nil, nil, session.ErrSessionNotFound
	}

	m.mu.RLock()
	user, ok := m.users[id]
	if !ok {
		m.mu.RUnlock()
		m.sessions.Invalidate(token)
		return nil, nil, domain.ErrUserNotFound
	}
	copied := *user
	m.mu.RUnlock()

	if copied.Status != domain.StatusActive {
		m.sessions.InvalidateUser(sess.UserID)
		switch copied.Status {
		case domain.StatusSuspended:
			return nil, nil, domain.ErrAccountSuspended
		case domain.StatusPending:
			return nil, nil, domain.ErrAccountPending
		default:
			return nil, nil, domain.ErrAccountInactive
		}
	}
	return &copied, sess, nil
}

// Get returns a user by ID.
func (m *Manager) Get(id snowflake.ID) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// GetByLogin returns a user by username or email.
func (m *Manager) GetByLogin(login string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user := m.lookupLocked(login)
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// ListFilter narrows List output.
type ListFilter struct {
	Status domain.Status
	Search string
	Limit  int
	Offset int
}

// List returns users matching the filter plus the total match count.
func (m *Manager) List(f ListFilter) ([]domain.User, int) {
	m.mu.RLock()
	matched := make([]domain.User, 0, len(m.users))
	needle := strings.ToLower(f.Search)
	for _, u := range m.users {
		if f.Status != "" && u.Status != f.Status {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(u.Username), needle) &&
			!strings.Contains(strings.ToLower(u.Email), needle) &&
			!strings.Contains(strings.ToLower(u.FullName), needle) {
			continue
		}
		matched = append(matched, *u)
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

// Update applies a partial update to the user's profile fields.
func (m *Manager) Update(id snowflake.ID, upd domain.Update) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}

	updated := *user
	prevEmail := strings.ToLower(updated.Email)
	if upd.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*upd.Email))
		if other, taken := m.byEmail[email]; taken && other != id {
			return nil, domain.ErrDuplicateIdentity
		}
		updated.Email = email
	}
	if upd.FullName != nil {
		updated.FullName = strings.TrimSpace(*upd.FullName)
	}
	if upd.Settings != nil {
		updated.Settings = *upd.Settings
	}
	if upd.Metadata != nil {
		updated.Metadata = *upd.Metadata
	}
	updated.UpdatedAt = time.Now().UTC()
	if err := m.persistChange(&updated); err != nil {
		return nil, err
	}
	if next := strings.ToLower(updated.Email); next != prevEmail {
		delete(m.byEmail, prevEmail)
	}

	m.trail.Record(audit.Entry{
		ActorID:      id.String(),
		Action:       audit.ActionUserUpdated,
		ResourceType: "user",
		ResourceID:   id.String(),
		Success:      true,
	})
	copied := updated
	return &copied, nil
}

// Audit exposes the manager's activity trail.
func (m *Manager) Audit() *audit.Log { return m.trail }

// Sessions exposes the underlying session store.
func (m *Manager) Sessions() *session.Store { return m.sessions }

// Stats summarizes the identity population.
func (m *Manager) Stats() domain.Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.Stats{ByStatus: make(map[domain.Status]int)}
	now := time.Now().UTC()
	for _, u := range m.users {
		stats.Total++
		stats.ByStatus[u.Status]++
		if u.IsSuperadmin {
			stats.Superadmins++
		}
		if u.Locked(now) {
			stats.Locked++
		}
	}
	return stats
}

// Module wires the identity layer into the application graph.
var Module = fx.Module("identity",
	fx.Provide(NewManager),
)
