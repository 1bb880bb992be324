// Package session manages bearer-token sessions. Tokens are random,
// handed to the caller exactly once, and stored only as SHA-256 digests.
package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/crestdata/crest/pkg/telemetry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
)

// Session is the server-side record of an issued token.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	TokenHash    string    `json:"token_hash"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
}

// Options tune session issuance and validation.
type Options struct {
	TTL               time.Duration
	MaxPerUser        int
	InactivityTimeout time.Duration
}

// Store keeps active sessions in memory, keyed by token hash.
type Store struct {
	mu     sync.Mutex
	opts   Options
	byHash map[string]*Session
	byUser map[string]map[string]*Session
	log    *zap.Logger
}

func NewStore(opts Options, logger *zap.Logger) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = 5
	}
	return &Store{
		opts:   opts,
		byHash: make(map[string]*Session),
		byUser: make(map[string]map[string]*Session),
		log:    logger.Named("session.store"),
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Create issues a new session for userID and returns the plaintext
// token alongside the stored record. When the user already holds the
// maximum number of sessions, the oldest one is evicted.
func (s *Store) Create(userID, ip, userAgent string) (string, *Session, error) {
	token, err := newToken()
	if err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		TokenHash:    hashToken(token),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.opts.TTL),
		LastActivity: now,
		IPAddress:    ip,
		UserAgent:    userAgent,
	}

	s.mu.Lock()
	userSessions := s.byUser[userID]
	if userSessions == nil {
		userSessions = make(map[string]*Session)
		s.byUser[userID] = userSessions
	}
	if len(userSessions) >= s.opts.MaxPerUser {
		var oldest *Session
		for _, existing := range userSessions {
			if oldest == nil || existing.CreatedAt.Before(oldest.CreatedAt) {
				oldest = existing
			}
		}
		if oldest != nil {
			s.removeLocked(oldest)
			s.log.Debug("evicted oldest session",
				zap.String("user_id", userID),
				zap.String("session_id", oldest.ID),
			)
		}
	}
	s.byHash[sess.TokenHash] = sess
	userSessions[sess.TokenHash] = sess
	s.mu.Unlock()

	telemetry.SessionsIssued.Inc()
	telemetry.ActiveSessions.Inc()
	return token, sess, nil
}

// Validate resolves a plaintext token to its session. Expired or idle
// sessions are removed and reported as ErrSessionExpired. On success
// the session's last-activity time advances.
func (s *Store) Validate(token string) (*Session, error) {
	hash := hashToken(token)
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byHash[hash]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if now.After(sess.ExpiresAt) {
		s.removeLocked(sess)
		return nil, ErrSessionExpired
	}
	if s.opts.InactivityTimeout > 0 && now.Sub(sess.LastActivity) > s.opts.InactivityTimeout {
		s.removeLocked(sess)
		return nil, ErrSessionExpired
	}
	sess.LastActivity = now
	copied := *sess
	return &copied, nil
}

// Invalidate removes the session for the given plaintext token.
func (s *Store) Invalidate(token string) bool {
	hash := hashToken(token)

	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byHash[hash]
	if !ok {
		return false
	}
	s.removeLocked(sess)
	return true
}

// InvalidateUser drops every session belonging to userID. It is called
// on password change, suspension, and deletion.
func (s *Store) InvalidateUser(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	userSessions := s.byUser[userID]
	n := len(userSessions)
	for _, sess := range userSessions {
		delete(s.byHash, sess.TokenHash)
	}
	delete(s.byUser, userID)
	telemetry.ActiveSessions.Sub(float64(n))
	return n
}

// SessionsForUser lists the user's active sessions, newest first.
func (s *Store) SessionsForUser(userID string) []Session {
	s.mu.Lock()
	out := make([]Session, 0, len(s.byUser[userID]))
	for _, sess := range s.byUser[userID] {
		out = append(out, *sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep removes expired and idle sessions, returning how many it dropped.
func (s *Store) Sweep() int {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, sess := range s.byHash {
		expired := now.After(sess.ExpiresAt)
		idle := s.opts.InactivityTimeout > 0 && now.Sub(sess.LastActivity) > s.opts.InactivityTimeout
		if expired || idle {
			s.removeLocked(sess)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("swept stale sessions", zap.Int("removed", removed))
	}
	return removed
}

// Stats reports the active session count and per-user distribution.
func (s *Store) Stats() (active int, users int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byHash), len(s.byUser)
}

func (s *Store) removeLocked(sess *Session) {
	if _, ok := s.byHash[sess.TokenHash]; !ok {
		return
	}
	delete(s.byHash, sess.TokenHash)
	if userSessions := s.byUser[sess.UserID]; userSessions != nil {
		delete(userSessions, sess.TokenHash)
		if len(userSessions) == 0 {
			delete(s.byUser, sess.UserID)
		}
	}
	telemetry.ActiveSessions.Dec()
}
