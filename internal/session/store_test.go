package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(opts Options) *Store {
	return NewStore(opts, zap.NewNop())
}

func TestCreateAndValidate(t *testing.T) {
	s := newTestStore(Options{TTL: time.Hour, MaxPerUser: 3})

	token, sess, err := s.Create("user-1", "127.0.0.1", "test")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.NotEqual(t, token, sess.TokenHash)

	got, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, sess.ID, got.ID)
}

func TestValidateUnknownToken(t *testing.T) {
	s := newTestStore(Options{TTL: time.Hour})

	_, err := s.Validate("no-such-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestExpiredSessionIsRemoved(t *testing.T) {
	s := newTestStore(Options{TTL: -time.Minute})

	token, _, err := s.Create("user-1", "", "")
	require.NoError(t, err)

	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// second lookup sees the session gone entirely
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestMaxPerUserEvictsOldest(t *testing.T) {
	s := newTestStore(Options{TTL: time.Hour, MaxPerUser: 2})

	first, _, err := s.Create("user-1", "", "")
	require.NoError(t, err)
	_, _, err = s.Create("user-1", "", "")
	require.NoError(t, err)
	_, _, err = s.Create("user-1", "", "")
	require.NoError(t, err)

	_, err = s.Validate(first)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Len(t, s.SessionsForUser("user-1"), 2)
}

func TestInvalidateUser(t *testing.T) {
	s := newTestStore(Options{TTL: time.Hour, MaxPerUser: 5})

	t1, _, err := s.Create("user-1", "", "")
	require.NoError(t, err)
	t2, _, err := s.Create("user-1", "", "")
	require.NoError(t, err)
	other, _, err := s.Create("user-2", "", "")
	require.NoError(t, err)

	assert.Equal(t, 2, s.InvalidateUser("user-1"))

	_, err = s.Validate(t1)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Validate(t2)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = s.Validate(other)
	assert.NoError(t, err)
}

func TestSweepRemovesStale(t *testing.T) {
	s := newTestStore(Options{TTL: -time.Minute})

	_, _, err := s.Create("user-1", "", "")
	require.NoError(t, err)
	_, _, err = s.Create("user-2", "", "")
	require.NoError(t, err)

	assert.Equal(t, 2, s.Sweep())
	active, users := s.Stats()
	assert.Zero(t, active)
	assert.Zero(t, users)
}

func TestInactivityTimeout(t *testing.T) {
	s := newTestStore(Options{TTL: time.Hour, InactivityTimeout: time.Millisecond})

	token, _, err := s.Create("user-1", "", "")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}
