// Package audit provides an append-only activity log. Each manager owns
// one Log instance; entries are capped by a retention count so the
// in-memory structure stays a recent-activity cache. Durable storage,
// when a deployment wants one, hangs off the Sink interface.
package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/crestdata/crest/pkg/telemetry"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Action identifies what an entry records.
type Action string

const (
	ActionLogin          Action = "login"
	ActionLoginFailed    Action = "login_failed"
	ActionLogout         Action = "logout"
	ActionPasswordChange Action = "password_change"
	ActionPasswordReset  Action = "password_reset"

	ActionUserCreated   Action = "user_created"
	ActionUserUpdated   Action = "user_updated"
	ActionUserDeleted   Action = "user_deleted"
	ActionUserSuspended Action = "user_suspended"
	ActionUserActivated Action = "user_activated"
	ActionRoleAssigned  Action = "role_assigned"
	ActionRoleRemoved   Action = "role_removed"

	ActionCompanyCreated   Action = "company_created"
	ActionCompanyUpdated   Action = "company_updated"
	ActionCompanyDeleted   Action = "company_deleted"
	ActionMemberAdded      Action = "member_added"
	ActionMemberRemoved    Action = "member_removed"
	ActionOwnershipMoved   Action = "ownership_transferred"
	ActionInviteCreated    Action = "invitation_created"
	ActionInviteAccepted   Action = "invitation_accepted"
	ActionInviteRevoked    Action = "invitation_revoked"
	ActionTierChanged      Action = "tier_changed"
	ActionSettingsChanged  Action = "settings_changed"
	ActionImpersonation    Action = "impersonation"
	ActionMaintenanceMode  Action = "maintenance_mode"
	ActionSuperadminChange Action = "superadmin_change"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	Time         time.Time      `json:"time"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorName    string         `json:"actor_name,omitempty"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Success      bool           `json:"success"`
}

// Sink receives every recorded entry, typically to forward it to a
// durable append-only store.
type Sink interface {
	Write(Entry) error
}

// Log is a bounded in-memory audit trail.
type Log struct {
	mu        sync.RWMutex
	component string
	retention int
	entries   []Entry
	sink      Sink
	log       *zap.Logger
}

// NewLog builds a Log keeping at most retention entries. sink may be nil.
func NewLog(component string, retention int, sink Sink, logger *zap.Logger) *Log {
	if retention <= 0 {
		retention = 10000
	}
	return &Log{
		component: component,
		retention: retention,
		sink:      sink,
		log:       logger.Named("audit." + component),
	}
}

// Record appends an entry, filling in ID and timestamp when absent.
// Recording is best-effort: it never fails the operation being audited.
func (l *Log) Record(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.retention {
		l.entries = l.entries[len(l.entries)-l.retention:]
	}
	l.mu.Unlock()

	telemetry.AuditEntries.WithLabelValues(l.component).Inc()

	if l.sink != nil {
		if err := l.sink.Write(e); err != nil {
			l.log.Warn("audit sink write failed", zap.String("action", string(e.Action)), zap.Error(err))
		}
	}
}

// Query filters Entries. Zero values match everything.
type Query struct {
	ActorID      string
	Action       Action
	ResourceType string
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

// Entries returns matching entries, newest first, plus the total match
// count before limit/offset.
func (l *Log) Entries(q Query) ([]Entry, int) {
	l.mu.RLock()
	matched := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if q.ActorID != "" && e.ActorID != q.ActorID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.ResourceType != "" && !strings.EqualFold(e.ResourceType, q.ResourceType) {
			continue
		}
		if q.Start != nil && e.Time.Before(*q.Start) {
			continue
		}
		if q.End != nil && e.Time.After(*q.End) {
			continue
		}
		matched = append(matched, e)
	}
	l.mu.RUnlock()

	// entries are appended in time order; reverse for newest-first.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, total
		}
		matched = matched[q.Offset:]
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total
}

// Len reports how many entries the cache currently holds.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
