package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status is a user's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
	StatusPending   Status = "pending"
)

// allowedTransitions defines the lifecycle state machine. Deletion is
// not a status; it removes the record.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusInactive},
	StatusActive:    {StatusSuspended, StatusInactive},
	StatusSuspended: {StatusActive, StatusInactive},
	StatusInactive:  {StatusActive},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// User is an identity record. PasswordHash is an encoded argon2id
// string and never leaves the service layer.
type User struct {
	ID                  snowflake.ID      `json:"id"`
	Username            string            `json:"username"`
	Email               string            `json:"email"`
	PasswordHash        string            `json:"-"`
	FullName            string            `json:"full_name,omitempty"`
	Status              Status            `json:"status"`
	Roles               []string          `json:"roles"`
	IsSuperadmin        bool              `json:"is_superadmin"`
	ForcePasswordChange bool              `json:"force_password_change"`
	MFASecret           string            `json:"-"`
	Settings            map[string]string `json:"settings,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	FailedLoginAttempts int               `json:"-"`
	LockedUntil         *time.Time        `json:"-"`
	LastLoginAt         *time.Time        `json:"last_login_at,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// HasRole reports whether the user carries the named role.
func (u *User) HasRole(role string) bool {
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Locked reports whether a lockout is currently in effect.
func (u *User) Locked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// UserRecord is the storage form of a User. The API representation
// hides credential and lockout fields; persistence has to keep them.
type UserRecord struct {
	User
	PasswordHash        string     `json:"password_hash"`
	MFASecret           string     `json:"mfa_secret,omitempty"`
	FailedLoginAttempts int        `json:"failed_login_attempts,omitempty"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
}

// Record converts the user to its storage form.
func (u User) Record() UserRecord {
	return UserRecord{
		User:                u,
		PasswordHash:        u.PasswordHash,
		MFASecret:           u.MFASecret,
		FailedLoginAttempts: u.FailedLoginAttempts,
		LockedUntil:         u.LockedUntil,
	}
}

// ToUser restores the full user from its storage form.
func (r UserRecord) ToUser() User {
	u := r.User
	u.PasswordHash = r.PasswordHash
	u.MFASecret = r.MFASecret
	u.FailedLoginAttempts = r.FailedLoginAttempts
	u.LockedUntil = r.LockedUntil
	return u
}

// Update carries a partial user update. Nil fields are left untouched.
type Update struct {
	Email    *string            `json:"email,omitempty"`
	FullName *string            `json:"full_name,omitempty"`
	Settings *map[string]string `json:"settings,omitempty"`
	Metadata *map[string]string `json:"metadata,omitempty"`
}

// Stats summarizes the identity population.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[Status]int `json:"by_status"`
	Superadmins int            `json:"superadmins"`
	Locked      int            `json:"locked"`
}
