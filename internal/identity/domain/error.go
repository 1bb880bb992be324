package domain

import "errors"

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrDuplicateIdentity     = errors.New("username or email already in use")
	ErrWeakPassword          = errors.New("password does not meet policy")
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrAccountLocked         = errors.New("account temporarily locked")
	ErrAccountSuspended      = errors.New("account suspended")
	ErrAccountInactive       = errors.New("account inactive")
	ErrAccountPending        = errors.New("account pending activation")
	ErrInsufficientPrivilege = errors.New("insufficient privilege")
	ErrLastSuperadmin        = errors.New("cannot remove the last superadmin")
	ErrInvalidTransition     = errors.New("invalid status transition")
)
