package domain

import "errors"

var (
	ErrCompanyNotFound     = errors.New("company not found")
	ErrInvalidCompanyName  = errors.New("invalid company name")
	ErrSlugTaken           = errors.New("slug already in use")
	ErrQuotaExceeded       = errors.New("tier quota exceeded")
	ErrAlreadyMember       = errors.New("user is already a member")
	ErrNotMember           = errors.New("user is not a member")
	ErrCannotRemoveOwner   = errors.New("owner cannot be removed from their company")
	ErrDuplicateInvitation = errors.New("a pending invitation already exists for this email")
	ErrDomainNotAllowed    = errors.New("email domain not allowed by company policy")
	ErrInvitationExpired   = errors.New("invitation expired")
	ErrInvitationInvalid   = errors.New("invitation is not acceptable")
	ErrUnknownTier         = errors.New("unknown tier")
	ErrCompanyPending      = errors.New("company awaiting approval")
	ErrCompanySuspended    = errors.New("company suspended")
	ErrCompanyDeleted      = errors.New("company deleted")
)
