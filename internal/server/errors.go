package server

import (
	"errors"
	"net/http"

	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	platformdomain "github.com/crestdata/crest/internal/platform/domain"
	"github.com/crestdata/crest/internal/rbac"
	"github.com/crestdata/crest/internal/session"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain sentinels to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, identitydomain.ErrUserNotFound),
		errors.Is(err, tenantdomain.ErrCompanyNotFound),
		errors.Is(err, rbac.ErrRoleNotFound),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, identitydomain.ErrInvalidCredentials),
		errors.Is(err, session.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, identitydomain.ErrInsufficientPrivilege),
		errors.Is(err, identitydomain.ErrAccountSuspended),
		errors.Is(err, identitydomain.ErrAccountInactive),
		errors.Is(err, identitydomain.ErrAccountPending),
		errors.Is(err, identitydomain.ErrAccountLocked),
		errors.Is(err, tenantdomain.ErrDomainNotAllowed),
		errors.Is(err, tenantdomain.ErrCompanyPending),
		errors.Is(err, tenantdomain.ErrCompanySuspended),
		errors.Is(err, rbac.ErrSystemRole):
		return http.StatusForbidden
	case errors.Is(err, identitydomain.ErrDuplicateIdentity),
		errors.Is(err, tenantdomain.ErrSlugTaken),
		errors.Is(err, tenantdomain.ErrAlreadyMember),
		errors.Is(err, tenantdomain.ErrDuplicateInvitation),
		errors.Is(err, rbac.ErrRoleExists):
		return http.StatusConflict
	case errors.Is(err, tenantdomain.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, identitydomain.ErrWeakPassword),
		errors.Is(err, identitydomain.ErrInvalidTransition),
		errors.Is(err, identitydomain.ErrLastSuperadmin),
		errors.Is(err, tenantdomain.ErrCannotRemoveOwner),
		errors.Is(err, tenantdomain.ErrNotMember),
		errors.Is(err, tenantdomain.ErrUnknownTier),
		errors.Is(err, tenantdomain.ErrInvalidCompanyName),
		errors.Is(err, tenantdomain.ErrInvitationInvalid),
		errors.Is(err, rbac.ErrUnknownPermission),
		errors.Is(err, rbac.ErrInvalidRoleName):
		return http.StatusBadRequest
	case errors.Is(err, tenantdomain.ErrInvitationExpired),
		errors.Is(err, tenantdomain.ErrCompanyDeleted):
		return http.StatusGone
	case errors.Is(err, platformdomain.ErrMaintenanceActive):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError ends the request with the mapped status. Internal
// failures are logged and hidden behind a generic message.
func abortWithError(c *gin.Context, logger *zap.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorBody{Error: msg})
}
