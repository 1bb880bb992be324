package server

import (
	"net/http"
	"strings"

	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	"github.com/gin-gonic/gin"
)

const (
	ctxUserKey    = "authUser"
	ctxSessionKey = "authSession"
)

// maintenanceGate refuses traffic while maintenance mode is on, except
// for allow-listed addresses and the health endpoint.
func (s *Server) maintenanceGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/healthz" || c.FullPath() == "/metrics" {
			c.Next()
			return
		}
		if s.oversight.MaintenanceBlocks(c.ClientIP()) {
			msg := s.oversight.Settings().MaintenanceMessage
			if msg == "" {
				msg = "platform is under maintenance"
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Error: msg})
			return
		}
		c.Next()
	}
}

// requireAuth resolves the bearer token and stores the user on the
// context.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing bearer token"})
			return
		}
		user, sess, err := s.users.ValidateSession(token)
		if err != nil {
			abortWithError(c, s.log, err)
			return
		}
		c.Set(ctxUserKey, user)
		c.Set(ctxSessionKey, sess)
		c.Next()
	}
}

// requireSuperadmin sits behind requireAuth on oversight routes.
func (s *Server) requireSuperadmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if user == nil || !user.IsSuperadmin {
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: identitydomain.ErrInsufficientPrivilege.Error()})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) *identitydomain.User {
	v, ok := c.Get(ctxUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*identitydomain.User)
	return user
}
