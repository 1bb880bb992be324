package server

import (
	"net/http"
	"strings"
	"time"

	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	identity "github.com/crestdata/crest/internal/identity/service"
	"github.com/gin-gonic/gin"
)

func (s *Server) mountAuthRoutes() {
	g := s.engine.Group("/api/v1/auth")

	g.POST("/register", s.handleRegister)
	g.POST("/login", s.handleLogin)

	authed := g.Group("", s.requireAuth())
	authed.POST("/logout", s.handleLogout)
	authed.GET("/me", s.handleMe)
	authed.PUT("/password", s.handleChangePassword)
	authed.GET("/sessions", s.handleSessions)
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	FullName string `json:"full_name"`
}

func (s *Server) handleRegister(c *gin.Context) {
	if !s.oversight.Settings().RegistrationOpen {
		c.JSON(http.StatusForbidden, errorBody{Error: "registration is closed"})
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	user, err := s.users.Register(identity.RegisterInput{
		Username:     req.Username,
		Email:        req.Email,
		Password:     req.Password,
		FullName:     req.FullName,
		AutoActivate: true,
	})
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

type loginRequest struct {
	Login    string `json:"login" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Token               string               `json:"token"`
	User                *identitydomain.User `json:"user"`
	ExpiresAt           string               `json:"expires_at"`
	ForcePasswordChange bool                 `json:"force_password_change"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	result, err := s.users.Authenticate(req.Login, req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, loginResponse{
		Token:               result.Token,
		User:                result.User,
		ExpiresAt:           result.Session.ExpiresAt.Format(time.RFC3339),
		ForcePasswordChange: result.ForcePasswordChange,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, _ := strings.CutPrefix(header, "Bearer ")
	s.users.Logout(token)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

type changePasswordRequest struct {
	Current string `json:"current" binding:"required"`
	Next    string `json:"next" binding:"required"`
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.users.ChangePassword(currentUser(c).ID, req.Current, req.Next); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessions(c *gin.Context) {
	sessions := s.users.Sessions().SessionsForUser(currentUser(c).ID.String())
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}
