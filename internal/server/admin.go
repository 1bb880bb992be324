package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/audit"
	identitydomain "github.com/crestdata/crest/internal/identity/domain"
	identity "github.com/crestdata/crest/internal/identity/service"
	platformdomain "github.com/crestdata/crest/internal/platform/domain"
	"github.com/crestdata/crest/internal/rbac"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	tenant "github.com/crestdata/crest/internal/tenant/service"
	"github.com/gin-gonic/gin"
)

func (s *Server) mountAdminRoutes() {
	g := s.engine.Group("/api/v1/admin", s.requireAuth(), s.requireSuperadmin())

	g.GET("/users", s.handleAdminListUsers)
	g.POST("/users/:id/suspend", s.userAction((*identity.Manager).Suspend))
	g.POST("/users/:id/activate", s.userAction((*identity.Manager).Activate))
	g.POST("/users/:id/deactivate", s.userAction((*identity.Manager).Deactivate))
	g.DELETE("/users/:id", s.handleAdminDeleteUser)
	g.POST("/users/:id/reset-password", s.handleAdminResetPassword)
	g.POST("/users/:id/unlock", s.handleAdminUnlock)
	g.POST("/users/:id/roles", s.handleAdminAssignRole)
	g.DELETE("/users/:id/roles/:role", s.handleAdminRemoveRole)
	g.POST("/users/:id/promote", s.handleAdminPromote)
	g.POST("/users/:id/demote", s.handleAdminDemote)
	g.POST("/users/:id/impersonate", s.handleAdminImpersonate)

	g.GET("/companies", s.handleAdminListCompanies)
	g.POST("/companies/:id/suspend", s.handleAdminSuspendCompany)
	g.POST("/companies/:id/activate", s.handleAdminActivateCompany)
	g.PUT("/companies/:id/tier", s.handleAdminChangeTier)
	g.PUT("/companies/:id/limits", s.handleAdminOverrideLimits)
	g.DELETE("/companies/:id", s.handleAdminDeleteCompany)

	g.GET("/settings", s.handleAdminGetSettings)
	g.PATCH("/settings", s.handleAdminUpdateSettings)
	g.GET("/stats", s.handleAdminStats)
	g.GET("/audit", s.handleAdminAudit)

	g.GET("/roles", s.handleAdminListRoles)
	g.POST("/roles", s.handleAdminCreateRole)
	g.PUT("/roles/:name", s.handleAdminUpdateRole)
	g.DELETE("/roles/:name", s.handleAdminDeleteRole)
}

func (s *Server) handleAdminListUsers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	users, total := s.users.List(identity.ListFilter{
		Status: identitydomain.Status(c.Query("status")),
		Search: c.Query("q"),
		Limit:  limit,
		Offset: offset,
	})
	c.JSON(http.StatusOK, gin.H{"users": users, "total": total})
}

// userAction adapts single-user lifecycle methods into handlers.
func (s *Server) userAction(fn func(*identity.Manager, snowflake.ID) (*identitydomain.User, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c, "id")
		if !ok {
			return
		}
		user, err := fn(s.users, id)
		if err != nil {
			abortWithError(c, s.log, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

func (s *Server) handleAdminDeleteUser(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.users.Delete(id); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type resetPasswordRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleAdminResetPassword(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.users.ResetPassword(currentUser(c).ID, id, req.Password); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminUnlock(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if err := s.users.Unlock(currentUser(c).ID, id); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminAssignRole(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	user, err := s.users.AssignRole(id, req.Role)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleAdminRemoveRole(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	user, err := s.users.RemoveRole(id, c.Param("role"))
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleAdminPromote(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	user, err := s.oversight.PromoteSuperadmin(currentUser(c).ID, id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleAdminDemote(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	user, err := s.oversight.DemoteSuperadmin(currentUser(c).ID, id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (s *Server) handleAdminImpersonate(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	token, sess, err := s.oversight.Impersonate(currentUser(c).ID, id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": sess.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleAdminListCompanies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	companies, total := s.tenants.List(tenant.ListFilter{
		Status: tenantdomain.CompanyStatus(c.Query("status")),
		Tier:   tenantdomain.Tier(c.Query("tier")),
		Search: c.Query("q"),
		Limit:  limit,
		Offset: offset,
	})
	c.JSON(http.StatusOK, gin.H{"companies": companies, "total": total})
}

type suspendCompanyRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAdminSuspendCompany(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req suspendCompanyRequest
	_ = c.ShouldBindJSON(&req)
	company, err := s.oversight.SuspendCompany(currentUser(c).ID, id, req.Reason)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleAdminActivateCompany(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	company, err := s.oversight.ActivateCompany(currentUser(c).ID, id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

type changeTierRequest struct {
	Tier      string                       `json:"tier" binding:"required"`
	Overrides *tenantdomain.LimitOverrides `json:"overrides"`
}

func (s *Server) handleAdminChangeTier(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req changeTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	company, err := s.oversight.ChangeCompanyTier(currentUser(c).ID, id, tenantdomain.Tier(req.Tier), req.Overrides)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleAdminOverrideLimits(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var overrides tenantdomain.LimitOverrides
	if err := c.ShouldBindJSON(&overrides); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	company, err := s.oversight.OverrideLimits(currentUser(c).ID, id, &overrides)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleAdminDeleteCompany(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	hard := c.Query("hard") == "true"
	if err := s.oversight.DeleteCompany(currentUser(c).ID, id, hard); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleAdminGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.oversight.Settings())
}

func (s *Server) handleAdminUpdateSettings(c *gin.Context) {
	var upd platformdomain.GlobalSettingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	settings, err := s.oversight.UpdateSettings(currentUser(c).ID, upd)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handleAdminStats(c *gin.Context) {
	stats, err := s.oversight.Stats(currentUser(c).ID)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAdminAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	entries, err := s.oversight.AuditEntries(currentUser(c).ID, audit.Query{
		ActorID: c.Query("actor"),
		Action:  audit.Action(c.Query("action")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

func (s *Server) handleAdminListRoles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"roles":       s.roles.Roles(),
		"permissions": rbac.PermissionsByCategory(),
	})
}

type roleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	CompanyID   string   `json:"company_id"`
	Permissions []string `json:"permissions" binding:"required"`
}

func toPermissions(raw []string) []rbac.Permission {
	out := make([]rbac.Permission, 0, len(raw))
	for _, p := range raw {
		out = append(out, rbac.Permission(p))
	}
	return out
}

func (s *Server) handleAdminCreateRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	role, err := s.roles.CreateCustomRole(req.Name, req.Description, req.CompanyID, toPermissions(req.Permissions))
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusCreated, role)
}

func (s *Server) handleAdminUpdateRole(c *gin.Context) {
	var req roleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	role, err := s.roles.UpdateCustomRole(c.Param("name"), req.Description, toPermissions(req.Permissions))
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, role)
}

func (s *Server) handleAdminDeleteRole(c *gin.Context) {
	if err := s.roles.DeleteCustomRole(c.Param("name")); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}
