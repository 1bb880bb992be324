package server

import (
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/crestdata/crest/internal/rbac"
	tenantdomain "github.com/crestdata/crest/internal/tenant/domain"
	tenant "github.com/crestdata/crest/internal/tenant/service"
	"github.com/gin-gonic/gin"
)

func (s *Server) mountCompanyRoutes() {
	g := s.engine.Group("/api/v1", s.requireAuth())

	g.POST("/companies", s.handleCreateCompany)
	g.GET("/companies", s.handleMyCompanies)
	g.GET("/companies/:id", s.handleGetCompany)
	g.PATCH("/companies/:id", s.handleUpdateCompany)
	g.PUT("/companies/:id/settings", s.handleUpdateCompanySettings)
	g.GET("/companies/:id/context", s.handleTenantContext)
	g.GET("/context", s.handleDefaultContext)

	g.GET("/companies/:id/members", s.handleListMembers)
	g.DELETE("/companies/:id/members/:userID", s.handleRemoveMember)
	g.PUT("/companies/:id/members/:userID/role", s.handleChangeMemberRole)
	g.POST("/companies/:id/transfer", s.handleTransferOwnership)

	g.GET("/companies/:id/invitations", s.handleListInvitations)
	g.POST("/companies/:id/invitations", s.handleCreateInvitation)
	g.DELETE("/companies/:id/invitations/:inviteID", s.handleRevokeInvitation)
	g.POST("/invitations/accept", s.handleAcceptInvitation)
	g.GET("/invitations/:token", s.handleGetInvitation)

	g.POST("/companies/:id/usage/:resource", s.handleConsumeUsage)
	g.DELETE("/companies/:id/usage/:resource", s.handleReleaseUsage)
}

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid id"})
		return 0, false
	}
	return id, true
}

// authorizeCompany checks that the caller holds perm inside the
// company. Superadmins pass unconditionally.
func (s *Server) authorizeCompany(c *gin.Context, companyID snowflake.ID, perm rbac.Permission) bool {
	user := currentUser(c)
	if user.IsSuperadmin {
		return true
	}
	tc, err := s.tenants.TenantContext(companyID, user.ID)
	if err != nil {
		abortWithError(c, s.log, err)
		return false
	}
	if !s.roles.HasPermission([]string{tc.Role}, perm) {
		c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "missing permission " + string(perm)})
		return false
	}
	return true
}

type createCompanyRequest struct {
	Name string `json:"name" binding:"required"`
	Tier string `json:"tier"`
}

func (s *Server) handleCreateCompany(c *gin.Context) {
	var req createCompanyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	tier := tenantdomain.Tier(req.Tier)
	if req.Tier == "" {
		tier = tenantdomain.Tier(s.oversight.Settings().DefaultTier)
	}

	company, err := s.tenants.CreateCompany(currentUser(c).ID, req.Name, tier)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusCreated, company)
}

func (s *Server) handleMyCompanies(c *gin.Context) {
	companies := s.tenants.CompaniesFor(currentUser(c).ID)
	c.JSON(http.StatusOK, gin.H{"companies": companies, "total": len(companies)})
}

func (s *Server) handleGetCompany(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermCompanyView) {
		return
	}
	company, err := s.tenants.Get(id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleUpdateCompany(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermCompanyManage) {
		return
	}
	var upd tenantdomain.Update
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	company, err := s.tenants.Update(id, upd)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleUpdateCompanySettings(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermCompanyManage) {
		return
	}
	var upd tenantdomain.SettingsUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	company, err := s.tenants.UpdateSettings(id, upd)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleTenantContext(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	user := currentUser(c)
	if user.IsSuperadmin {
		tc, err := s.tenants.OversightContext(id)
		if err != nil {
			abortWithError(c, s.log, err)
			return
		}
		c.JSON(http.StatusOK, tc)
		return
	}
	tc, err := s.tenants.TenantContext(id, user.ID)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

// handleDefaultContext resolves the caller's context without a company
// argument, defaulting to their oldest membership.
func (s *Server) handleDefaultContext(c *gin.Context) {
	tc, err := s.tenants.TenantContextFor(currentUser(c).ID)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, tc)
}

func (s *Server) handleListMembers(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermUserView) {
		return
	}
	members, err := s.tenants.Members(id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "total": len(members)})
}

func (s *Server) handleRemoveMember(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermUserRemove) {
		return
	}
	if err := s.tenants.RemoveMember(id, userID); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type changeRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

func (s *Server) handleChangeMemberRole(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	userID, ok := parseID(c, "userID")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermUserEdit) {
		return
	}
	var req changeRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	mb, err := s.tenants.ChangeMemberRole(id, userID, req.Role)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, mb)
}

type transferRequest struct {
	To string `json:"to" binding:"required"`
}

func (s *Server) handleTransferOwnership(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	toID, err := snowflake.ParseString(req.To)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid target id"})
		return
	}
	company, err := s.tenants.TransferOwnership(id, currentUser(c).ID, toID)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, company)
}

func (s *Server) handleListInvitations(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermUserInvite) {
		return
	}
	invites, err := s.tenants.Invitations(id)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invites, "total": len(invites)})
}

type inviteRequest struct {
	Email         string `json:"email" binding:"required,email"`
	Role          string `json:"role"`
	Message       string `json:"message"`
	ExpiresInDays int    `json:"expires_in_days" binding:"omitempty,min=1,max=90"`
}

func (s *Server) handleCreateInvitation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermUserInvite) {
		return
	}
	var req inviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	inv, err := s.tenants.Invite(id, currentUser(c).ID, req.Email, req.Role, req.Message, time.Duration(req.ExpiresInDays)*24*time.Hour)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) handleRevokeInvitation(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	inviteID, ok := parseID(c, "inviteID")
	if !ok {
		return
	}
	if !s.authorizeCompany(c, id, rbac.PermUserInvite) {
		return
	}
	if err := s.tenants.Revoke(inviteID); err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type acceptInviteRequest struct {
	Token string `json:"token" binding:"required"`
}

func (s *Server) handleAcceptInvitation(c *gin.Context) {
	var req acceptInviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	user := currentUser(c)
	mb, err := s.tenants.Accept(req.Token, user.ID, user.Email)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, mb)
}

func (s *Server) handleGetInvitation(c *gin.Context) {
	inv, err := s.tenants.InvitationByToken(c.Param("token"))
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

// Creating or deleting a metered resource requires the matching
// permission inside the company.
var consumePermissions = map[tenant.Resource]rbac.Permission{
	tenant.ResourcePipelines:  rbac.PermPipelineCreate,
	tenant.ResourceConnectors: rbac.PermConnectorCreate,
	tenant.ResourceJobs:       rbac.PermPipelineRun,
	tenant.ResourceAPICalls:   rbac.PermDataView,
}

var releasePermissions = map[tenant.Resource]rbac.Permission{
	tenant.ResourcePipelines:  rbac.PermPipelineDelete,
	tenant.ResourceConnectors: rbac.PermConnectorDelete,
}

func (s *Server) handleConsumeUsage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resource := tenant.Resource(c.Param("resource"))
	perm, known := consumePermissions[resource]
	if !known {
		c.JSON(http.StatusBadRequest, errorBody{Error: "unknown resource " + string(resource)})
		return
	}
	if !s.authorizeCompany(c, id, perm) {
		return
	}
	usage, err := s.tenants.Consume(id, resource)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}

func (s *Server) handleReleaseUsage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	resource := tenant.Resource(c.Param("resource"))
	perm, known := releasePermissions[resource]
	if !known {
		c.JSON(http.StatusBadRequest, errorBody{Error: "unknown resource " + string(resource)})
		return
	}
	if !s.authorizeCompany(c, id, perm) {
		return
	}
	usage, err := s.tenants.Release(id, resource)
	if err != nil {
		abortWithError(c, s.log, err)
		return
	}
	c.JSON(http.StatusOK, usage)
}
