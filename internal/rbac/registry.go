// Package rbac holds the role catalog: the built-in system roles, their
// permission sets, and tenant-defined custom roles.
package rbac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrRoleNotFound      = errors.New("role not found")
	ErrRoleExists        = errors.New("role already exists")
	ErrSystemRole        = errors.New("system roles cannot be modified")
	ErrUnknownPermission = errors.New("unknown permission")
	ErrInvalidRoleName   = errors.New("invalid role name")
)

// Permission is a namespaced capability string, "<category>:<verb>".
type Permission string

const (
	PermPipelineView   Permission = "pipeline:view"
	PermPipelineCreate Permission = "pipeline:create"
	PermPipelineEdit   Permission = "pipeline:edit"
	PermPipelineDelete Permission = "pipeline:delete"
	PermPipelineRun    Permission = "pipeline:run"

	PermConnectorView   Permission = "connector:view"
	PermConnectorCreate Permission = "connector:create"
	PermConnectorEdit   Permission = "connector:edit"
	PermConnectorDelete Permission = "connector:delete"

	PermDataView   Permission = "data:view"
	PermDataExport Permission = "data:export"
	PermDataDelete Permission = "data:delete"

	PermUserView   Permission = "user:view"
	PermUserInvite Permission = "user:invite"
	PermUserEdit   Permission = "user:edit"
	PermUserRemove Permission = "user:remove"

	PermCompanyView    Permission = "company:view"
	PermCompanyManage  Permission = "company:manage"
	PermCompanyBilling Permission = "company:billing"

	PermAuditView Permission = "audit:view"

	PermPlatformAdmin Permission = "platform:admin"
)

// Catalog lists every permission the platform understands.
var Catalog = []Permission{
	PermPipelineView, PermPipelineCreate, PermPipelineEdit, PermPipelineDelete, PermPipelineRun,
	PermConnectorView, PermConnectorCreate, PermConnectorEdit, PermConnectorDelete,
	PermDataView, PermDataExport, PermDataDelete,
	PermUserView, PermUserInvite, PermUserEdit, PermUserRemove,
	PermCompanyView, PermCompanyManage, PermCompanyBilling,
	PermAuditView,
	PermPlatformAdmin,
}

// Role couples a name with the permissions it grants. System roles ship
// with the platform and are immutable; custom roles belong to a company.
type Role struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	System      bool         `json:"system"`
	CompanyID   string       `json:"company_id,omitempty"`
}

// Well-known role names.
const (
	RoleSuperadmin   = "superadmin"
	RoleCompanyOwner = "company_owner"
	RoleCompanyAdmin = "company_admin"
	RoleDeveloper    = "developer"
	RoleAnalyst      = "analyst"
	RoleViewer       = "viewer"
)

func systemRoles() map[string]Role {
	all := make([]Permission, len(Catalog))
	copy(all, Catalog)

	return map[string]Role{
		RoleSuperadmin: {
			Name:        RoleSuperadmin,
			Description: "Platform operator with every permission across all tenants",
			Permissions: all,
			System:      true,
		},
		RoleCompanyOwner: {
			Name:        RoleCompanyOwner,
			Description: "Full control of a company, including billing and membership",
			Permissions: []Permission{
				PermPipelineView, PermPipelineCreate, PermPipelineEdit, PermPipelineDelete, PermPipelineRun,
				PermConnectorView, PermConnectorCreate, PermConnectorEdit, PermConnectorDelete,
				PermDataView, PermDataExport, PermDataDelete,
				PermUserView, PermUserInvite, PermUserEdit, PermUserRemove,
				PermCompanyView, PermCompanyManage, PermCompanyBilling,
				PermAuditView,
			},
			System: true,
		},
		RoleCompanyAdmin: {
			Name:        RoleCompanyAdmin,
			Description: "Manages members and resources, without billing access",
			Permissions: []Permission{
				PermPipelineView, PermPipelineCreate, PermPipelineEdit, PermPipelineDelete, PermPipelineRun,
				PermConnectorView, PermConnectorCreate, PermConnectorEdit, PermConnectorDelete,
				PermDataView, PermDataExport,
				PermUserView, PermUserInvite, PermUserEdit,
				PermCompanyView,
				PermAuditView,
			},
			System: true,
		},
		RoleDeveloper: {
			Name:        RoleDeveloper,
			Description: "Builds and runs pipelines and connectors",
			Permissions: []Permission{
				PermPipelineView, PermPipelineCreate, PermPipelineEdit, PermPipelineRun,
				PermConnectorView, PermConnectorCreate, PermConnectorEdit,
				PermDataView, PermDataExport,
				PermUserView,
				PermCompanyView,
			},
			System: true,
		},
		RoleAnalyst: {
			Name:        RoleAnalyst,
			Description: "Reads pipeline output and exports data",
			Permissions: []Permission{
				PermPipelineView, PermPipelineRun,
				PermConnectorView,
				PermDataView, PermDataExport,
				PermUserView,
				PermCompanyView,
			},
			System: true,
		},
		RoleViewer: {
			Name:        RoleViewer,
			Description: "Read-only access",
			Permissions: []Permission{
				PermPipelineView,
				PermConnectorView,
				PermDataView,
				PermUserView,
				PermCompanyView,
			},
			System: true,
		},
	}
}

// Registry resolves role names to permission sets. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	roles map[string]Role
	valid map[Permission]struct{}
}

func NewRegistry() *Registry {
	valid := make(map[Permission]struct{}, len(Catalog))
	for _, p := range Catalog {
		valid[p] = struct{}{}
	}
	return &Registry{roles: systemRoles(), valid: valid}
}

// Role returns the named role.
func (r *Registry) Role(name string) (Role, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[strings.ToLower(name)]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	return role, nil
}

// Exists reports whether the role name is known.
func (r *Registry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roles[strings.ToLower(name)]
	return ok
}

// Roles lists every role, system first, then custom, each alphabetical.
func (r *Registry) Roles() []Role {
	r.mu.RLock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].System != out[j].System {
			return out[i].System
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// HasPermission reports whether any of the given roles grants perm.
func (r *Registry) HasPermission(roleNames []string, perm Permission) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range roleNames {
		role, ok := r.roles[strings.ToLower(name)]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// PermissionsFor returns the union of permissions across the given roles.
func (r *Registry) PermissionsFor(roleNames []string) []Permission {
	r.mu.RLock()
	set := make(map[Permission]struct{})
	for _, name := range roleNames {
		role, ok := r.roles[strings.ToLower(name)]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PermissionsByCategory groups the full catalog by namespace, for role
// editors that render permissions in sections.
func PermissionsByCategory() map[string][]Permission {
	grouped := make(map[string][]Permission)
	for _, p := range Catalog {
		cat, _, _ := strings.Cut(string(p), ":")
		grouped[cat] = append(grouped[cat], p)
	}
	return grouped
}

// CreateCustomRole registers a company-scoped role. The name must not
// collide with any existing role, and every permission must be known.
func (r *Registry) CreateCustomRole(name, description, companyID string, perms []Permission) (Role, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Role{}, ErrInvalidRoleName
	}
	for _, p := range perms {
		if _, ok := r.valid[p]; !ok {
			return Role{}, fmt.Errorf("%w: %s", ErrUnknownPermission, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[key]; ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleExists, key)
	}
	role := Role{
		Name:        key,
		Description: description,
		Permissions: append([]Permission(nil), perms...),
		CompanyID:   companyID,
	}
	r.roles[key] = role
	return role, nil
}

// UpdateCustomRole replaces a custom role's description and permissions.
func (r *Registry) UpdateCustomRole(name, description string, perms []Permission) (Role, error) {
	key := strings.ToLower(name)
	for _, p := range perms {
		if _, ok := r.valid[p]; !ok {
			return Role{}, fmt.Errorf("%w: %s", ErrUnknownPermission, p)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[key]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if role.System {
		return Role{}, ErrSystemRole
	}
	role.Description = description
	role.Permissions = append([]Permission(nil), perms...)
	r.roles[key] = role
	return role, nil
}

// DeleteCustomRole removes a custom role. System roles are refused.
func (r *Registry) DeleteCustomRole(name string) error {
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
	}
	if role.System {
		return ErrSystemRole
	}
	delete(r.roles, key)
	return nil
}
