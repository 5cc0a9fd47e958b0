// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package access decides which back-office actions an administrator may take.
//
// Access is derived from the administrator's Role through a static
// PermissionTable. A per-resource override on the AdminUser replaces the
// role's entry for that resource entirely. SUPER_ADMIN bypasses the table.
// Anything not granted is denied.
package access

import (
	"fmt"
	"strings"
)

// =============================================================================
// ROLES
// =============================================================================

// Role is an administrator role assigned by the admin-management flow.
type Role string

const (
	// RoleSuperAdmin has every action on every resource.
	RoleSuperAdmin Role = "SUPER_ADMIN"

	// RoleOperations runs day-to-day custody operations.
	RoleOperations Role = "OPERATIONS"

	// RoleCompliance reviews AML cases and members.
	RoleCompliance Role = "COMPLIANCE"

	// RoleSupport answers member inquiries with read-mostly access.
	RoleSupport Role = "SUPPORT"

	// RoleViewer has read-only access to operational data.
	RoleViewer Role = "VIEWER"
)

// Roles lists every known role.
func Roles() []Role {
	return []Role{RoleSuperAdmin, RoleOperations, RoleCompliance, RoleSupport, RoleViewer}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleOperations, RoleCompliance, RoleSupport, RoleViewer:
		return true
	}
	return false
}

// ParseRole converts a stored role name into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// =============================================================================
// RESOURCES
// =============================================================================

// Resource is a protected back-office area.
type Resource string

const (
	ResourceDashboard   Resource = "dashboard"
	ResourceMembers     Resource = "members"
	ResourceVaults      Resource = "vaults"
	ResourceWithdrawals Resource = "withdrawals"
	ResourceDeposits    Resource = "deposits"
	ResourceCompliance  Resource = "compliance"
	ResourceReports     Resource = "reports"
	ResourceAdminUsers  Resource = "admin_users"
	ResourceSettings    Resource = "settings"
	ResourceAuditLogs   Resource = "audit_logs"
)

// Resources lists every known resource.
func Resources() []Resource {
	return []Resource{
		ResourceDashboard, ResourceMembers, ResourceVaults, ResourceWithdrawals,
		ResourceDeposits, ResourceCompliance, ResourceReports, ResourceAdminUsers,
		ResourceSettings, ResourceAuditLogs,
	}
}

// =============================================================================
// ACTIONS
// =============================================================================

// Action is an operation performed on a Resource.
type Action string

const (
	ActionRead     Action = "READ"
	ActionCreate   Action = "CREATE"
	ActionUpdate   Action = "UPDATE"
	ActionDelete   Action = "DELETE"
	ActionApprove  Action = "APPROVE"
	ActionReject   Action = "REJECT"
	ActionSuspend  Action = "SUSPEND"
	ActionActivate Action = "ACTIVATE"
)

// allActions is in canonical order; bit i of an ActionSet is allActions[i].
var allActions = []Action{
	ActionRead, ActionCreate, ActionUpdate, ActionDelete,
	ActionApprove, ActionReject, ActionSuspend, ActionActivate,
}

// Actions lists every known action in canonical order.
func Actions() []Action {
	out := make([]Action, len(allActions))
	copy(out, allActions)
	return out
}

// ActionSet is a bit mask of actions.
type ActionSet uint16

// NoActions is the empty set.
const NoActions ActionSet = 0

func (a Action) bit() ActionSet {
	for i, known := range allActions {
		if known == a {
			return 1 << uint(i)
		}
	}
	return 0
}

// SetOf builds a set from actions. Unknown actions are dropped.
func SetOf(actions ...Action) ActionSet {
	var s ActionSet
	for _, a := range actions {
		s |= a.bit()
	}
	return s
}

// AllActionSet contains every known action.
func AllActionSet() ActionSet {
	return SetOf(allActions...)
}

// Has reports whether the set contains a. Unknown actions are never contained.
func (s ActionSet) Has(a Action) bool {
	b := a.bit()
	return b != 0 && s&b == b
}

// Empty reports whether the set has no actions.
func (s ActionSet) Empty() bool { return s == 0 }

// List returns the actions in canonical order.
func (s ActionSet) List() []Action {
	out := make([]Action, 0, len(allActions))
	for _, a := range allActions {
		if s.Has(a) {
			out = append(out, a)
		}
	}
	return out
}

// String renders the set as "READ|UPDATE".
func (s ActionSet) String() string {
	names := make([]string, 0, len(allActions))
	for _, a := range s.List() {
		names = append(names, string(a))
	}
	return strings.Join(names, "|")
}

// =============================================================================
// USERS
// =============================================================================

// ResourceAction grants a set of actions on one resource.
type ResourceAction struct {
	Resource Resource `json:"resource"`
	Actions  []Action `json:"actions"`
}

// AdminUser is the administrator being evaluated. It is owned by the
// admin-management flow; this package only reads it.
type AdminUser struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Email       string           `json:"email,omitempty"`
	Role        Role             `json:"role"`
	Permissions []ResourceAction `json:"permissions,omitempty"`
}

// override returns the user's override for resource, if any.
// When the same resource appears more than once the last entry wins.
func (u AdminUser) override(resource Resource) (ActionSet, bool) {
	var (
		set   ActionSet
		found bool
	)
	for _, p := range u.Permissions {
		if p.Resource == resource {
			set = SetOf(p.Actions...)
			found = true
		}
	}
	return set, found
}
