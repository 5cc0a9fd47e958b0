// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import "fmt"

// grantKind tags how an action set was resolved.
type grantKind int

const (
	grantNone grantKind = iota
	grantBypass
	grantOverride
	grantRole
)

func (g grantKind) String() string {
	switch g {
	case grantBypass:
		return "bypass"
	case grantOverride:
		return "override"
	case grantRole:
		return "role"
	default:
		return "none"
	}
}

// resolve is the single place that combines role defaults with overrides.
// An override for the resource replaces the role default; it is never merged.
func resolve(table PermissionTable, user AdminUser, resource Resource) (ActionSet, grantKind) {
	if user.Role == RoleSuperAdmin {
		return AllActionSet(), grantBypass
	}
	if set, ok := user.override(resource); ok {
		return set, grantOverride
	}
	if set, ok := table.Lookup(user.Role, resource); ok {
		return set, grantRole
	}
	return NoActions, grantNone
}

// HasPermission reports whether user may perform action on resource using
// the built-in table.
func HasPermission(user AdminUser, resource Resource, action Action) bool {
	set, _ := resolve(defaultTable, user, resource)
	return set.Has(action)
}

// HasAllPermissions reports whether user may perform every action.
func HasAllPermissions(user AdminUser, resource Resource, actions ...Action) bool {
	for _, a := range actions {
		if !HasPermission(user, resource, a) {
			return false
		}
	}
	return true
}

// HasAnyPermission reports whether user may perform at least one action.
func HasAnyPermission(user AdminUser, resource Resource, actions ...Action) bool {
	for _, a := range actions {
		if HasPermission(user, resource, a) {
			return true
		}
	}
	return false
}

// GetAllowedActions returns what user may do on resource, in canonical order.
func GetAllowedActions(user AdminUser, resource Resource) []Action {
	set, _ := resolve(defaultTable, user, resource)
	return set.List()
}

// ValidateUser checks the user's role and that no override is empty.
func ValidateUser(user AdminUser) error {
	if !user.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownRole, user.Role)
	}
	for _, p := range user.Permissions {
		if SetOf(p.Actions...).Empty() {
			return fmt.Errorf("%w: override %s", ErrEmptyActions, p.Resource)
		}
	}
	return nil
}
