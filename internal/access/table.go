// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRole is returned when a role name is not recognised.
	ErrUnknownRole = errors.New("access: unknown role")

	// ErrEmptyActions is returned by Validate when an entry grants nothing.
	ErrEmptyActions = errors.New("access: permission entry has no actions")
)

// PermissionTable maps role to resource to the role's default actions.
// SUPER_ADMIN never appears here; it is handled before any lookup.
type PermissionTable map[Role]map[Resource]ActionSet

// defaultTable is the built-in role matrix.
var defaultTable = PermissionTable{
	RoleOperations: {
		ResourceDashboard:   SetOf(ActionRead),
		ResourceMembers:     SetOf(ActionRead, ActionUpdate),
		ResourceVaults:      SetOf(ActionRead, ActionUpdate),
		ResourceWithdrawals: SetOf(ActionRead, ActionCreate, ActionUpdate, ActionApprove, ActionReject),
		ResourceDeposits:    SetOf(ActionRead, ActionUpdate),
		ResourceReports:     SetOf(ActionRead, ActionCreate),
		ResourceAuditLogs:   SetOf(ActionRead),
	},
	RoleCompliance: {
		ResourceDashboard:   SetOf(ActionRead),
		ResourceMembers:     SetOf(ActionRead, ActionUpdate, ActionSuspend, ActionActivate),
		ResourceWithdrawals: SetOf(ActionRead, ActionApprove, ActionReject),
		ResourceDeposits:    SetOf(ActionRead),
		ResourceCompliance:  SetOf(ActionRead, ActionCreate, ActionUpdate, ActionApprove, ActionReject),
		ResourceReports:     SetOf(ActionRead, ActionCreate),
		ResourceAuditLogs:   SetOf(ActionRead),
	},
	RoleSupport: {
		ResourceDashboard:   SetOf(ActionRead),
		ResourceMembers:     SetOf(ActionRead, ActionUpdate),
		ResourceWithdrawals: SetOf(ActionRead),
		ResourceDeposits:    SetOf(ActionRead),
		ResourceCompliance:  SetOf(ActionRead),
	},
	RoleViewer: {
		ResourceDashboard:   SetOf(ActionRead),
		ResourceMembers:     SetOf(ActionRead),
		ResourceVaults:      SetOf(ActionRead),
		ResourceWithdrawals: SetOf(ActionRead),
		ResourceDeposits:    SetOf(ActionRead),
		ResourceReports:     SetOf(ActionRead),
	},
}

// DefaultTable returns a copy of the built-in role matrix.
func DefaultTable() PermissionTable {
	return defaultTable.Clone()
}

// Clone returns a deep copy of t.
func (t PermissionTable) Clone() PermissionTable {
	out := make(PermissionTable, len(t))
	for role, resources := range t {
		inner := make(map[Resource]ActionSet, len(resources))
		for res, set := range resources {
			inner[res] = set
		}
		out[role] = inner
	}
	return out
}

// Lookup returns the role's default actions for resource.
func (t PermissionTable) Lookup(role Role, resource Resource) (ActionSet, bool) {
	resources, ok := t[role]
	if !ok {
		return NoActions, false
	}
	set, ok := resources[resource]
	return set, ok
}

// Validate checks that every role is known and no entry is empty.
func (t PermissionTable) Validate() error {
	for role, resources := range t {
		if !role.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
		for res, set := range resources {
			if set.Empty() {
				return fmt.Errorf("%w: %s/%s", ErrEmptyActions, role, res)
			}
		}
	}
	return nil
}
