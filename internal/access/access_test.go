// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSuperAdminBypassesTable(t *testing.T) {
	user := AdminUser{ID: "u1", Role: RoleSuperAdmin}
	for _, res := range Resources() {
		for _, act := range Actions() {
			require.True(t, HasPermission(user, res, act), "%s %s", res, act)
		}
	}
	// Even an unlisted resource is allowed.
	require.True(t, HasPermission(user, Resource("treasury"), ActionApprove))
	require.Equal(t, Actions(), GetAllowedActions(user, ResourceSettings))
}

func TestSuperAdminIgnoresNarrowingOverride(t *testing.T) {
	user := AdminUser{
		Role:        RoleSuperAdmin,
		Permissions: []ResourceAction{{Resource: ResourceVaults, Actions: []Action{ActionRead}}},
	}
	require.True(t, HasPermission(user, ResourceVaults, ActionDelete))
}

func TestRoleDefaults(t *testing.T) {
	ops := AdminUser{Role: RoleOperations}
	require.True(t, HasPermission(ops, ResourceWithdrawals, ActionApprove))
	require.False(t, HasPermission(ops, ResourceWithdrawals, ActionDelete))

	viewer := AdminUser{Role: RoleViewer}
	require.True(t, HasPermission(viewer, ResourceVaults, ActionRead))
	require.False(t, HasPermission(viewer, ResourceVaults, ActionUpdate))
}

func TestOverrideReplacesRoleDefault(t *testing.T) {
	// Narrowing: operations normally approves withdrawals.
	narrowed := AdminUser{
		Role:        RoleOperations,
		Permissions: []ResourceAction{{Resource: ResourceWithdrawals, Actions: []Action{ActionRead}}},
	}
	require.Equal(t, []Action{ActionRead}, GetAllowedActions(narrowed, ResourceWithdrawals))
	require.False(t, HasPermission(narrowed, ResourceWithdrawals, ActionApprove))

	// Widening: viewer gets update on members and nothing else is unioned in.
	widened := AdminUser{
		Role:        RoleViewer,
		Permissions: []ResourceAction{{Resource: ResourceMembers, Actions: []Action{ActionUpdate}}},
	}
	require.Equal(t, []Action{ActionUpdate}, GetAllowedActions(widened, ResourceMembers))
	require.False(t, HasPermission(widened, ResourceMembers, ActionRead))

	// Other resources still follow the role.
	require.True(t, HasPermission(widened, ResourceVaults, ActionRead))
}

func TestOverrideGrantsResourceAbsentFromRole(t *testing.T) {
	user := AdminUser{
		Role:        RoleSupport,
		Permissions: []ResourceAction{{Resource: ResourceSettings, Actions: []Action{ActionRead, ActionUpdate}}},
	}
	require.True(t, HasPermission(user, ResourceSettings, ActionUpdate))
	require.False(t, HasPermission(user, ResourceSettings, ActionDelete))
}

func TestDefaultDeny(t *testing.T) {
	for _, role := range []Role{RoleOperations, RoleCompliance, RoleSupport, RoleViewer} {
		user := AdminUser{Role: role}
		for _, res := range Resources() {
			if _, ok := defaultTable.Lookup(role, res); ok {
				continue
			}
			for _, act := range Actions() {
				require.False(t, HasPermission(user, res, act), "%s %s %s", role, res, act)
			}
			require.Empty(t, GetAllowedActions(user, res))
		}
	}

	viewer := AdminUser{Role: RoleViewer}
	require.False(t, HasPermission(viewer, Resource("unknown"), ActionRead))
	require.False(t, HasPermission(viewer, ResourceVaults, Action("PURGE")))

	ghost := AdminUser{Role: Role("GHOST")}
	require.False(t, HasPermission(ghost, ResourceDashboard, ActionRead))
}

func TestCombinators(t *testing.T) {
	user := AdminUser{Role: RoleCompliance}
	require.True(t, HasAllPermissions(user, ResourceCompliance, ActionRead, ActionApprove))
	require.False(t, HasAllPermissions(user, ResourceCompliance, ActionRead, ActionDelete))
	require.True(t, HasAnyPermission(user, ResourceCompliance, ActionDelete, ActionReject))
	require.False(t, HasAnyPermission(user, ResourceVaults, ActionRead, ActionUpdate))

	require.True(t, HasAllPermissions(user, ResourceVaults))
	require.False(t, HasAnyPermission(user, ResourceVaults))
}

func TestActionSet(t *testing.T) {
	s := SetOf(ActionUpdate, ActionRead, Action("BOGUS"))
	require.Equal(t, []Action{ActionRead, ActionUpdate}, s.List())
	require.Equal(t, "READ|UPDATE", s.String())
	require.False(t, s.Has(Action("BOGUS")))
	require.True(t, NoActions.Empty())
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultTable().Validate())

	bad := PermissionTable{RoleViewer: {ResourceVaults: NoActions}}
	require.True(t, errors.Is(bad.Validate(), ErrEmptyActions))

	require.True(t, errors.Is(ValidateUser(AdminUser{Role: "x"}), ErrUnknownRole))
	require.True(t, errors.Is(ValidateUser(AdminUser{
		Role:        RoleViewer,
		Permissions: []ResourceAction{{Resource: ResourceVaults}},
	}), ErrEmptyActions))

	r, err := ParseRole(" compliance ")
	require.NoError(t, err)
	require.Equal(t, RoleCompliance, r)
	_, err = ParseRole("root")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestEvaluatorCustomTableAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ev := NewEvaluator(
		WithTable(PermissionTable{RoleSupport: {ResourceReports: SetOf(ActionRead)}}),
		WithRegisterer(reg),
	)

	user := AdminUser{ID: "s1", Role: RoleSupport}
	require.True(t, ev.HasPermission(user, ResourceReports, ActionRead))
	require.False(t, ev.HasPermission(user, ResourceMembers, ActionRead))
	require.False(t, ev.HasPermission(user, ResourceReports, ActionCreate))

	require.Equal(t, 1.0, testutil.ToFloat64(ev.Decisions().WithLabelValues("reports", "READ", "allow")))
	require.Equal(t, 1.0, testutil.ToFloat64(ev.Decisions().WithLabelValues("members", "READ", "deny")))
	require.Equal(t, []Action{ActionRead}, ev.GetAllowedActions(user, ResourceReports))
}

func TestEvaluatorConcurrentChecks(t *testing.T) {
	ev := NewEvaluator()
	user := AdminUser{Role: RoleOperations}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, ev.HasPermission(user, ResourceVaults, ActionRead))
			require.False(t, ev.HasPermission(user, ResourceVaults, ActionDelete))
		}()
	}
	wg.Wait()
	require.Equal(t, 50.0, testutil.ToFloat64(ev.Decisions().WithLabelValues("vaults", "DELETE", "deny")))
}

func TestRequirePermissionMiddleware(t *testing.T) {
	ev := NewEvaluator()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			switch req.Header.Get("X-Role") {
			case "":
				next.ServeHTTP(w, req)
			default:
				u := AdminUser{ID: "a", Role: Role(req.Header.Get("X-Role"))}
				next.ServeHTTP(w, req.WithContext(WithUser(req.Context(), u)))
			}
		})
	})
	r.With(ev.RequirePermission(ResourceWithdrawals, ActionApprove)).
		Post("/withdrawals/{id}/approve", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

	cases := []struct {
		role string
		want int
	}{
		{"", http.StatusUnauthorized},
		{"VIEWER", http.StatusForbidden},
		{"OPERATIONS", http.StatusNoContent},
		{"SUPER_ADMIN", http.StatusNoContent},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/withdrawals/w1/approve", nil)
		if tc.role != "" {
			req.Header.Set("X-Role", tc.role)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		require.Equal(t, tc.want, rec.Code, "role %q", tc.role)
		if tc.want == http.StatusForbidden {
			require.JSONEq(t, `{"error":"not permitted"}`, rec.Body.String())
		}
	}
}
