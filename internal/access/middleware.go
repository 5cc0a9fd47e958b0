// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package access

import (
	"context"
	"encoding/json"
	"net/http"
)

type ctxKey struct{}

// WithUser stores the authenticated administrator in ctx.
func WithUser(ctx context.Context, user AdminUser) context.Context {
	return context.WithValue(ctx, ctxKey{}, user)
}

// UserFromContext returns the administrator stored by WithUser.
func UserFromContext(ctx context.Context) (AdminUser, bool) {
	u, ok := ctx.Value(ctxKey{}).(AdminUser)
	return u, ok
}

// RequirePermission rejects requests whose user may not perform action on
// resource. A missing user yields 401, a denial yields a generic 403.
func (e *Evaluator) RequirePermission(resource Resource, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "session expired, please log in again")
				return
			}
			if !e.HasPermission(user, resource, action) {
				writeError(w, http.StatusForbidden, "not permitted")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
