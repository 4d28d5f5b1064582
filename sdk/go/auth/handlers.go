// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"net/http"

	"git.arvados.org/rmcore.git/sdk/go/httpserver"
)

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// every request is rejected with 403.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			httpserver.Error(w, "management API authentication is not configured", http.StatusForbidden)
			return
		}
		c := CredentialsFromRequest(r)
		if len(c.Tokens) == 0 {
			httpserver.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range c.Tokens {
			if t == token {
				next.ServeHTTP(w, r)
				return
			}
		}
		httpserver.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
