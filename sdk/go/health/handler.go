// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health serves authenticated health checks.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Func is a health-check function: it returns nil when healthy, an
// error when not.
type Func func() error

// Routes is a map of check name to health-check function.
type Routes map[string]Func

// Handler responds to authenticated health-check requests with JSON
// responses like {"health":"OK"} or {"health":"ERROR","error":"error
// text"}. The check name is the request path with Prefix removed.
//
// If "ping" is not listed in Routes, it always returns a healthy
// response.
type Handler struct {
	// Authentication token. If empty, all requests will return 404.
	Token  string
	Prefix string
	Routes Routes
}

var healthyBody = []byte(`{"health":"OK"}` + "\n")

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, h.Prefix)
	fn, ok := h.Routes[name]
	if !ok && name == "ping" {
		fn, ok = func() error { return nil }, true
	}
	switch ah := r.Header.Get("Authorization"); {
	case h.Token == "" || !ok:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case ah == "":
		http.Error(w, "authorization required", http.StatusUnauthorized)
	case ah != "Bearer "+h.Token:
		http.Error(w, "authorization error", http.StatusForbidden)
	default:
		w.Header().Set("Content-Type", "application/json")
		if err := fn(); err != nil {
			json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  err.Error(),
			})
		} else {
			w.Write(healthyBody)
		}
	}
}
