// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts management tokens from HTTP requests.
package auth

import (
	"net/http"
	"net/url"
	"strings"
)

type Credentials struct {
	Tokens []string
}

func NewCredentials(tokens ...string) *Credentials {
	return &Credentials{Tokens: tokens}
}

// CredentialsFromRequest returns the tokens supplied with an HTTP
// request.
func CredentialsFromRequest(r *http.Request) *Credentials {
	c := NewCredentials()
	c.LoadTokensFromHTTPRequest(r)
	return c
}

// LoadTokensFromHTTPRequest loads tokens from the Authorization
// header ("Bearer ..." or "OAuth2 ...") and the api_token query
// parameter.
func (a *Credentials) LoadTokensFromHTTPRequest(r *http.Request) {
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && (toks[0] == "OAuth2" || toks[0] == "Bearer") {
		a.Tokens = append(a.Tokens, strings.TrimSpace(toks[1]))
	}
	qvalues, _ := url.ParseQuery(r.URL.RawQuery)
	for _, token := range qvalues["api_token"] {
		a.Tokens = append(a.Tokens, strings.TrimSpace(token))
	}
}
