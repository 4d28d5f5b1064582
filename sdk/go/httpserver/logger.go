// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"time"

	"git.arvados.org/rmcore.git/sdk/go/ctxlog"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey struct {
	name string
}

var requestTimeContextKey = contextKey{"requestTime"}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", "req-"+uuid.NewString())
		}
		h.ServeHTTP(w, req)
	})
}

// HandlerWithDeadline cancels the request context after timeout.
func HandlerWithDeadline(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LogRequests wraps an http.Handler, logging each request and
// response via logger. The request logger is attached to the
// request context and can be retrieved with ctxlog.FromContext.
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqBytes":        req.ContentLength,
		})
		ctx := context.WithValue(req.Context(), &requestTimeContextKey, time.Now())
		ctx = ctxlog.Context(ctx, lgr)
		req = req.WithContext(ctx)

		lgr.Debug("request")
		defer logResponse(w, req, lgr)
		h.ServeHTTP(w, req)
	})
}

func logResponse(w *responseWriter, req *http.Request, lgr logrus.FieldLogger) {
	if tStart, ok := req.Context().Value(&requestTimeContextKey).(time.Time); ok {
		lgr = lgr.WithField("timeTotal", time.Since(tStart).Seconds())
	}
	respCode := w.wroteStatus
	if respCode == 0 {
		respCode = http.StatusOK
	}
	lgr = lgr.WithFields(logrus.Fields{
		"respStatusCode": respCode,
		"respStatus":     http.StatusText(respCode),
		"respBytes":      w.wroteBodyBytes,
	})
	if respCode >= 500 {
		lgr.Warn("response")
	} else {
		lgr.Info("response")
	}
}

// responseWriter wraps http.ResponseWriter and records the status
// and the number of bytes sent to the client.
type responseWriter struct {
	http.ResponseWriter
	wroteStatus    int
	wroteBodyBytes int
}

func (w *responseWriter) WriteHeader(s int) {
	if w.wroteStatus == 0 {
		w.wroteStatus = s
	}
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.wroteStatus == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(data)
	w.wroteBodyBytes += n
	return n, err
}
