package main

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// authenticate requires a bearer token when AUTH_TOKEN is configured and lets
// everything through otherwise.
func (app *application) authenticate(next http.Handler) http.Handler {
	secretToken := strings.TrimSpace(app.cfg.AuthToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secretToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			app.unauthorizedResponse(w, r, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			app.unauthorizedResponse(w, r, "Invalid Authorization header format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(secretToken)) != 1 {
			app.unauthorizedResponse(w, r, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (app *application) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		app.logger.Info("Request handled",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"uri", r.URL.RequestURI(),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}
