// Package middleware holds HTTP middleware shared by the dispatcher,
// adapted from this codebase's access-log middleware.
package middleware

import (
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// SensitiveQueryParams are query parameters redacted before a request URL
// is logged.
var SensitiveQueryParams = []string{"token", "password", "api_key", "secret"}

// SanitizedLogger logs one line per request with sensitive query
// parameters redacted.
func SanitizedLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			reqID := middleware.GetReqID(r.Context())
			log.Printf("%s %s %s %d %dB %v",
				reqID,
				r.Method,
				redactSensitiveParams(r.URL),
				ww.Status(),
				ww.BytesWritten(),
				time.Since(start),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func redactSensitiveParams(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}

	query := u.Query()
	redacted := false
	for _, param := range SensitiveQueryParams {
		if query.Has(param) {
			query.Set(param, "[REDACTED]")
			redacted = true
		}
	}
	if !redacted {
		return u.RequestURI()
	}
	return u.Path + "?" + query.Encode()
}
