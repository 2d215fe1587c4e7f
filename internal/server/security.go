package server

import "net/http"

// The service only returns JSON and media bytes, so the policy denies every
// active content type and framing.
const (
	contentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	frameOptions          = "DENY"
	referrerPolicy        = "no-referrer"
	contentTypeOptions    = "nosniff"
)

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		header.Set("Content-Security-Policy", contentSecurityPolicy)
		header.Set("X-Frame-Options", frameOptions)
		header.Set("X-Content-Type-Options", contentTypeOptions)
		header.Set("Referrer-Policy", referrerPolicy)
		next.ServeHTTP(w, r)
	})
}
