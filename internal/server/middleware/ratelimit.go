package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per period. Uses a sliding window algorithm.
func RateLimit(requests int, period time.Duration) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requests, period)
}

// RateLimitByProduct returns an HTTP middleware that limits requests per
// product secret, so one noisy product cannot starve the others behind a
// shared NAT.
func RateLimitByProduct(requests int, period time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		requests,
		period,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return r.Header.Get(ProductSecretHeader), nil
		}),
	)
}
