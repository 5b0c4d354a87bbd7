package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/keygatehq/keygate/internal/threat"
)

// scanPaths are request paths only probe bots ask for. A hit is scored
// immediately and answered 404 without touching the router.
var scanPaths = []string{
	"wp-login.php",
	"wp-admin",
	"xmlrpc.php",
	"phpmyadmin",
	"config.php",
	"admin.php",
	".env",
	".git",
	"vendor/phpunit",
	"cgi-bin",
	"shell",
}

// ThreatGate returns the middleware that enforces the per-IP threat policy:
// banned IPs get a flat 403, quarantined IPs are slowed down before their
// request runs, and the response status feeds new points back into the
// ledger. It should sit after RealIP and before routing.
func ThreatGate(ledger *threat.Ledger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			ctx := r.Context()

			if ledger.IsBanned(ctx, ip) {
				writeAuthError(w, http.StatusForbidden, "Access denied")
				return
			}

			if isScanPath(r.URL.Path) {
				ledger.ReportThreat(ctx, ip, threat.PointsScanPattern, "scan pattern")
				http.NotFound(w, r)
				return
			}

			if delay := ledger.QuarantineDelay(ip); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}

			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			switch {
			case ww.status == http.StatusUnauthorized || ww.status == http.StatusForbidden:
				ledger.ReportThreat(ctx, ip, threat.PointsAuthFailure, "authentication failure")
			case ww.status == http.StatusNotFound:
				points := threat.PointsCleanNotFound
				if ledger.GetScore(ip) > 0 {
					points = threat.PointsRepeatNotFound
				}
				ledger.ReportThreat(ctx, ip, points, "repeated not found")
			}
		})
	}
}

// clientIP extracts the bare address from RemoteAddr. Behind the RealIP
// middleware RemoteAddr is already the client address, possibly without a
// port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func isScanPath(path string) bool {
	lower := strings.ToLower(path)
	for _, p := range scanPaths {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
