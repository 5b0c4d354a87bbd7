package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated admin.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
	// ProductKey is the context key for the authenticated product.
	ProductKey contextKeyAuth = "auth_product"
)

// ProductSecretHeader carries the per-product API secret on client requests.
const ProductSecretHeader = "X-Product-Secret"

// Principal represents the authenticated admin making the request.
type Principal struct {
	AdminID int64
	Email   string
}

// AdminAuth returns an HTTP middleware that validates the JWT Bearer token
// on admin requests. On success a Principal is attached to the request
// context; on failure a 401 JSON error is returned.
func AdminAuth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide a Bearer token.")
				return
			}
			token := strings.TrimPrefix(authHeader, "Bearer ")
			p, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			principal := &Principal{AdminID: p.AdminID, Email: p.Email}
			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProductAuth returns an HTTP middleware that resolves the calling product
// from the X-Product-Secret header. License endpoints are only reachable
// through a valid product secret; the resolved product is attached to the
// request context.
func ProductAuth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(ProductSecretHeader)
			if secret == "" {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide the "+ProductSecretHeader+" header.")
				return
			}
			p, err := authSvc.ValidateProductSecret(r.Context(), secret)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Invalid product secret")
				return
			}

			ctx := context.WithValue(r.Context(), ProductKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the authenticated admin from the context. Returns
// nil for unauthenticated requests.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// GetProduct extracts the authenticated product from the context.
func GetProduct(ctx context.Context) *model.Product {
	if p, ok := ctx.Value(ProductKey).(*model.Product); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Manually construct JSON to avoid import cycle with handler package
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	default:
		return "500"
	}
}
