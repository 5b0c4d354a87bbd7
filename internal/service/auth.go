// Package service composes the domain components behind the transport
// layer: admin and product authentication, and the per-request activation
// orchestration.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
)

// JWTPrincipal is the identity carried by a valid admin session token.
type JWTPrincipal struct {
	AdminID int64
	Email   string
}

// AuthService authenticates admins (email and password, then a JWT session)
// and client applications (per-product API secret).
type AuthService struct {
	store     *store.Store
	jwtSecret []byte
}

func NewAuthService(st *store.Store, jwtSecret string) *AuthService {
	return &AuthService{
		store:     st,
		jwtSecret: []byte(jwtSecret),
	}
}

// Login checks an admin's password and returns the admin record. Lookup
// failure and password mismatch collapse into the same error so the
// response does not leak which emails exist.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.Admin, error) {
	admin, err := s.store.GetAdminByEmail(ctx, email)
	if err != nil {
		// Burn a comparison anyway to keep timing uniform.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$N9qo8uLOickgx2ZMRZoMye"), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if !admin.IsActive {
		return nil, ErrAccountDisabled
	}

	// Update last login timestamp (fire and forget)
	go s.store.UpdateAdminLastLogin(context.Background(), admin.ID)

	return admin, nil
}

// ValidateProductSecret resolves the product that owns a raw API secret.
func (s *AuthService) ValidateProductSecret(ctx context.Context, rawSecret string) (*model.Product, error) {
	if rawSecret == "" {
		return nil, ErrInvalidCredentials
	}
	p, err := s.store.GetProductBySecretHash(ctx, store.HashSecret(rawSecret))
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return p, nil
}

// ValidateJWT verifies a JWT bearer token and returns the associated admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*JWTPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &JWTPrincipal{
		AdminID: claims.AdminID,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed JWT token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "keygate",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

// NewSessionSecret generates a random secret suitable for signing admin
// session tokens.
func NewSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashPassword wraps bcrypt at the default cost for admin onboarding paths.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
