package service

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/store"
)

func testAuth(t *testing.T) (*AuthService, *store.Store) {
	t.Helper()
	st, err := store.New("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewAuthService(st, "test-jwt-secret"), st
}

func seedAdmin(t *testing.T, st *store.Store, email, password string, active bool) *model.Admin {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	a := &model.Admin{Email: email, PasswordHash: string(hash), Name: "Test Admin", IsActive: active}
	if err := st.CreateAdmin(context.Background(), a); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	return a
}

func TestLogin(t *testing.T) {
	auth, st := testAuth(t)
	seedAdmin(t, st, "ops@example.com", "hunter22", true)
	ctx := context.Background()

	admin, err := auth.Login(ctx, "ops@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if admin.Email != "ops@example.com" {
		t.Errorf("admin email = %q", admin.Email)
	}

	if _, err := auth.Login(ctx, "ops@example.com", "wrong"); err != ErrInvalidCredentials {
		t.Errorf("wrong password: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := auth.Login(ctx, "ghost@example.com", "hunter22"); err != ErrInvalidCredentials {
		t.Errorf("unknown email: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginDisabledAccount(t *testing.T) {
	auth, st := testAuth(t)
	seedAdmin(t, st, "gone@example.com", "hunter22", false)

	if _, err := auth.Login(context.Background(), "gone@example.com", "hunter22"); err != ErrAccountDisabled {
		t.Fatalf("disabled account: err = %v, want ErrAccountDisabled", err)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	auth, _ := testAuth(t)
	ctx := context.Background()

	token, err := auth.IssueJWT(ctx, 42, "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	principal, err := auth.ValidateJWT(ctx, token)
	if err != nil {
		t.Fatalf("validate jwt: %v", err)
	}
	if principal.AdminID != 42 || principal.Email != "ops@example.com" {
		t.Errorf("principal = %+v", principal)
	}
}

func TestJWTExpiredAndForeign(t *testing.T) {
	auth, _ := testAuth(t)
	ctx := context.Background()

	expired, err := auth.IssueJWT(ctx, 1, "ops@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("issue jwt: %v", err)
	}
	if _, err := auth.ValidateJWT(ctx, expired); err != ErrInvalidCredentials {
		t.Errorf("expired token: err = %v, want ErrInvalidCredentials", err)
	}

	other := NewAuthService(nil, "different-secret")
	foreign, err := other.IssueJWT(ctx, 1, "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("issue foreign jwt: %v", err)
	}
	if _, err := auth.ValidateJWT(ctx, foreign); err != ErrInvalidCredentials {
		t.Errorf("foreign token: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateProductSecret(t *testing.T) {
	auth, st := testAuth(t)
	ctx := context.Background()

	secret := "pk_live_0123456789abcdef"
	p := &model.Product{
		ID:              "prod-1",
		Name:            "Acme Studio",
		APISecretHash:   store.HashSecret(secret),
		APISecretPrefix: secret[:8],
	}
	if err := st.CreateProduct(ctx, p); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	got, err := auth.ValidateProductSecret(ctx, secret)
	if err != nil {
		t.Fatalf("validate secret: %v", err)
	}
	if got.ID != "prod-1" {
		t.Errorf("product = %+v", got)
	}

	if _, err := auth.ValidateProductSecret(ctx, "pk_live_wrong"); err != ErrInvalidCredentials {
		t.Errorf("wrong secret: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := auth.ValidateProductSecret(ctx, ""); err != ErrInvalidCredentials {
		t.Errorf("empty secret: err = %v, want ErrInvalidCredentials", err)
	}
}
