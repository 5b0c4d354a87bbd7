package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keygatehq/keygate/internal/fraud"
	"github.com/keygatehq/keygate/internal/license"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/signer"
	"github.com/keygatehq/keygate/internal/store"
	"github.com/keygatehq/keygate/internal/threat"
)

var (
	keysOnce sync.Once
	privPEM  string
	pubPEM   string
	keysErr  error
)

func testKeys(t *testing.T) (string, string) {
	t.Helper()
	keysOnce.Do(func() {
		privPEM, pubPEM, keysErr = signer.GenerateKeyPair()
	})
	if keysErr != nil {
		t.Fatalf("generate key pair: %v", keysErr)
	}
	return privPEM, pubPEM
}

type serverEnv struct {
	srv       *Server
	store     *store.Store
	product   *model.Product
	apiSecret string

	// remoteAddr is the simulated client address. Tests that trigger auth
	// failures switch it so the threat ledger does not quarantine the
	// happy-path requests that follow.
	remoteAddr string
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	st, err := store.New("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	priv, pub := testKeys(t)
	secret := "kg_" + uuid.NewString()
	p := &model.Product{
		ID:              uuid.NewString(),
		Name:            "Acme Studio",
		PrivateKey:      priv,
		PublicKey:       pub,
		APISecretHash:   store.HashSecret(secret),
		APISecretPrefix: secret[:11],
	}
	if err := st.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authSvc := service.NewAuthService(st, "test-jwt-secret")
	ledger := threat.NewLedger(st, notify.Discard{}, logger, nil)
	licSvc := license.NewService(st, notify.Discard{}, logger)
	orch := &service.Orchestrator{
		Licenses: licSvc,
		Fraud:    fraud.NewDetector(st, notify.Discard{}, logger),
		Access:   st,
		Logger:   logger,
	}

	cfg := DefaultConfig()
	srv := New(cfg, st, authSvc, orch, ledger, logger)
	return &serverEnv{srv: srv, store: st, product: p, apiSecret: secret, remoteAddr: "198.51.100.7:40000"}
}

func (e *serverEnv) seedAdmin(t *testing.T, email, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	a := &model.Admin{Email: email, PasswordHash: string(hash), Name: "Test Admin", IsActive: true}
	if err := e.store.CreateAdmin(context.Background(), a); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
}

func (e *serverEnv) seedLicense(t *testing.T, key string) {
	t.Helper()
	lt := &model.LicenseType{
		ProductID:              e.product.ID,
		Slug:                   "PRO",
		DefaultDurationDays:    365,
		DefaultAllowedVersions: "*",
		DefaultMaxSeats:        2,
		Features:               model.Features{"tier": "pro"},
	}
	if err := e.store.CreateLicenseType(context.Background(), lt); err != nil {
		t.Fatalf("seed license type: %v", err)
	}
	now := time.Now().UTC()
	exp := now.AddDate(1, 0, 0)
	l := &model.License{
		ID:              uuid.NewString(),
		LicenseKey:      key,
		ProductID:       e.product.ID,
		LicenseTypeID:   lt.ID,
		CustomerName:    "Jordan Tester",
		CustomerEmail:   "jordan@example.com",
		CreationDate:    now,
		ExpirationDate:  &exp,
		IsActive:        true,
		AllowedVersions: "*",
		MaxSeats:        2,
	}
	if err := e.store.CreateLicense(context.Background(), l); err != nil {
		t.Fatalf("seed license: %v", err)
	}
}

func (e *serverEnv) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = e.remoteAddr
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	e := newServerEnv(t)

	rec := e.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", rec.Code)
	}

	rec = e.do(t, http.MethodGet, "/readyz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz status = %d, want 200", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readyz body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("readyz status field = %v, want ok", body["status"])
	}
}

func TestOpenAPISpecServed(t *testing.T) {
	e := newServerEnv(t)

	rec := e.do(t, http.MethodGet, "/openapi.json", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("openapi.json status = %d, want 200", rec.Code)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}
	if doc["openapi"] == nil {
		t.Error("spec missing openapi version field")
	}
}

func TestLicenseEndpointsRequireProductSecret(t *testing.T) {
	e := newServerEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/license/status",
		map[string]string{"license_key": "X", "hardware_id": "hw"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status without secret = %d, want 401", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/api/v1/license/status",
		map[string]string{"license_key": "X", "hardware_id": "hw"},
		map[string]string{middleware.ProductSecretHeader: "kg_not-a-real-secret"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with bogus secret = %d, want 401", rec.Code)
	}
}

func TestActivateEndToEnd(t *testing.T) {
	e := newServerEnv(t)
	e.seedLicense(t, "AAAAA-BBBBB-CCCCC-DDDDD")

	headers := map[string]string{middleware.ProductSecretHeader: e.apiSecret}

	rec := e.do(t, http.MethodPost, "/api/v1/license/activate", map[string]string{
		"license_key": "AAAAA-BBBBB-CCCCC-DDDDD",
		"hardware_id": "HW-SRV-1",
		"app_version": "2.4.0",
	}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", rec.Code, rec.Body.String())
	}
	var actBody struct {
		Credential string `json:"credential"`
		LicenseKey string `json:"license_key"`
		Recovered  bool   `json:"recovered"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &actBody); err != nil {
		t.Fatalf("decode activate body: %v", err)
	}
	if actBody.Credential == "" {
		t.Error("activate returned empty credential")
	}
	if actBody.Recovered {
		t.Error("first activation reported as recovered")
	}

	// The credential must verify against the product's public key.
	v := signer.Verify(actBody.Credential, e.product.PublicKey, "HW-SRV-1", time.Now().UTC())
	if !v.Valid {
		t.Fatalf("verify issued credential: reason %v, err %v", v.Reason, v.Err)
	}
	if v.Credential.LicenseKey != "AAAAA-BBBBB-CCCCC-DDDDD" {
		t.Errorf("credential license key = %q", v.Credential.LicenseKey)
	}

	// Status should now report valid for the bound hardware.
	rec = e.do(t, http.MethodPost, "/api/v1/license/status", map[string]string{
		"license_key": "AAAAA-BBBBB-CCCCC-DDDDD",
		"hardware_id": "HW-SRV-1",
	}, headers)
	if rec.Code != http.StatusOK {
		t.Fatalf("status status = %d, body %s", rec.Code, rec.Body.String())
	}
	var statusBody struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &statusBody); err != nil {
		t.Fatalf("decode status body: %v", err)
	}
	if statusBody.Status != string(model.StatusValid) {
		t.Errorf("status = %q, want %q", statusBody.Status, model.StatusValid)
	}
}

func TestActivateUnknownKeyReturns404(t *testing.T) {
	e := newServerEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/license/activate", map[string]string{
		"license_key": "ZZZZZ-ZZZZZ-ZZZZZ-ZZZZZ",
		"hardware_id": "HW-SRV-1",
	}, map[string]string{middleware.ProductSecretHeader: e.apiSecret})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("activate unknown key = %d, want 404", rec.Code)
	}
}

func TestAdminSessionFlow(t *testing.T) {
	e := newServerEnv(t)
	e.seedAdmin(t, "ops@example.com", "hunter2hunter2")

	// Wrong password is rejected. Done from a throwaway address so the
	// auth-failure points do not quarantine the rest of the test.
	e.remoteAddr = "203.0.113.99:40000"
	rec := e.do(t, http.MethodPost, "/api/v1/admin/session",
		map[string]string{"email": "ops@example.com", "password": "nope"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("login wrong password = %d, want 401", rec.Code)
	}

	e.remoteAddr = "198.51.100.7:40000"
	rec = e.do(t, http.MethodPost, "/api/v1/admin/session",
		map[string]string{"email": "ops@example.com", "password": "hunter2hunter2"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login = %d, body %s", rec.Code, rec.Body.String())
	}
	var login struct {
		Token     string `json:"session_token"`
		TokenType string `json:"token_type"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode login body: %v", err)
	}
	if login.Token == "" || login.TokenType != "Bearer" {
		t.Fatalf("unexpected login payload: %+v", login)
	}

	// Admin routes reject missing and accept valid tokens.
	e.remoteAddr = "203.0.113.99:40000"
	rec = e.do(t, http.MethodGet, "/api/v1/admin/product", nil, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("product list without token = %d, want 401", rec.Code)
	}

	e.remoteAddr = "198.51.100.7:40000"
	rec = e.do(t, http.MethodGet, "/api/v1/admin/product", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if rec.Code != http.StatusOK {
		t.Fatalf("product list with token = %d, body %s", rec.Code, rec.Body.String())
	}
	var list struct {
		Meta struct {
			Count int `json:"count"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode product list: %v", err)
	}
	if list.Meta.Count != 1 {
		t.Errorf("product count = %d, want 1", list.Meta.Count)
	}
}

func TestScanPathIsScoredAndHidden(t *testing.T) {
	e := newServerEnv(t)

	rec := e.do(t, http.MethodGet, "/wp-login.php", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("scan path status = %d, want 404", rec.Code)
	}
	if got := e.srv.ledger.GetScore("198.51.100.7"); got != threat.PointsScanPattern {
		t.Errorf("score after scan path = %d, want %d", got, threat.PointsScanPattern)
	}
}
