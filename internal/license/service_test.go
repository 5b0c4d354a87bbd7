package license

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/signer"
	"github.com/keygatehq/keygate/internal/store"
)

var (
	keysOnce sync.Once
	privPEM  string
	pubPEM   string
	keysErr  error
)

// testKeys generates one 4096-bit pair for the whole package; per-test
// generation would dominate the suite's runtime.
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

type env struct {
	svc     *Service
	store   *store.Store
	product *model.Product
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.New("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	priv, pub := testKeys(t)
	p := &model.Product{
		ID:            uuid.NewString(),
		Name:          "Acme Studio",
		PrivateKey:    priv,
		PublicKey:     pub,
		APISecretHash: store.HashSecret(uuid.NewString()),
	}
	if err := st.CreateProduct(context.Background(), p); err != nil {
		t.Fatalf("seed product: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &env{
		svc:     NewService(st, notify.Discard{}, logger),
		store:   st,
		product: p,
	}
}

func (e *env) addType(t *testing.T, slug string, days int, recurring bool, versions string, seats int) *model.LicenseType {
	t.Helper()
	lt := &model.LicenseType{
		ProductID:              e.product.ID,
		Slug:                   slug,
		DefaultDurationDays:    days,
		IsRecurring:            recurring,
		DefaultAllowedVersions: versions,
		DefaultMaxSeats:        seats,
		Features:               model.Features{"maxProjects": "10"},
	}
	if err := e.store.CreateLicenseType(context.Background(), lt); err != nil {
		t.Fatalf("seed license type %q: %v", slug, err)
	}
	return lt
}

func (e *env) addLicense(t *testing.T, lt *model.LicenseType, key string, mutate func(*model.License)) *model.License {
	t.Helper()
	now := time.Now().UTC()
	exp := now.AddDate(0, 0, lt.DefaultDurationDays)
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
		AllowedVersions: lt.DefaultAllowedVersions,
		MaxSeats:        lt.DefaultMaxSeats,
	}
	if mutate != nil {
		mutate(l)
	}
	if err := e.store.CreateLicense(context.Background(), l); err != nil {
		t.Fatalf("seed license %q: %v", key, err)
	}
	return l
}

func TestActivateSeatLimitAndRecovery(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 1)
	e.addLicense(t, lt, "PRO-KEY-1", nil)
	ctx := context.Background()

	res, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "PRO-KEY-1", HardwareID: "PC-1", AppVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("first activation: %v", err)
	}
	if res.Recovered {
		t.Fatal("first activation flagged as recovery")
	}

	_, err = e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "PRO-KEY-1", HardwareID: "PC-2", AppVersion: "1.0.0",
	})
	if model.KindOf(err) != model.KindPolicy {
		t.Fatalf("second hardware: err = %v, want policy (seat limit)", err)
	}

	res, err = e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "PRO-KEY-1", HardwareID: "PC-1", AppVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("re-activation: %v", err)
	}
	if !res.Recovered {
		t.Fatal("re-activation on the same hardware not treated as recovery")
	}
	if res.License.RecoveryCount != 1 {
		t.Fatalf("recovery count = %d, want 1", res.License.RecoveryCount)
	}
}

func TestActivateVersionMask(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "1.*", 3)
	e.addLicense(t, lt, "VER-KEY", nil)
	ctx := context.Background()

	_, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "VER-KEY", HardwareID: "PC-1", AppVersion: "2.0.0",
	})
	if model.KindOf(err) != model.KindPolicy {
		t.Fatalf("2.0.0 under mask 1.*: err = %v, want policy", err)
	}

	if _, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "VER-KEY", HardwareID: "PC-1", AppVersion: "1.2.3",
	}); err != nil {
		t.Fatalf("1.2.3 under mask 1.*: %v", err)
	}
}

func TestActivateRejections(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 1)
	past := time.Now().UTC().AddDate(0, 0, -1)
	e.addLicense(t, lt, "DEAD-KEY", func(l *model.License) {
		l.IsActive = false
		l.RevocationReason = "chargeback"
	})
	e.addLicense(t, lt, "OLD-KEY", func(l *model.License) {
		l.ExpirationDate = &past
	})
	ctx := context.Background()

	_, err := e.svc.Activate(ctx, e.product, ActivateRequest{LicenseKey: "NOPE", HardwareID: "PC-1"})
	if model.KindOf(err) != model.KindNotFound {
		t.Errorf("unknown key: kind = %v, want not found", model.KindOf(err))
	}
	_, err = e.svc.Activate(ctx, e.product, ActivateRequest{LicenseKey: "DEAD-KEY", HardwareID: "PC-1"})
	if model.KindOf(err) != model.KindPolicy {
		t.Errorf("revoked: kind = %v, want policy", model.KindOf(err))
	}
	_, err = e.svc.Activate(ctx, e.product, ActivateRequest{LicenseKey: "OLD-KEY", HardwareID: "PC-1"})
	if model.KindOf(err) != model.KindPolicy {
		t.Errorf("expired: kind = %v, want policy", model.KindOf(err))
	}
	_, err = e.svc.Activate(ctx, e.product, ActivateRequest{LicenseKey: "OLD-KEY", HardwareID: ""})
	if model.KindOf(err) != model.KindValidation {
		t.Errorf("empty hardware id: kind = %v, want validation", model.KindOf(err))
	}
}

func TestActivateIssuesVerifiableCredential(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 2)
	e.addLicense(t, lt, "CRED-KEY", nil)

	res, err := e.svc.Activate(context.Background(), e.product, ActivateRequest{
		LicenseKey: "CRED-KEY", HardwareID: "pc-7", AppVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}

	v := signer.Verify(res.Credential, e.product.PublicKey, "PC-7", time.Now().UTC())
	if !v.Valid {
		t.Fatalf("issued credential does not verify: reason %s err %v", v.Reason, v.Err)
	}
	if v.Credential.LicenseKey != "CRED-KEY" {
		t.Errorf("credential key = %q", v.Credential.LicenseKey)
	}
	if v.Credential.TypeSlug != "PRO" {
		t.Errorf("credential slug = %q", v.Credential.TypeSlug)
	}
	if v.Credential.HardwareID != "PC-7" {
		t.Errorf("credential hardware = %q, want normalized PC-7", v.Credential.HardwareID)
	}
	if got := v.Credential.Features["maxProjects"]; got != "10" {
		t.Errorf("credential features = %v", v.Credential.Features)
	}
}

func TestActivateFirstSeatFillsLegacyHardware(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 3)
	lic := e.addLicense(t, lt, "LEGACY-KEY", nil)
	ctx := context.Background()

	if _, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "LEGACY-KEY", HardwareID: "first-hw",
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ := e.store.GetLicenseByID(ctx, lic.ID)
	if got.HardwareID != "FIRST-HW" {
		t.Fatalf("legacy hardware = %q, want FIRST-HW", got.HardwareID)
	}

	// A second seat must not steal the legacy binding.
	if _, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "LEGACY-KEY", HardwareID: "second-hw",
	}); err != nil {
		t.Fatalf("second activate: %v", err)
	}
	got, _ = e.store.GetLicenseByID(ctx, lic.ID)
	if got.HardwareID != "FIRST-HW" {
		t.Fatalf("legacy hardware moved to %q", got.HardwareID)
	}
}

func TestRequestTrialCreatesThenReturnsSameLicense(t *testing.T) {
	e := newEnv(t)
	e.addType(t, "TRIAL", 14, false, "*", 1)
	ctx := context.Background()

	first, err := e.svc.RequestTrial(ctx, e.product, TrialRequest{TypeSlug: "TRIAL", HardwareID: "HW-X"})
	if err != nil {
		t.Fatalf("first trial: %v", err)
	}
	if first.License.ExpirationDate == nil {
		t.Fatal("trial license has no expiration")
	}
	days := int(time.Until(*first.License.ExpirationDate).Hours() / 24)
	if days < 13 || days > 14 {
		t.Fatalf("trial expiration %v not ~14 days out", first.License.ExpirationDate)
	}

	second, err := e.svc.RequestTrial(ctx, e.product, TrialRequest{TypeSlug: "TRIAL", HardwareID: "HW-X"})
	if err != nil {
		t.Fatalf("second trial: %v", err)
	}
	if second.License.LicenseKey != first.License.LicenseKey {
		t.Fatalf("second request issued a new key %q, want %q",
			second.License.LicenseKey, first.License.LicenseKey)
	}
}

func TestRequestTrialRevokedHardware(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "TRIAL", 14, false, "*", 1)
	e.addLicense(t, lt, "REVOKED-TRIAL", func(l *model.License) {
		l.IsActive = false
		l.HardwareID = "HW-BAD"
	})

	_, err := e.svc.RequestTrial(context.Background(), e.product, TrialRequest{
		TypeSlug: "TRIAL", HardwareID: "HW-BAD",
	})
	if model.KindOf(err) != model.KindPolicy {
		t.Fatalf("revoked hardware trial: err = %v, want policy", err)
	}
}

func TestRequestTrialCommunityAutoRenew(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "ACME-COMMUNITY", 30, true, "*", 1)
	past := time.Now().UTC().AddDate(0, 0, -3)
	e.addLicense(t, lt, "COMM-KEY", func(l *model.License) {
		l.ExpirationDate = &past
		l.HardwareID = "HW-COMM"
	})

	res, err := e.svc.RequestTrial(context.Background(), e.product, TrialRequest{
		TypeSlug: "ACME-COMMUNITY", HardwareID: "HW-COMM",
	})
	if err != nil {
		t.Fatalf("community renewal: %v", err)
	}
	if res.License.LicenseKey != "COMM-KEY" {
		t.Fatalf("new license issued instead of renewing: %q", res.License.LicenseKey)
	}
	if res.License.ExpirationDate == nil || !res.License.ExpirationDate.After(time.Now().UTC()) {
		t.Fatalf("expiration not extended: %v", res.License.ExpirationDate)
	}
}

func TestRequestTrialExpiredDifferentTypeCreatesNew(t *testing.T) {
	e := newEnv(t)
	trial := e.addType(t, "TRIAL", 14, false, "*", 1)
	e.addType(t, "ACME-COMMUNITY", 30, true, "*", 1)
	past := time.Now().UTC().AddDate(0, 0, -10)
	e.addLicense(t, trial, "SPENT-TRIAL", func(l *model.License) {
		l.ExpirationDate = &past
		l.HardwareID = "HW-CONV"
	})

	res, err := e.svc.RequestTrial(context.Background(), e.product, TrialRequest{
		TypeSlug: "ACME-COMMUNITY", HardwareID: "HW-CONV",
	})
	if err != nil {
		t.Fatalf("conversion: %v", err)
	}
	if res.License.LicenseKey == "SPENT-TRIAL" {
		t.Fatal("expired trial returned instead of a fresh community license")
	}
	lt, _ := e.store.GetLicenseTypeByID(context.Background(), res.License.LicenseTypeID)
	if lt.Slug != "ACME-COMMUNITY" {
		t.Fatalf("new license type = %q", lt.Slug)
	}
}

func TestCheckStatusPrecedence(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 2)
	past := time.Now().UTC().AddDate(0, 0, -1)
	ctx := context.Background()

	e.addLicense(t, lt, "ST-REVOKED", func(l *model.License) {
		l.IsActive = false
		l.HardwareID = "HW-1"
	})
	e.addLicense(t, lt, "ST-EXPIRED", func(l *model.License) {
		l.ExpirationDate = &past
		l.HardwareID = "HW-1"
	})
	e.addLicense(t, lt, "ST-FRESH", nil)
	e.addLicense(t, lt, "ST-BOUND", func(l *model.License) {
		l.HardwareID = "HW-1"
	})

	cases := []struct {
		key, hw string
		want    model.LicenseStatus
	}{
		{"ST-REVOKED", "HW-1", model.StatusRevoked},
		{"ST-EXPIRED", "HW-1", model.StatusExpired},
		{"ST-FRESH", "HW-1", model.StatusRequiresActivation},
		{"ST-BOUND", "HW-2", model.StatusHardwareMismatch},
		{"ST-BOUND", "hw-1", model.StatusValid},
	}
	for _, tc := range cases {
		got, err := e.svc.CheckStatus(ctx, e.product, tc.key, tc.hw)
		if err != nil {
			t.Errorf("CheckStatus(%s, %s): %v", tc.key, tc.hw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("CheckStatus(%s, %s) = %s, want %s", tc.key, tc.hw, got, tc.want)
		}
	}

	if _, err := e.svc.CheckStatus(ctx, e.product, "ST-MISSING", "HW-1"); model.KindOf(err) != model.KindNotFound {
		t.Errorf("missing key: err = %v, want not found", err)
	}
}

func TestCheckStatusSeatBound(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 2)
	e.addLicense(t, lt, "SEAT-KEY", nil)
	ctx := context.Background()

	if _, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "SEAT-KEY", HardwareID: "HW-A",
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	got, err := e.svc.CheckStatus(ctx, e.product, "SEAT-KEY", "HW-A")
	if err != nil || got != model.StatusValid {
		t.Fatalf("bound hardware status = %s (%v), want Valid", got, err)
	}
	got, err = e.svc.CheckStatus(ctx, e.product, "SEAT-KEY", "HW-B")
	if err != nil || got != model.StatusHardwareMismatch {
		t.Fatalf("other hardware status = %s (%v), want HardwareMismatch", got, err)
	}
}

func TestDeactivate(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PRO", 365, false, "*", 1)
	e.addLicense(t, lt, "DE-KEY", nil)
	ctx := context.Background()

	if _, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "DE-KEY", HardwareID: "HW-GONE",
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := e.svc.Deactivate(ctx, e.product, "DE-KEY", "HW-GONE"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if err := e.svc.Deactivate(ctx, e.product, "DE-KEY", "HW-GONE"); model.KindOf(err) != model.KindNotFound {
		t.Fatalf("second deactivate: err = %v, want not found", err)
	}

	// The freed seat can be taken by different hardware now.
	if _, err := e.svc.Activate(ctx, e.product, ActivateRequest{
		LicenseKey: "DE-KEY", HardwareID: "HW-NEXT",
	}); err != nil {
		t.Fatalf("re-activate after deactivate: %v", err)
	}
}

func TestRenewIdempotency(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "SUB", 30, true, "*", 1)
	lic := e.addLicense(t, lt, "SUB-KEY", nil)
	ctx := context.Background()

	exp1, err := e.svc.Renew(ctx, e.product, "SUB-KEY", "txn-001", "invoice-9")
	if err != nil {
		t.Fatalf("first renew: %v", err)
	}
	want := lic.ExpirationDate.AddDate(0, 0, 30)
	if !exp1.Equal(want) {
		t.Fatalf("new expiration = %v, want %v", exp1, want)
	}

	if _, err := e.svc.Renew(ctx, e.product, "SUB-KEY", "txn-001", "invoice-9"); model.KindOf(err) != model.KindConflict {
		t.Fatalf("replayed transaction: err = %v, want conflict", err)
	}
	got, _ := e.store.GetLicenseByID(ctx, lic.ID)
	if !got.ExpirationDate.Equal(exp1) {
		t.Fatalf("expiration moved on replay: %v", got.ExpirationDate)
	}
}

func TestRenewLapsedReactivates(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "SUB", 30, true, "*", 1)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.AddDate(0, 0, -60)
	lic := e.addLicense(t, lt, "LAPSED-KEY", func(l *model.License) {
		l.ExpirationDate = &past
		l.IsActive = false
	})
	ctx := context.Background()

	e.svc.now = func() time.Time { return now }

	exp, err := e.svc.Renew(ctx, e.product, "LAPSED-KEY", "txn-re", "")
	if err != nil {
		t.Fatalf("renew lapsed: %v", err)
	}
	// Lapsed licenses extend from now, not from the stale expiration.
	if want := now.AddDate(0, 0, 30); !exp.Equal(want) {
		t.Fatalf("expiration = %v, want %v", exp, want)
	}
	got, _ := e.store.GetLicenseByID(ctx, lic.ID)
	if !got.IsActive {
		t.Fatal("license not reactivated by renewal")
	}
}

func TestRenewRevokedRejected(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "SUB", 30, true, "*", 1)
	lic := e.addLicense(t, lt, "REV-KEY", nil)
	ctx := context.Background()

	if err := e.store.RevokeLicense(ctx, lic.ID, "credential leak", "fraud-detector", time.Now().UTC()); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	// A payment does not overturn a revocation.
	if _, err := e.svc.Renew(ctx, e.product, "REV-KEY", "txn-rev", ""); model.KindOf(err) != model.KindPolicy {
		t.Fatalf("renew revoked: err = %v, want policy", err)
	}
	got, _ := e.store.GetLicenseByID(ctx, lic.ID)
	if got.IsActive || got.RevocationReason == "" {
		t.Fatalf("revocation disturbed: active=%v reason=%q", got.IsActive, got.RevocationReason)
	}
}

func TestRenewNonRecurringRejected(t *testing.T) {
	e := newEnv(t)
	lt := e.addType(t, "PERPETUAL", 0, false, "*", 1)
	e.addLicense(t, lt, "ONE-KEY", func(l *model.License) { l.ExpirationDate = nil })

	_, err := e.svc.Renew(context.Background(), e.product, "ONE-KEY", "txn-x", "")
	if model.KindOf(err) != model.KindPolicy {
		t.Fatalf("non-recurring renew: err = %v, want policy", err)
	}
}
