package signer

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// Key generation at 4096 bits is expensive, so all tests share one pair.
var (
	keyOnce  sync.Once
	testPriv string
	testPub  string
)

func testKeys(t *testing.T) (string, string) {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		testPriv, testPub, err = GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
	})
	return testPriv, testPub
}

func testCredential() *model.Credential {
	exp := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	return &model.Credential{
		ID:             "5f0c31a2-9c1e-4a25-b7b3-0a39cf7f1f01",
		LicenseKey:     "ABCDE-FGHJK-LMNPQ-RSTUV",
		CustomerName:   "Acme Tooling GmbH",
		CustomerEmail:  "ops@acme.example",
		TypeSlug:       "PRO-ANNUAL",
		Reference:      "order-4412",
		CreationDate:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ExpirationDate: &exp,
		HardwareID:     "9A7F3C11D2E8",
		Features:       map[string]string{"maxProjects": "25", "telemetry": "false"},
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv, pub := testKeys(t)
	cred := testCredential()

	blob, err := Sign(cred, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if cred.Signature == "" {
		t.Fatal("Sign did not embed a signature")
	}

	res := Verify(blob, pub, "9a7f3c11d2e8", time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	if !res.Valid {
		t.Fatalf("Verify failed: reason=%s err=%v", res.Reason, res.Err)
	}
	got := res.Credential
	if got.LicenseKey != cred.LicenseKey || got.CustomerEmail != cred.CustomerEmail ||
		got.TypeSlug != cred.TypeSlug || got.HardwareID != cred.HardwareID {
		t.Errorf("round-trip mismatch: got %+v want %+v", got, cred)
	}
	if got.Features["maxProjects"] != "25" {
		t.Errorf("features not preserved: %v", got.Features)
	}
	if got.Signature != cred.Signature {
		t.Errorf("embedded signature differs after round-trip")
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	priv, pub := testKeys(t)
	blob, err := Sign(testCredential(), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	payload, _ := base64.StdEncoding.DecodeString(blob)
	tampered := bytes.Replace(payload, []byte("Acme"), []byte("Bcme"), 1)
	if bytes.Equal(payload, tampered) {
		t.Fatal("test setup: replacement did not change payload")
	}

	res := Verify(base64.StdEncoding.EncodeToString(tampered), pub, "", time.Now().UTC())
	if res.Valid {
		t.Fatal("tampered credential verified as valid")
	}
	if res.Reason != ReasonTampered {
		t.Errorf("reason = %s, want %s", res.Reason, ReasonTampered)
	}
}

func TestVerifyUnsigned(t *testing.T) {
	_, pub := testKeys(t)
	cred := testCredential()
	payload, _ := json.Marshal(cred) // Signature empty
	res := Verify(base64.StdEncoding.EncodeToString(payload), pub, "", time.Now().UTC())
	if res.Valid || res.Reason != ReasonUnsigned {
		t.Errorf("got valid=%v reason=%s, want unsigned", res.Valid, res.Reason)
	}
}

func TestVerifyFormatErrors(t *testing.T) {
	_, pub := testKeys(t)

	for name, blob := range map[string]string{
		"not base64": "!!!not-base64!!!",
		"not json":   base64.StdEncoding.EncodeToString([]byte("plain text")),
	} {
		t.Run(name, func(t *testing.T) {
			res := Verify(blob, pub, "", time.Now().UTC())
			if res.Valid || res.Reason != ReasonFormat {
				t.Errorf("got valid=%v reason=%s, want format_error", res.Valid, res.Reason)
			}
		})
	}
}

func TestVerifyExpired(t *testing.T) {
	priv, pub := testKeys(t)
	cred := testCredential()
	exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cred.ExpirationDate = &exp

	blob, err := Sign(cred, priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	res := Verify(blob, pub, "", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	if res.Valid || res.Reason != ReasonExpired {
		t.Errorf("got valid=%v reason=%s, want expired", res.Valid, res.Reason)
	}

	// Same blob is fine just before the deadline.
	res = Verify(blob, pub, "", time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC))
	if !res.Valid {
		t.Errorf("credential rejected before expiry: reason=%s", res.Reason)
	}
}

func TestVerifyHardwareBinding(t *testing.T) {
	priv, pub := testKeys(t)
	blob, err := Sign(testCredential(), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	if res := Verify(blob, pub, "DIFFERENT-BOX", now); res.Valid || res.Reason != ReasonHardwareMismatch {
		t.Errorf("got valid=%v reason=%s, want hardware_mismatch", res.Valid, res.Reason)
	}
	// Case differences are not a mismatch.
	if res := Verify(blob, pub, "9a7F3c11D2E8", now); !res.Valid {
		t.Errorf("case-insensitive match rejected: reason=%s", res.Reason)
	}
	// Empty caller hardware id skips the binding check.
	if res := Verify(blob, pub, "", now); !res.Valid {
		t.Errorf("empty hardware id should skip binding: reason=%s", res.Reason)
	}
}

func TestVerifyWrongKey(t *testing.T) {
	priv, _ := testKeys(t)
	otherPriv, otherPub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_ = otherPriv

	blob, err := Sign(testCredential(), priv)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	res := Verify(blob, otherPub, "", time.Now().UTC())
	if res.Valid || res.Reason != ReasonTampered {
		t.Errorf("got valid=%v reason=%s, want tampered", res.Valid, res.Reason)
	}
}

func TestGenerateKeyPairPEMShape(t *testing.T) {
	priv, pub := testKeys(t)
	if !strings.Contains(priv, "RSA PRIVATE KEY") {
		t.Errorf("private key not PKCS#1 PEM: %.40s", priv)
	}
	if !strings.Contains(pub, "PUBLIC KEY") {
		t.Errorf("public key not PEM: %.40s", pub)
	}
}
