package license

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/store"
)

const resetCodeTTL = 15 * time.Minute

// newResetCode draws a random 6-digit numeric code.
func newResetCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// RequestReset starts the self-service hardware unlink flow: a short-lived
// code is stored on the license and handed to the notification channel for
// delivery to the customer email on file. Returns the code for trusted
// callers (CLI); the HTTP surface must never echo it to the client.
func (s *Service) RequestReset(ctx context.Context, product *model.Product, licenseKey string) (string, error) {
	l, err := s.store.GetLicenseByKey(ctx, product.ID, strings.TrimSpace(licenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return "", model.NotFoundf("license key not found")
	}
	if err != nil {
		return "", model.TransientErr("load license", err)
	}
	if strings.TrimSpace(l.CustomerEmail) == "" {
		return "", model.Policyf("no customer email on file for this license")
	}

	code, err := newResetCode()
	if err != nil {
		return "", model.CryptoErr("generate reset code", err)
	}
	now := s.now()
	if err := s.store.SetResetCode(ctx, l.ID, code, now.Add(resetCodeTTL)); err != nil {
		return "", model.TransientErr("store reset code", err)
	}
	if err := s.store.AppendHistory(ctx, l.ID, model.HistoryResetRequested, "api",
		"code sent to "+l.CustomerEmail, now); err != nil {
		s.logger.Warn("append history", "license_id", l.ID, "error", err)
	}

	s.notifier.Notify(notify.TriggerResetRequested, "License reset requested", l.LicenseKey,
		map[string]any{
			"license_key": l.LicenseKey,
			"email":       l.CustomerEmail,
			"code":        code,
			"expires_at":  now.Add(resetCodeTTL),
		})
	return code, nil
}

// ConfirmReset completes the unlink flow. The comparison is constant time.
// A correct, unexpired code clears the hardware bindings and every active
// seat; an expired code is consumed (single use) but does not reset; a
// mismatched code leaves the stored code in place for another attempt
// within the window.
func (s *Service) ConfirmReset(ctx context.Context, product *model.Product, licenseKey, code string) error {
	l, err := s.store.GetLicenseByKey(ctx, product.ID, strings.TrimSpace(licenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return model.NotFoundf("license key not found")
	}
	if err != nil {
		return model.TransientErr("load license", err)
	}
	if l.ResetCode == "" {
		return model.Policyf("no reset is pending for this license")
	}

	now := s.now()
	if l.ResetCodeExpiry == nil || l.ResetCodeExpiry.Before(now) {
		if err := s.store.ClearResetCode(ctx, l.ID); err != nil {
			s.logger.Warn("clear expired reset code", "license_id", l.ID, "error", err)
		}
		return model.Policyf("reset code has expired, request a new one")
	}
	if subtle.ConstantTimeCompare([]byte(l.ResetCode), []byte(code)) != 1 {
		return model.Policyf("reset code does not match")
	}

	unlinked, err := s.store.ResetLicense(ctx, l.ID, "api", now)
	if err != nil {
		return model.TransientErr("reset license", err)
	}
	s.logger.Info("license reset", "license_id", l.ID, "seats_unlinked", unlinked)
	return nil
}
