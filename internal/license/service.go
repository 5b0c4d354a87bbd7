// Package license implements the license and seat lifecycle: activation
// with seat binding, trial issuance, status checks, renewals and the
// self-service hardware reset flow. Every successful activation-class call
// ends in a freshly signed credential.
package license

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/signer"
	"github.com/keygatehq/keygate/internal/store"
)

// communitySlugSuffix marks the self-renewing free tier. An expired
// recurring license of such a type is extended automatically when its
// hardware asks for the same type again.
const communitySlugSuffix = "-COMMUNITY"

// Service is the license/seat state machine. All instants come from the
// injectable clock so expiry logic is deterministic under test.
type Service struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a Service.
func NewService(st *store.Store, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ActivateRequest carries the client-supplied activation parameters.
type ActivateRequest struct {
	LicenseKey    string `json:"license_key"`
	HardwareID    string `json:"hardware_id"`
	AppVersion    string `json:"app_version"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// ActivationResult is the outcome of a successful Activate or RequestTrial.
type ActivationResult struct {
	Credential string         `json:"credential"`
	License    *model.License `json:"license"`
	Recovered  bool           `json:"recovered"`
}

// Activate binds a hardware id to a seat on an existing license and returns
// a signed credential. Re-activation on a hardware id that already holds an
// active seat is a recovery: no new seat, but the check-in time and the
// recovery counter move.
func (s *Service) Activate(ctx context.Context, product *model.Product, req ActivateRequest) (*ActivationResult, error) {
	if strings.TrimSpace(req.LicenseKey) == "" {
		return nil, model.Validationf("license key is required")
	}
	hw := model.NormalizeHardwareID(req.HardwareID)
	if hw == "" {
		return nil, model.Validationf("hardware id is required")
	}
	now := s.now()

	l, err := s.store.GetLicenseByKey(ctx, product.ID, strings.TrimSpace(req.LicenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NotFoundf("license key not found")
	}
	if err != nil {
		return nil, model.TransientErr("load license", err)
	}
	if !l.IsActive {
		return nil, model.Policyf("license has been revoked: %s", l.RevocationReason)
	}
	if l.IsExpired(now) {
		return nil, model.Policyf("license expired on %s", l.ExpirationDate.Format("2006-01-02"))
	}
	if err := CheckVersion(l.AllowedVersions, req.AppVersion); err != nil {
		return nil, err
	}

	recovered, err := s.bindSeat(ctx, l, hw, now)
	if err != nil {
		return nil, err
	}

	if req.CustomerName != "" || req.CustomerEmail != "" {
		if err := s.store.UpdateLicenseCustomer(ctx, l.ID, req.CustomerName, req.CustomerEmail); err != nil {
			s.logger.Warn("update customer info", "license_id", l.ID, "error", err)
		} else {
			if req.CustomerName != "" {
				l.CustomerName = req.CustomerName
			}
			if req.CustomerEmail != "" {
				l.CustomerEmail = req.CustomerEmail
			}
		}
	}

	blob, err := s.issueCredential(ctx, product, l, hw)
	if err != nil {
		return nil, err
	}

	action := model.HistoryActivated
	if recovered {
		action = model.HistoryRecovery
	}
	if err := s.store.AppendHistory(ctx, l.ID, action, "api", "hardware "+hw, now); err != nil {
		s.logger.Warn("append history", "license_id", l.ID, "error", err)
	}
	s.notifier.Notify(notify.TriggerLicenseActivated, "License activated", l.LicenseKey,
		map[string]any{"license_key": l.LicenseKey, "hardware_id": hw, "recovered": recovered})

	return &ActivationResult{Credential: blob, License: l, Recovered: recovered}, nil
}

// bindSeat either touches the existing seat for this hardware (recovery) or
// claims a new one under the seat cap. Reports whether it was a recovery.
func (s *Service) bindSeat(ctx context.Context, l *model.License, hw string, now time.Time) (bool, error) {
	seat, err := s.store.GetActiveSeat(ctx, l.ID, hw)
	if err == nil {
		if err := s.store.TouchSeat(ctx, seat.ID, now); err != nil {
			return false, model.TransientErr("touch seat", err)
		}
		if err := s.store.IncrementRecoveryCount(ctx, l.ID); err != nil {
			s.logger.Warn("increment recovery count", "license_id", l.ID, "error", err)
		}
		l.RecoveryCount++
		return true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return false, model.TransientErr("look up seat", err)
	}

	_, err = s.store.CreateSeatCapped(ctx, l.ID, hw, l.MaxSeats, now)
	switch {
	case errors.Is(err, store.ErrSeatLimit):
		return false, model.Policyf("seat limit reached (%d of %d in use)", l.MaxSeats, l.MaxSeats)
	case errors.Is(err, store.ErrDuplicate):
		// Lost a race against an identical activation; treat as recovery.
		return true, nil
	case err != nil:
		return false, model.TransientErr("create seat", err)
	}

	// First seat ever also fills the legacy single-hardware binding.
	if l.HardwareID == "" {
		if err := s.store.SetLegacyHardware(ctx, l.ID, hw); err != nil {
			s.logger.Warn("set legacy hardware id", "license_id", l.ID, "error", err)
		} else {
			l.HardwareID = hw
		}
	}
	return false, nil
}

// TrialRequest carries the self-service issuance parameters.
type TrialRequest struct {
	TypeSlug      string `json:"type_slug"`
	HardwareID    string `json:"hardware_id"`
	CustomerName  string `json:"customer_name,omitempty"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

// RequestTrial issues or re-issues a license for a hardware id without a
// key being typed in. An existing license for the hardware is preferred
// over creating a new one; only an expired license of a different type
// falls through to fresh issuance.
func (s *Service) RequestTrial(ctx context.Context, product *model.Product, req TrialRequest) (*ActivationResult, error) {
	hw := model.NormalizeHardwareID(req.HardwareID)
	if hw == "" {
		return nil, model.Validationf("hardware id is required")
	}
	slug := strings.TrimSpace(req.TypeSlug)
	if slug == "" {
		return nil, model.Validationf("license type is required")
	}
	now := s.now()

	lt, err := s.store.GetLicenseType(ctx, product.ID, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, model.NotFoundf("license type %q not found", slug)
	}
	if err != nil {
		return nil, model.TransientErr("load license type", err)
	}

	existing, err := s.findTrialCandidate(ctx, product.ID, hw, lt)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.reissueTrial(ctx, product, existing, lt, hw, req, now)
	}
	return s.createTrial(ctx, product, lt, hw, req, now)
}

// findTrialCandidate picks the best existing license for a hardware id:
// requested type first, then active over inactive, then latest expiration.
// An expired license of a different type is not a candidate; the caller
// creates a fresh one instead.
func (s *Service) findTrialCandidate(ctx context.Context, productID, hw string, lt *model.LicenseType) (*model.License, error) {
	found, err := s.store.FindLicensesForHardware(ctx, productID, hw)
	if err != nil {
		return nil, model.TransientErr("find licenses for hardware", err)
	}
	if len(found) == 0 {
		return nil, nil
	}

	now := s.now()
	var best *model.License
	for i := range found {
		c := &found[i]
		if best == nil || trialRank(c, lt, now) > trialRank(best, lt, now) ||
			(trialRank(c, lt, now) == trialRank(best, lt, now) && laterExpiry(c, best)) {
			best = c
		}
	}
	if best.IsExpired(now) && best.LicenseTypeID != lt.ID {
		return nil, nil
	}
	return best, nil
}

func trialRank(l *model.License, lt *model.LicenseType, now time.Time) int {
	rank := 0
	if l.LicenseTypeID == lt.ID {
		rank += 4
	}
	if l.IsActive {
		rank += 2
	}
	if !l.IsExpired(now) {
		rank++
	}
	return rank
}

// laterExpiry prefers the license that stays valid longer; nil expiration
// means perpetual and always wins.
func laterExpiry(a, b *model.License) bool {
	if a.ExpirationDate == nil {
		return true
	}
	if b.ExpirationDate == nil {
		return false
	}
	return a.ExpirationDate.After(*b.ExpirationDate)
}

func (s *Service) reissueTrial(ctx context.Context, product *model.Product, l *model.License, lt *model.LicenseType, hw string, req TrialRequest, now time.Time) (*ActivationResult, error) {
	if !l.IsActive {
		return nil, model.Policyf("access for this hardware has been revoked")
	}

	if l.IsExpired(now) && l.LicenseTypeID == lt.ID &&
		lt.IsRecurring && strings.HasSuffix(lt.Slug, communitySlugSuffix) {
		exp := now.AddDate(0, 0, lt.DefaultDurationDays)
		if err := s.store.SetExpiration(ctx, l.ID, &exp, true); err != nil {
			return nil, model.TransientErr("extend license", err)
		}
		l.ExpirationDate = &exp
		if err := s.store.AppendHistory(ctx, l.ID, model.HistoryRenewed, "auto-trial",
			"community auto-renew until "+exp.Format("2006-01-02"), now); err != nil {
			s.logger.Warn("append history", "license_id", l.ID, "error", err)
		}
	}

	if req.CustomerName != "" || req.CustomerEmail != "" {
		if err := s.store.UpdateLicenseCustomer(ctx, l.ID, req.CustomerName, req.CustomerEmail); err != nil {
			s.logger.Warn("update customer info", "license_id", l.ID, "error", err)
		}
	}

	recovered, err := s.bindSeat(ctx, l, hw, now)
	if err != nil {
		return nil, err
	}
	blob, err := s.issueCredential(ctx, product, l, hw)
	if err != nil {
		return nil, err
	}
	return &ActivationResult{Credential: blob, License: l, Recovered: recovered}, nil
}

func (s *Service) createTrial(ctx context.Context, product *model.Product, lt *model.LicenseType, hw string, req TrialRequest, now time.Time) (*ActivationResult, error) {
	key, err := NewLicenseKey()
	if err != nil {
		return nil, model.CryptoErr("generate license key", err)
	}
	var exp *time.Time
	if lt.DefaultDurationDays > 0 {
		e := now.AddDate(0, 0, lt.DefaultDurationDays)
		exp = &e
	}
	l := &model.License{
		ID:              uuid.NewString(),
		LicenseKey:      key,
		ProductID:       product.ID,
		LicenseTypeID:   lt.ID,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CreationDate:    now,
		ExpirationDate:  exp,
		IsActive:        true,
		AllowedVersions: lt.DefaultAllowedVersions,
		MaxSeats:        lt.DefaultMaxSeats,
	}

	if _, err := s.store.CreateLicenseWithSeat(ctx, l, hw, "auto-trial"); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			// A concurrent request for the same hardware won the insert.
			// Serve whatever it created instead of failing the client.
			if existing, ferr := s.findTrialCandidate(ctx, product.ID, hw, lt); ferr == nil && existing != nil {
				return s.reissueTrial(ctx, product, existing, lt, hw, req, now)
			}
			return nil, model.Conflictf("concurrent trial request for this hardware")
		}
		return nil, model.TransientErr("create trial license", err)
	}

	blob, err := s.issueCredential(ctx, product, l, hw)
	if err != nil {
		return nil, err
	}

	s.notifier.Notify(notify.TriggerLicenseCreated, "Trial license issued", l.LicenseKey,
		map[string]any{"license_key": l.LicenseKey, "type": lt.Slug, "hardware_id": hw})
	return &ActivationResult{Credential: blob, License: l}, nil
}

// CheckStatus reports the current standing of a license for a hardware id.
// Read-only. Precedence: revoked, then expired, then seat binding.
func (s *Service) CheckStatus(ctx context.Context, product *model.Product, licenseKey, hardwareID string) (model.LicenseStatus, error) {
	l, err := s.store.GetLicenseByKey(ctx, product.ID, strings.TrimSpace(licenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return "", model.NotFoundf("license key not found")
	}
	if err != nil {
		return "", model.TransientErr("load license", err)
	}

	if !l.IsActive {
		return model.StatusRevoked, nil
	}
	if l.IsExpired(s.now()) {
		return model.StatusExpired, nil
	}

	hw := model.NormalizeHardwareID(hardwareID)
	if _, err := s.store.GetActiveSeat(ctx, l.ID, hw); err == nil {
		return model.StatusValid, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", model.TransientErr("look up seat", err)
	}

	active, err := s.store.CountActiveSeats(ctx, l.ID)
	if err != nil {
		return "", model.TransientErr("count seats", err)
	}
	legacy := model.NormalizeHardwareID(l.HardwareID)
	if active == 0 && legacy == "" {
		return model.StatusRequiresActivation, nil
	}
	if legacy != "" && legacy != hw {
		return model.StatusHardwareMismatch, nil
	}
	if legacy == hw && legacy != "" {
		return model.StatusValid, nil
	}
	return model.StatusHardwareMismatch, nil
}

// Deactivate releases the seat bound to this hardware id.
func (s *Service) Deactivate(ctx context.Context, product *model.Product, licenseKey, hardwareID string) error {
	l, err := s.store.GetLicenseByKey(ctx, product.ID, strings.TrimSpace(licenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return model.NotFoundf("license key not found")
	}
	if err != nil {
		return model.TransientErr("load license", err)
	}

	hw := model.NormalizeHardwareID(hardwareID)
	seat, err := s.store.GetActiveSeat(ctx, l.ID, hw)
	if errors.Is(err, store.ErrNotFound) {
		return model.NotFoundf("no active seat for this hardware")
	}
	if err != nil {
		return model.TransientErr("look up seat", err)
	}

	now := s.now()
	if err := s.store.DeactivateSeat(ctx, seat.ID, now); err != nil {
		return model.TransientErr("deactivate seat", err)
	}
	if err := s.store.AppendHistory(ctx, l.ID, model.HistoryDeactivated, "api", "hardware "+hw, now); err != nil {
		s.logger.Warn("append history", "license_id", l.ID, "error", err)
	}
	return nil
}

// Renew extends a recurring license by its type's default duration, counted
// from whichever is later of now and the current expiration. The transaction
// id is the idempotency key: a reuse is a conflict, never a second extension.
func (s *Service) Renew(ctx context.Context, product *model.Product, licenseKey, transactionID, reference string) (time.Time, error) {
	if strings.TrimSpace(transactionID) == "" {
		return time.Time{}, model.Validationf("transaction id is required")
	}
	l, err := s.store.GetLicenseByKey(ctx, product.ID, strings.TrimSpace(licenseKey))
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, model.NotFoundf("license key not found")
	}
	if err != nil {
		return time.Time{}, model.TransientErr("load license", err)
	}
	// A lapsed license renews; a revoked one does not. Revocation is an
	// administrative or fraud verdict that a payment cannot overturn.
	if l.RevocationReason != "" {
		return time.Time{}, model.Policyf("license has been revoked: %s", l.RevocationReason)
	}

	lt, err := s.store.GetLicenseTypeByID(ctx, l.LicenseTypeID)
	if err != nil {
		return time.Time{}, model.TransientErr("load license type", err)
	}
	if !lt.IsRecurring {
		return time.Time{}, model.Policyf("license type %q is not renewable", lt.Slug)
	}

	now := s.now()
	base := now
	if l.ExpirationDate != nil && l.ExpirationDate.After(now) {
		base = *l.ExpirationDate
	}
	newExp := base.AddDate(0, 0, lt.DefaultDurationDays)

	err = s.store.RenewLicense(ctx, l.ID, strings.TrimSpace(transactionID), reference, newExp, now)
	if errors.Is(err, store.ErrDuplicate) {
		return time.Time{}, model.Conflictf("transaction %s was already processed", transactionID)
	}
	if err != nil {
		return time.Time{}, model.TransientErr("renew license", err)
	}
	return newExp, nil
}

// issueCredential builds and signs the credential for a license bound to
// the given hardware id, using the product's (possibly inherited) key pair.
func (s *Service) issueCredential(ctx context.Context, product *model.Product, l *model.License, hw string) (string, error) {
	lt, err := s.store.GetLicenseTypeByID(ctx, l.LicenseTypeID)
	if err != nil {
		return "", model.TransientErr("load license type", err)
	}
	privPEM, _, err := s.store.SigningKeys(ctx, product)
	if err != nil {
		return "", model.CryptoErr("resolve signing keys", err)
	}

	cred := &model.Credential{
		ID:             l.ID,
		LicenseKey:     l.LicenseKey,
		CustomerName:   l.CustomerName,
		CustomerEmail:  l.CustomerEmail,
		TypeSlug:       lt.Slug,
		Reference:      product.Name,
		CreationDate:   l.CreationDate,
		ExpirationDate: l.ExpirationDate,
		HardwareID:     hw,
		Features:       lt.Features.Clone(),
	}
	blob, err := signer.Sign(cred, privPEM)
	if err != nil {
		s.logger.Error("credential signing failed",
			"license_id", l.ID, "product_id", product.ID, "error", err)
		return "", model.CryptoErr("sign credential", err)
	}
	return blob, nil
}
