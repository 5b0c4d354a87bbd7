package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/keygatehq/keygate/internal/fraud"
	"github.com/keygatehq/keygate/internal/license"
	"github.com/keygatehq/keygate/internal/model"
)

// observeTimeout bounds the background access-log and fraud work so a stuck
// store cannot pile up goroutines.
const observeTimeout = 10 * time.Second

// AccessRecorder is the slice of the store the orchestrator's side channel
// needs.
type AccessRecorder interface {
	RecordAccess(ctx context.Context, hardwareID, ip string, at time.Time) error
}

// Orchestrator fronts the license state machine for the transport layer.
// Every activation-class request additionally feeds the access log and the
// fraud detector on a best-effort side channel; failures there are logged
// and never alter the primary response.
type Orchestrator struct {
	Licenses *license.Service
	Fraud    *fraud.Detector
	Access   AccessRecorder
	Logger   *slog.Logger
}

// Activate runs a key activation and observes the hardware/IP pair.
func (o *Orchestrator) Activate(ctx context.Context, product *model.Product, clientIP string, req license.ActivateRequest) (*license.ActivationResult, error) {
	res, err := o.Licenses.Activate(ctx, product, req)
	if err == nil {
		o.observe(req.HardwareID, clientIP)
	}
	return res, err
}

// RequestTrial runs a trial issuance and observes the hardware/IP pair.
func (o *Orchestrator) RequestTrial(ctx context.Context, product *model.Product, clientIP string, req license.TrialRequest) (*license.ActivationResult, error) {
	res, err := o.Licenses.RequestTrial(ctx, product, req)
	if err == nil {
		o.observe(req.HardwareID, clientIP)
	}
	return res, err
}

// CheckStatus reports license standing. Status checks are activation-class
// traffic for correlation purposes: a zombie farm polls status too.
func (o *Orchestrator) CheckStatus(ctx context.Context, product *model.Product, clientIP, licenseKey, hardwareID string) (model.LicenseStatus, error) {
	status, err := o.Licenses.CheckStatus(ctx, product, licenseKey, hardwareID)
	if err == nil {
		o.observe(hardwareID, clientIP)
	}
	return status, err
}

// Deactivate releases a seat.
func (o *Orchestrator) Deactivate(ctx context.Context, product *model.Product, licenseKey, hardwareID string) error {
	return o.Licenses.Deactivate(ctx, product, licenseKey, hardwareID)
}

// Renew extends a recurring license.
func (o *Orchestrator) Renew(ctx context.Context, product *model.Product, licenseKey, transactionID, reference string) (time.Time, error) {
	return o.Licenses.Renew(ctx, product, licenseKey, transactionID, reference)
}

// RequestReset starts the self-service unlink flow.
func (o *Orchestrator) RequestReset(ctx context.Context, product *model.Product, licenseKey string) (string, error) {
	return o.Licenses.RequestReset(ctx, product, licenseKey)
}

// ConfirmReset completes the self-service unlink flow.
func (o *Orchestrator) ConfirmReset(ctx context.Context, product *model.Product, licenseKey, code string) error {
	return o.Licenses.ConfirmReset(ctx, product, licenseKey, code)
}

// observe records the hardware/IP sighting and runs the zombie check in the
// background. Detached from the request context so the response never waits
// on it, and recovered so a panic in the side channel stays in the side
// channel.
func (o *Orchestrator) observe(hardwareID, clientIP string) {
	hw := model.NormalizeHardwareID(hardwareID)
	if hw == "" || clientIP == "" {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.Logger.Error("observe panicked", "hardware_id", hw, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), observeTimeout)
		defer cancel()

		if err := o.Access.RecordAccess(ctx, hw, clientIP, time.Now().UTC()); err != nil {
			o.Logger.Warn("record access", "hardware_id", hw, "error", err)
		}
		if _, err := o.Fraud.CheckForZombie(ctx, hw, clientIP); err != nil {
			o.Logger.Warn("zombie check", "hardware_id", hw, "error", err)
		}
	}()
}
