// Package fraud correlates hardware ids with the client IPs that present
// them. One machine showing up from many networks in a short window is the
// classic shape of a shared or leaked license key.
package fraud

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/keygatehq/keygate/internal/notify"
	"github.com/keygatehq/keygate/internal/store"
)

// zombieIPThreshold is the distinct-IP count per hardware id, per trailing
// window, above which the hardware id is treated as compromised.
const zombieIPThreshold = 5

const zombieWindow = 24 * time.Hour

const revocationReason = "fraud: hardware id active from too many networks"

// Detector runs the per-request zombie check. It is advisory: callers fire
// it after activation-class requests and never block on the result.
type Detector struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewDetector creates a Detector.
func NewDetector(st *store.Store, notifier notify.Notifier, logger *slog.Logger) *Detector {
	return &Detector{
		store:    st,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckForZombie counts the distinct IPs seen for a hardware id over the
// trailing window, including the current one. Past the threshold it revokes
// the active license bound to that hardware id and emits a notification; if
// no license matches, the notification still goes out so an operator sees
// the signal.
//
// The lookup keys on the license's single hardware id field, not the seat
// table. Multi-seat licenses legitimately span machines and networks, so
// scoping the window per seat binding would blind the check to exactly the
// sharing pattern it exists to catch.
func (d *Detector) CheckForZombie(ctx context.Context, hardwareID, currentIP string) (bool, error) {
	now := d.now()
	ips, err := d.store.DistinctIPsForHardware(ctx, hardwareID, now.Add(-zombieWindow))
	if err != nil {
		return false, err
	}

	seen := make(map[string]bool, len(ips)+1)
	for _, ip := range ips {
		seen[ip] = true
	}
	if countable(currentIP) {
		seen[currentIP] = true
	}
	if len(seen) <= zombieIPThreshold {
		return false, nil
	}

	d.logger.Warn("zombie hardware detected",
		"hardware_id", hardwareID, "distinct_ips", len(seen), "current_ip", currentIP)

	lic, err := d.store.GetActiveLicenseByHardware(ctx, hardwareID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No license to act on; notify for visibility and move on.
	case err != nil:
		return true, err
	default:
		if err := d.store.RevokeLicense(ctx, lic.ID, revocationReason, "fraud-detector", now); err != nil {
			return true, err
		}
		d.logger.Warn("license revoked for zombie hardware",
			"license_id", lic.ID, "license_key", lic.LicenseKey)
	}

	d.notifier.Notify(notify.TriggerZombieDetected, "Zombie hardware detected", hardwareID,
		map[string]any{
			"hardware_id":  hardwareID,
			"distinct_ips": len(seen),
			"current_ip":   currentIP,
			"window":       zombieWindow.String(),
		})
	return true, nil
}

// countable filters out addresses that carry no correlation signal.
func countable(ip string) bool {
	if ip == "" {
		return false
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && !parsed.IsLoopback()
}
