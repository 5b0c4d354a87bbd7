package model

import (
	"strings"
	"time"
)

// License is the central entity: one issued license key, bound to a product
// and a license type, holding zero or more hardware seats.
//
// HardwareID is the legacy single-machine binding populated by the very first
// seat; newer clients rely on the seat table but the field is kept so that
// credentials issued before seat support remain valid.
type License struct {
	ID               string     `json:"id" db:"id"`
	LicenseKey       string     `json:"license_key" db:"license_key"`
	ProductID        string     `json:"product_id" db:"product_id"`
	LicenseTypeID    int64      `json:"license_type_id" db:"license_type_id"`
	CustomerName     string     `json:"customer_name" db:"customer_name"`
	CustomerEmail    string     `json:"customer_email" db:"customer_email"`
	CreationDate     time.Time  `json:"creation_date" db:"creation_date"`
	ExpirationDate   *time.Time `json:"expiration_date,omitempty" db:"expiration_date"` // nil = perpetual
	HardwareID       string     `json:"hardware_id" db:"hardware_id"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	RevocationReason string     `json:"revocation_reason,omitempty" db:"revocation_reason"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	AllowedVersions  string     `json:"allowed_versions" db:"allowed_versions"`
	MaxSeats         int        `json:"max_seats" db:"max_seats"`
	ResetCode        string     `json:"-" db:"reset_code"`
	ResetCodeExpiry  *time.Time `json:"-" db:"reset_code_expiry"`
	RecoveryCount    int        `json:"recovery_count" db:"recovery_count"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// IsExpired reports whether the license has lapsed at the given instant.
// A nil expiration date means the license is perpetual.
func (l *License) IsExpired(now time.Time) bool {
	return l.ExpirationDate != nil && l.ExpirationDate.Before(now)
}

// LicenseSeat is one bound (license, hardware id) activation slot. The store
// enforces at most one active seat per pair via a partial unique index, so a
// hardware id can be re-bound after being unlinked.
type LicenseSeat struct {
	ID               int64      `json:"id" db:"id"`
	LicenseID        string     `json:"license_id" db:"license_id"`
	HardwareID       string     `json:"hardware_id" db:"hardware_id"`
	FirstActivatedAt time.Time  `json:"first_activated_at" db:"first_activated_at"`
	LastCheckInAt    time.Time  `json:"last_check_in_at" db:"last_check_in_at"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	UnlinkedAt       *time.Time `json:"unlinked_at,omitempty" db:"unlinked_at"`
}

// LicenseStatus is the read-only answer of a status check.
type LicenseStatus string

const (
	StatusValid              LicenseStatus = "Valid"
	StatusRevoked            LicenseStatus = "Revoked"
	StatusExpired            LicenseStatus = "Expired"
	StatusRequiresActivation LicenseStatus = "RequiresActivation"
	StatusHardwareMismatch   LicenseStatus = "HardwareMismatch"
)

// NormalizeHardwareID is the canonical form of a hardware fingerprint used
// everywhere in the store and the signing path: trimmed, upper-cased. Clients
// historically sent both full digests and truncated hex in mixed case, so
// comparison must not be case sensitive.
func NormalizeHardwareID(hw string) string {
	return strings.ToUpper(strings.TrimSpace(hw))
}
