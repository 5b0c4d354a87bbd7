package model

import "time"

// Product is one protected application family. Each product owns exactly one
// RSA key pair used to sign its license credentials; a sub-product carries no
// keys of its own and inherits the parent's pair. The API secret authenticates
// client applications against the public activation endpoints. The raw secret
// is never stored; only a SHA-256 hash and a short prefix are persisted.
type Product struct {
	ID              string     `json:"id" db:"id"`
	Name            string     `json:"name" db:"name"`
	PrivateKey      string     `json:"-" db:"private_key"` // PEM, never expose
	PublicKey       string     `json:"public_key" db:"public_key"`
	APISecretHash   string     `json:"-" db:"api_secret_hash"`
	APISecretPrefix string     `json:"api_secret_prefix" db:"api_secret_prefix"`
	ParentProductID *string    `json:"parent_product_id,omitempty" db:"parent_product_id"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// LicenseType is a named policy template scoped to a product. Licenses
// reference a type for their defaults and feature parameters.
type LicenseType struct {
	ID                     int64     `json:"id" db:"id"`
	ProductID              string    `json:"product_id" db:"product_id"`
	Slug                   string    `json:"slug" db:"slug"`
	DefaultDurationDays    int       `json:"default_duration_days" db:"default_duration_days"`
	IsRecurring            bool      `json:"is_recurring" db:"is_recurring"`
	DefaultAllowedVersions string    `json:"default_allowed_versions" db:"default_allowed_versions"`
	DefaultMaxSeats        int       `json:"default_max_seats" db:"default_max_seats"`
	Features               Features  `json:"features" db:"-"`
	CreatedAt              time.Time `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time `json:"updated_at" db:"updated_at"`
}
