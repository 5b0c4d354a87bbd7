package model

import "time"

// Credential is the signed license record delivered to clients. The JSON
// field names and their declaration order are wire-exact: the canonical
// signing input is this struct serialized with Signature cleared, so any
// change here invalidates every credential already in the field.
type Credential struct {
	ID             string            `json:"id"`
	LicenseKey     string            `json:"licenseKey"`
	CustomerName   string            `json:"customerName"`
	CustomerEmail  string            `json:"customerEmail"`
	TypeSlug       string            `json:"typeSlug"`
	Reference      string            `json:"reference"`
	CreationDate   time.Time         `json:"creationDate"`
	ExpirationDate *time.Time        `json:"expirationDate"`
	HardwareID     string            `json:"hardwareId"`
	Features       map[string]string `json:"features"`
	Signature      string            `json:"signature"`
}
