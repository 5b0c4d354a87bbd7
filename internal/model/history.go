package model

import "time"

// HistoryAction names a license lifecycle event in the audit trail.
type HistoryAction string

const (
	HistoryCreated        HistoryAction = "Created"
	HistoryActivated      HistoryAction = "Activated"
	HistoryRecovery       HistoryAction = "Recovery"
	HistoryRevoked        HistoryAction = "Revoked"
	HistoryRenewed        HistoryAction = "Renewed"
	HistoryUnlinkedAPI    HistoryAction = "UnlinkedApi"
	HistoryDeactivated    HistoryAction = "Deactivated"
	HistoryResetRequested HistoryAction = "ResetRequested"
)

// LicenseHistory is one append-only audit entry. Entries are never mutated or
// deleted by normal flow.
type LicenseHistory struct {
	ID        int64         `json:"id" db:"id"`
	LicenseID string        `json:"license_id" db:"license_id"`
	Action    HistoryAction `json:"action" db:"action"`
	Actor     string        `json:"actor" db:"actor"`
	Detail    string        `json:"detail" db:"detail"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}
