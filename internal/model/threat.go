package model

import "time"

// IPThreatScore is the persistent per-IP abuse accumulator. One row per
// offending IP; the row is removed when a ban fires so the IP starts clean
// after serving it.
type IPThreatScore struct {
	IP        string    `json:"ip" db:"ip"`
	Score     int       `json:"score" db:"score"`
	FirstSeen time.Time `json:"first_seen" db:"first_seen"`
	LastHit   time.Time `json:"last_hit" db:"last_hit"`
}

// BannedIP is a per-IP ban record. Records are never physically deleted:
// a lapsed ban is flipped inactive and reactivated with an incremented
// BanCount on repeat offense, which drives the escalation schedule.
type BannedIP struct {
	ID        int64      `json:"id" db:"id"`
	IP        string     `json:"ip" db:"ip"`
	Reason    string     `json:"reason" db:"reason"`
	BanCount  int        `json:"ban_count" db:"ban_count"`
	BannedAt  time.Time  `json:"banned_at" db:"banned_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" db:"expires_at"` // nil = permanent
	IsActive  bool       `json:"is_active" db:"is_active"`
}

// Lapsed reports whether an active ban's period has passed at the given
// instant. Permanent bans never lapse.
func (b *BannedIP) Lapsed(now time.Time) bool {
	return b.ExpiresAt != nil && b.ExpiresAt.Before(now)
}
