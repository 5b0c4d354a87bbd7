package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// IP threat scores
// ---------------------------------------------------------------------------

// GetThreatScore fetches the persisted accumulator for an IP.
func (s *Store) GetThreatScore(ctx context.Context, ip string) (*model.IPThreatScore, error) {
	var row model.IPThreatScore
	err := s.db.GetContext(ctx, &row, `SELECT * FROM ip_threat_scores WHERE ip = ?`, ip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get threat score: %w", err)
	}
	return &row, nil
}

// UpsertThreatScore writes the accumulator for an IP, creating the row on
// first offense.
func (s *Store) UpsertThreatScore(ctx context.Context, row *model.IPThreatScore) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO ip_threat_scores (ip, score, first_seen, last_hit)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET score = excluded.score, last_hit = excluded.last_hit`,
		row.IP, row.Score, row.FirstSeen, row.LastHit)
	if err != nil {
		return fmt.Errorf("upsert threat score: %w", err)
	}
	return nil
}

// DeleteThreatScore removes the accumulator (clean slate after a ban fires).
func (s *Store) DeleteThreatScore(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ip_threat_scores WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("delete threat score: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// GetBan fetches the ban record for an IP regardless of active state; the
// ban count on an inactive record still drives the escalation schedule.
func (s *Store) GetBan(ctx context.Context, ip string) (*model.BannedIP, error) {
	var b model.BannedIP
	err := s.db.GetContext(ctx, &b, `SELECT * FROM banned_ips WHERE ip = ?`, ip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ban: %w", err)
	}
	return &b, nil
}

// CreateBan inserts a first-offense ban record. The ID field is populated.
func (s *Store) CreateBan(ctx context.Context, b *model.BannedIP) error {
	res, err := s.db.ExecContext(ctx, `INSERT INTO banned_ips
		(ip, reason, ban_count, banned_at, expires_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.IP, b.Reason, b.BanCount, b.BannedAt, b.ExpiresAt, b.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert ban: %w", err)
	}
	b.ID, _ = res.LastInsertId()
	return nil
}

// UpdateBan rewrites the mutable fields of a ban record (reactivation with
// escalated expiry, or lapse deactivation).
func (s *Store) UpdateBan(ctx context.Context, b *model.BannedIP) error {
	res, err := s.db.ExecContext(ctx, `UPDATE banned_ips SET
		reason = ?, ban_count = ?, banned_at = ?, expires_at = ?, is_active = ?
		WHERE ip = ?`,
		b.Reason, b.BanCount, b.BannedAt, b.ExpiresAt, b.IsActive, b.IP)
	if err != nil {
		return fmt.Errorf("update ban: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateBan flips a ban record inactive without touching its count.
func (s *Store) DeactivateBan(ctx context.Context, ip string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE banned_ips SET is_active = 0 WHERE ip = ?`, ip); err != nil {
		return fmt.Errorf("deactivate ban: %w", err)
	}
	return nil
}

// ListBans returns ban records, optionally only the active ones.
func (s *Store) ListBans(ctx context.Context, activeOnly bool) ([]model.BannedIP, error) {
	q := `SELECT * FROM banned_ips ORDER BY banned_at DESC`
	if activeOnly {
		q = `SELECT * FROM banned_ips WHERE is_active = 1 ORDER BY banned_at DESC`
	}
	var out []model.BannedIP
	if err := s.db.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("list bans: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Access log
// ---------------------------------------------------------------------------

// RecordAccess appends one hardware/IP observation. Written fire-and-forget
// from the activation path.
func (s *Store) RecordAccess(ctx context.Context, hardwareID, ip string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO access_log (hardware_id, ip, seen_at) VALUES (?, ?, ?)`,
		hardwareID, ip, at); err != nil {
		return fmt.Errorf("record access: %w", err)
	}
	return nil
}

// DistinctIPsForHardware returns the distinct client IPs observed for a
// hardware id since the given instant. Feeds zombie detection.
func (s *Store) DistinctIPsForHardware(ctx context.Context, hardwareID string, since time.Time) ([]string, error) {
	var out []string
	err := s.db.SelectContext(ctx, &out,
		`SELECT DISTINCT ip FROM access_log WHERE hardware_id = ? AND seen_at >= ?`,
		hardwareID, since)
	if err != nil {
		return nil, fmt.Errorf("distinct ips: %w", err)
	}
	return out, nil
}
