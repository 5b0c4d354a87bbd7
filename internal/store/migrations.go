package store

import (
	"fmt"
	"strings"
)

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS products (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			private_key TEXT NOT NULL DEFAULT '',
			public_key TEXT NOT NULL DEFAULT '',
			api_secret_hash TEXT UNIQUE NOT NULL,
			api_secret_prefix TEXT NOT NULL DEFAULT '',
			parent_product_id TEXT REFERENCES products(id),
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS license_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
			slug TEXT NOT NULL,
			default_duration_days INTEGER NOT NULL DEFAULT 365,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			default_allowed_versions TEXT NOT NULL DEFAULT '*',
			default_max_seats INTEGER NOT NULL DEFAULT 1,
			features_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(product_id, slug)
		)`,

		`CREATE TABLE IF NOT EXISTS licenses (
			id TEXT PRIMARY KEY,
			license_key TEXT UNIQUE NOT NULL,
			product_id TEXT NOT NULL REFERENCES products(id),
			license_type_id INTEGER NOT NULL REFERENCES license_types(id),
			customer_name TEXT NOT NULL DEFAULT '',
			customer_email TEXT NOT NULL DEFAULT '',
			creation_date DATETIME NOT NULL,
			expiration_date DATETIME,
			hardware_id TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			revocation_reason TEXT NOT NULL DEFAULT '',
			revoked_at DATETIME,
			allowed_versions TEXT NOT NULL DEFAULT '*',
			max_seats INTEGER NOT NULL DEFAULT 1,
			reset_code TEXT NOT NULL DEFAULT '',
			reset_code_expiry DATETIME,
			recovery_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_licenses_product ON licenses(product_id)`,
		`CREATE INDEX IF NOT EXISTS idx_licenses_hardware ON licenses(hardware_id)`,

		`CREATE TABLE IF NOT EXISTS license_seats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			license_id TEXT NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
			hardware_id TEXT NOT NULL,
			first_activated_at DATETIME NOT NULL,
			last_check_in_at DATETIME NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			unlinked_at DATETIME
		)`,

		// At most one ACTIVE seat per (license, hardware) pair; an unlinked
		// hardware id can be bound again later.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_seats_active
			ON license_seats(license_id, hardware_id) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS idx_seats_license ON license_seats(license_id)`,

		`CREATE TABLE IF NOT EXISTS license_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			license_id TEXT NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
			action TEXT NOT NULL,
			actor TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_license ON license_history(license_id)`,

		// Renewal idempotency is enforced here, not in application logic.
		`CREATE TABLE IF NOT EXISTS renewals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			license_id TEXT NOT NULL REFERENCES licenses(id),
			transaction_id TEXT UNIQUE NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			renewed_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS ip_threat_scores (
			ip TEXT PRIMARY KEY,
			score INTEGER NOT NULL DEFAULT 0,
			first_seen DATETIME NOT NULL,
			last_hit DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS banned_ips (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ip TEXT UNIQUE NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			ban_count INTEGER NOT NULL DEFAULT 1,
			banned_at DATETIME NOT NULL,
			expires_at DATETIME,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,

		`CREATE TABLE IF NOT EXISTS access_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			hardware_id TEXT NOT NULL,
			ip TEXT NOT NULL,
			seen_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_hardware ON access_log(hardware_id, seen_at)`,

		`CREATE TABLE IF NOT EXISTS admins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// SQLite ALTER TABLE ADD COLUMN fails if column already exists;
			// treat "duplicate column" as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
