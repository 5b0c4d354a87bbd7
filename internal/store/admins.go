package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// CreateAdmin inserts a new admin account. The ID field is populated.
func (s *Store) CreateAdmin(ctx context.Context, a *model.Admin) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `INSERT INTO admins
		(email, password_hash, name, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Email, a.PasswordHash, a.Name, a.IsActive, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert admin: %w", err)
	}
	a.ID, _ = res.LastInsertId()
	return nil
}

// GetAdminByEmail fetches an admin account by email.
func (s *Store) GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error) {
	var a model.Admin
	err := s.db.GetContext(ctx, &a, `SELECT * FROM admins WHERE email = ?`, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get admin: %w", err)
	}
	return &a, nil
}

// ListAdmins returns all admin accounts.
func (s *Store) ListAdmins(ctx context.Context) ([]model.Admin, error) {
	var out []model.Admin
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM admins ORDER BY email`); err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	return out, nil
}

// HasAnyAdmin reports whether at least one admin account exists (first-run
// detection).
func (s *Store) HasAnyAdmin(ctx context.Context) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM admins`); err != nil {
		return false, fmt.Errorf("count admins: %w", err)
	}
	return n > 0, nil
}

// UpdateAdminLastLogin stamps the last successful login.
func (s *Store) UpdateAdminLastLogin(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE admins SET last_login_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update admin last login: %w", err)
	}
	return nil
}

// GetSetting reads one key from the settings table.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting: %w", err)
	}
	return v, nil
}

// SetSetting writes one key to the settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting: %w", err)
	}
	return nil
}
