package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/keygatehq/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// Licenses
// ---------------------------------------------------------------------------

const insertLicenseSQL = `INSERT INTO licenses
	(id, license_key, product_id, license_type_id, customer_name, customer_email,
	 creation_date, expiration_date, hardware_id, is_active, revocation_reason, revoked_at,
	 allowed_versions, max_seats, reset_code, reset_code_expiry, recovery_count,
	 created_at, updated_at)
	VALUES
	(:id, :license_key, :product_id, :license_type_id, :customer_name, :customer_email,
	 :creation_date, :expiration_date, :hardware_id, :is_active, :revocation_reason, :revoked_at,
	 :allowed_versions, :max_seats, :reset_code, :reset_code_expiry, :recovery_count,
	 :created_at, :updated_at)`

// CreateLicense inserts a license without any seat (admin-created licenses
// get their seats on first activation).
func (s *Store) CreateLicense(ctx context.Context, l *model.License) error {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now

	if _, err := s.db.NamedExecContext(ctx, insertLicenseSQL, l); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

// CreateLicenseWithSeat atomically creates a license, its first seat, the
// legacy hardware binding, and the Created/Activated history entries. Used by
// trial issuance, where two requests for the same hardware id may race: the
// caller retries its lookup when ErrDuplicate surfaces.
func (s *Store) CreateLicenseWithSeat(ctx context.Context, l *model.License, hardwareID, actor string) (*model.LicenseSeat, error) {
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	l.HardwareID = hardwareID

	seat := &model.LicenseSeat{
		LicenseID:        l.ID,
		HardwareID:       hardwareID,
		FirstActivatedAt: l.CreationDate,
		LastCheckInAt:    l.CreationDate,
		IsActive:         true,
	}

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, insertLicenseSQL, l); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert license: %w", err)
		}

		res, err := tx.ExecContext(ctx, `INSERT INTO license_seats
			(license_id, hardware_id, first_activated_at, last_check_in_at, is_active)
			VALUES (?, ?, ?, ?, 1)`,
			seat.LicenseID, seat.HardwareID, seat.FirstActivatedAt, seat.LastCheckInAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert seat: %w", err)
		}
		seat.ID, _ = res.LastInsertId()

		for _, action := range []model.HistoryAction{model.HistoryCreated, model.HistoryActivated} {
			if _, err := tx.ExecContext(ctx, `INSERT INTO license_history
				(license_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
				l.ID, action, actor, "hardware "+hardwareID, now); err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seat, nil
}

// GetLicenseByKey fetches a license by its unique key, scoped to a product.
func (s *Store) GetLicenseByKey(ctx context.Context, productID, licenseKey string) (*model.License, error) {
	var l model.License
	err := s.db.GetContext(ctx, &l,
		`SELECT * FROM licenses WHERE product_id = ? AND license_key = ?`, productID, licenseKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &l, nil
}

// GetLicenseByID fetches a license by primary key.
func (s *Store) GetLicenseByID(ctx context.Context, id string) (*model.License, error) {
	var l model.License
	err := s.db.GetContext(ctx, &l, `SELECT * FROM licenses WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license: %w", err)
	}
	return &l, nil
}

// GetActiveLicenseByHardware finds an active license whose legacy hardware_id
// field matches. Used by zombie detection.
func (s *Store) GetActiveLicenseByHardware(ctx context.Context, hardwareID string) (*model.License, error) {
	var l model.License
	err := s.db.GetContext(ctx, &l,
		`SELECT * FROM licenses WHERE hardware_id = ? AND is_active = 1 LIMIT 1`, hardwareID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license by hardware: %w", err)
	}
	return &l, nil
}

// FindLicensesForHardware returns all licenses of a product that are bound to
// the hardware id, either through a seat (active or unlinked) or through the
// legacy hardware_id field.
func (s *Store) FindLicensesForHardware(ctx context.Context, productID, hardwareID string) ([]model.License, error) {
	var out []model.License
	err := s.db.SelectContext(ctx, &out, `SELECT DISTINCT l.* FROM licenses l
		LEFT JOIN license_seats s ON s.license_id = l.id
		WHERE l.product_id = ? AND (l.hardware_id = ? OR s.hardware_id = ?)
		ORDER BY l.creation_date DESC`,
		productID, hardwareID, hardwareID)
	if err != nil {
		return nil, fmt.Errorf("find licenses for hardware: %w", err)
	}
	return out, nil
}

// ListLicenses returns the licenses of a product, newest first.
func (s *Store) ListLicenses(ctx context.Context, productID string) ([]model.License, error) {
	var out []model.License
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM licenses WHERE product_id = ? ORDER BY creation_date DESC`, productID)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return out, nil
}

// UpdateLicenseCustomer refreshes the customer fields if the values are
// non-empty.
func (s *Store) UpdateLicenseCustomer(ctx context.Context, id, name, email string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE licenses SET
		customer_name = CASE WHEN ? != '' THEN ? ELSE customer_name END,
		customer_email = CASE WHEN ? != '' THEN ? ELSE customer_email END,
		updated_at = ?
		WHERE id = ?`,
		name, name, email, email, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update license customer: %w", err)
	}
	return nil
}

// SetLegacyHardware records the first-seat hardware binding kept for
// backward compatibility.
func (s *Store) SetLegacyHardware(ctx context.Context, id, hardwareID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET hardware_id = ?, updated_at = ? WHERE id = ?`,
		hardwareID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set legacy hardware: %w", err)
	}
	return nil
}

// IncrementRecoveryCount bumps the recovery counter for a license.
func (s *Store) IncrementRecoveryCount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET recovery_count = recovery_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment recovery count: %w", err)
	}
	return nil
}

// RevokeLicense deactivates a license with a reason and timestamp, and writes
// the Revoked history entry, atomically.
func (s *Store) RevokeLicense(ctx context.Context, id, reason, actor string, at time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE licenses SET
			is_active = 0, revocation_reason = ?, revoked_at = ?, updated_at = ? WHERE id = ?`,
			reason, at, at, id)
		if err != nil {
			return fmt.Errorf("revoke license: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO license_history
			(license_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, model.HistoryRevoked, actor, reason, at)
		if err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}

// SetExpiration updates the expiration date and, when reactivate is set,
// clears the inactive flag (subscription renewal of a lapsed license).
func (s *Store) SetExpiration(ctx context.Context, id string, exp *time.Time, reactivate bool) error {
	q := `UPDATE licenses SET expiration_date = ?, updated_at = ? WHERE id = ?`
	if reactivate {
		q = `UPDATE licenses SET expiration_date = ?, is_active = 1, updated_at = ? WHERE id = ?`
	}
	if _, err := s.db.ExecContext(ctx, q, exp, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("set expiration: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Seats
// ---------------------------------------------------------------------------

// GetActiveSeat returns the active seat for (license, hardware), if any.
func (s *Store) GetActiveSeat(ctx context.Context, licenseID, hardwareID string) (*model.LicenseSeat, error) {
	var seat model.LicenseSeat
	err := s.db.GetContext(ctx, &seat, `SELECT * FROM license_seats
		WHERE license_id = ? AND hardware_id = ? AND is_active = 1`, licenseID, hardwareID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active seat: %w", err)
	}
	return &seat, nil
}

// CountActiveSeats returns the number of active seats on a license.
func (s *Store) CountActiveSeats(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM license_seats WHERE license_id = ? AND is_active = 1`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("count active seats: %w", err)
	}
	return n, nil
}

// CountSeats returns the number of seats ever created for a license.
func (s *Store) CountSeats(ctx context.Context, licenseID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM license_seats WHERE license_id = ?`, licenseID)
	if err != nil {
		return 0, fmt.Errorf("count seats: %w", err)
	}
	return n, nil
}

// CreateSeatCapped inserts a new active seat only while the active-seat count
// is below maxSeats, in a single statement so concurrent activations cannot
// oversubscribe the license. Returns ErrSeatLimit when the cap is hit and
// ErrDuplicate when an active seat for the pair already exists (a racing
// recovery).
func (s *Store) CreateSeatCapped(ctx context.Context, licenseID, hardwareID string, maxSeats int, at time.Time) (*model.LicenseSeat, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO license_seats
		(license_id, hardware_id, first_activated_at, last_check_in_at, is_active)
		SELECT ?, ?, ?, ?, 1
		WHERE (SELECT COUNT(*) FROM license_seats WHERE license_id = ? AND is_active = 1) < ?`,
		licenseID, hardwareID, at, at, licenseID, maxSeats)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert seat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, ErrSeatLimit
	}
	id, _ := res.LastInsertId()
	return &model.LicenseSeat{
		ID:               id,
		LicenseID:        licenseID,
		HardwareID:       hardwareID,
		FirstActivatedAt: at,
		LastCheckInAt:    at,
		IsActive:         true,
	}, nil
}

// TouchSeat updates the last check-in time of a seat (recovery).
func (s *Store) TouchSeat(ctx context.Context, seatID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE license_seats SET last_check_in_at = ? WHERE id = ?`, at, seatID)
	if err != nil {
		return fmt.Errorf("touch seat: %w", err)
	}
	return nil
}

// DeactivateSeat unlinks one seat.
func (s *Store) DeactivateSeat(ctx context.Context, seatID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE license_seats SET is_active = 0, unlinked_at = ? WHERE id = ? AND is_active = 1`,
		at, seatID)
	if err != nil {
		return fmt.Errorf("deactivate seat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSeats returns every seat of a license, active first.
func (s *Store) ListSeats(ctx context.Context, licenseID string) ([]model.LicenseSeat, error) {
	var out []model.LicenseSeat
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM license_seats
		WHERE license_id = ? ORDER BY is_active DESC, first_activated_at`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list seats: %w", err)
	}
	return out, nil
}

// ResetLicense clears the legacy hardware binding, the reset code, and the
// recovery counter, deactivates every active seat, and writes one UnlinkedApi
// history entry per seat, all in one transaction. Returns the number of seats
// unlinked.
func (s *Store) ResetLicense(ctx context.Context, licenseID, actor string, at time.Time) (int, error) {
	var unlinked int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var seats []model.LicenseSeat
		if err := tx.SelectContext(ctx, &seats, `SELECT * FROM license_seats
			WHERE license_id = ? AND is_active = 1`, licenseID); err != nil {
			return fmt.Errorf("list active seats: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE licenses SET
			hardware_id = '', reset_code = '', reset_code_expiry = NULL,
			recovery_count = 0, updated_at = ? WHERE id = ?`, at, licenseID); err != nil {
			return fmt.Errorf("clear license bindings: %w", err)
		}

		for _, seat := range seats {
			if _, err := tx.ExecContext(ctx, `UPDATE license_seats
				SET is_active = 0, unlinked_at = ? WHERE id = ?`, at, seat.ID); err != nil {
				return fmt.Errorf("unlink seat %d: %w", seat.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO license_history
				(license_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
				licenseID, model.HistoryUnlinkedAPI, actor, "hardware "+seat.HardwareID, at); err != nil {
				return fmt.Errorf("insert history: %w", err)
			}
		}
		unlinked = len(seats)
		return nil
	})
	return unlinked, err
}

// SetResetCode stores a pending self-service reset code with its expiry.
func (s *Store) SetResetCode(ctx context.Context, licenseID, code string, expiry time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET reset_code = ?, reset_code_expiry = ?, updated_at = ? WHERE id = ?`,
		code, expiry, time.Now().UTC(), licenseID)
	if err != nil {
		return fmt.Errorf("set reset code: %w", err)
	}
	return nil
}

// ClearResetCode discards a pending reset code (expired or consumed).
func (s *Store) ClearResetCode(ctx context.Context, licenseID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET reset_code = '', reset_code_expiry = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), licenseID)
	if err != nil {
		return fmt.Errorf("clear reset code: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// History and renewals
// ---------------------------------------------------------------------------

// AppendHistory writes one audit entry.
func (s *Store) AppendHistory(ctx context.Context, licenseID string, action model.HistoryAction, actor, detail string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO license_history
		(license_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		licenseID, action, actor, detail, at)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ListHistory returns the audit trail of a license, oldest first.
func (s *Store) ListHistory(ctx context.Context, licenseID string) ([]model.LicenseHistory, error) {
	var out []model.LicenseHistory
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM license_history WHERE license_id = ? ORDER BY id`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return out, nil
}

// RenewLicense records the renewal transaction and moves the expiration date
// in one transaction, reactivating a license that had lapsed. The revocation
// reason is left untouched; revoked licenses are rejected before this point.
// The UNIQUE(transaction_id) constraint turns a replayed transaction into
// ErrDuplicate rather than a second extension.
func (s *Store) RenewLicense(ctx context.Context, licenseID, transactionID, reference string, newExp time.Time, at time.Time) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO renewals
			(license_id, transaction_id, reference, renewed_at) VALUES (?, ?, ?, ?)`,
			licenseID, transactionID, reference, at); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert renewal: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE licenses SET
			expiration_date = ?, is_active = 1, updated_at = ?
			WHERE id = ?`, newExp, at, licenseID); err != nil {
			return fmt.Errorf("extend license: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO license_history
			(license_id, action, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
			licenseID, model.HistoryRenewed, "api", "transaction "+transactionID, at); err != nil {
			return fmt.Errorf("insert history: %w", err)
		}
		return nil
	})
}
