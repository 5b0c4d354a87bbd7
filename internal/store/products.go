package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keygatehq/keygate/internal/model"
)

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

// CreateProduct inserts a new product. CreatedAt and UpdatedAt are populated.
func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	const q = `INSERT INTO products
		(id, name, private_key, public_key, api_secret_hash, api_secret_prefix, parent_product_id, created_at, updated_at)
		VALUES
		(:id, :name, :private_key, :public_key, :api_secret_hash, :api_secret_prefix, :parent_product_id, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, p); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

// GetProduct fetches a product by ID.
func (s *Store) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := s.db.GetContext(ctx, &p, `SELECT * FROM products WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// GetProductByName fetches a product by its unique name.
func (s *Store) GetProductByName(ctx context.Context, name string) (*model.Product, error) {
	var p model.Product
	err := s.db.GetContext(ctx, &p, `SELECT * FROM products WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product by name: %w", err)
	}
	return &p, nil
}

// GetProductBySecretHash resolves the product owning a hashed API secret.
// This is the hot-path lookup behind client authentication.
func (s *Store) GetProductBySecretHash(ctx context.Context, hash string) (*model.Product, error) {
	var p model.Product
	err := s.db.GetContext(ctx, &p, `SELECT * FROM products WHERE api_secret_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product by secret: %w", err)
	}
	return &p, nil
}

// ListProducts returns all products ordered by name.
func (s *Store) ListProducts(ctx context.Context) ([]model.Product, error) {
	var out []model.Product
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM products ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return out, nil
}

// UpdateProductKeys replaces a product's key pair (emergency rotation).
func (s *Store) UpdateProductKeys(ctx context.Context, id, privPEM, pubPEM string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE products SET private_key = ?, public_key = ?, updated_at = ? WHERE id = ?`,
		privPEM, pubPEM, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update product keys: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SigningKeys resolves the effective key pair for a product, walking up the
// parent chain for sub-products that inherit the parent's keys.
func (s *Store) SigningKeys(ctx context.Context, p *model.Product) (privPEM, pubPEM string, err error) {
	cur := p
	for depth := 0; depth < 4; depth++ {
		if cur.PrivateKey != "" {
			return cur.PrivateKey, cur.PublicKey, nil
		}
		if cur.ParentProductID == nil {
			break
		}
		cur, err = s.GetProduct(ctx, *cur.ParentProductID)
		if err != nil {
			return "", "", fmt.Errorf("resolve parent product: %w", err)
		}
	}
	return "", "", fmt.Errorf("product %s has no signing key pair", p.ID)
}

// ---------------------------------------------------------------------------
// License types
// ---------------------------------------------------------------------------

// licenseTypeRow maps 1:1 to license_types columns; the feature bag lives in
// a JSON column and is hydrated into model.Features on read.
type licenseTypeRow struct {
	ID                     int64     `db:"id"`
	ProductID              string    `db:"product_id"`
	Slug                   string    `db:"slug"`
	DefaultDurationDays    int       `db:"default_duration_days"`
	IsRecurring            bool      `db:"is_recurring"`
	DefaultAllowedVersions string    `db:"default_allowed_versions"`
	DefaultMaxSeats        int       `db:"default_max_seats"`
	FeaturesJSON           string    `db:"features_json"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r licenseTypeRow) toModel() (model.LicenseType, error) {
	features := model.Features{}
	if r.FeaturesJSON != "" {
		if err := json.Unmarshal([]byte(r.FeaturesJSON), &features); err != nil {
			return model.LicenseType{}, fmt.Errorf("decode features for type %s: %w", r.Slug, err)
		}
	}
	return model.LicenseType{
		ID:                     r.ID,
		ProductID:              r.ProductID,
		Slug:                   r.Slug,
		DefaultDurationDays:    r.DefaultDurationDays,
		IsRecurring:            r.IsRecurring,
		DefaultAllowedVersions: r.DefaultAllowedVersions,
		DefaultMaxSeats:        r.DefaultMaxSeats,
		Features:               features,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}, nil
}

// CreateLicenseType inserts a new type template. The ID field is populated.
func (s *Store) CreateLicenseType(ctx context.Context, t *model.LicenseType) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	featuresJSON, err := json.Marshal(t.Features.Clone())
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO license_types
		(product_id, slug, default_duration_days, is_recurring, default_allowed_versions, default_max_seats, features_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ProductID, t.Slug, t.DefaultDurationDays, t.IsRecurring,
		t.DefaultAllowedVersions, t.DefaultMaxSeats, string(featuresJSON), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert license type: %w", err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// GetLicenseType fetches a type by its slug within a product.
func (s *Store) GetLicenseType(ctx context.Context, productID, slug string) (*model.LicenseType, error) {
	var row licenseTypeRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM license_types WHERE product_id = ? AND slug = ?`, productID, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license type: %w", err)
	}
	t, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetLicenseTypeByID fetches a type by primary key.
func (s *Store) GetLicenseTypeByID(ctx context.Context, id int64) (*model.LicenseType, error) {
	var row licenseTypeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM license_types WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get license type: %w", err)
	}
	t, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListLicenseTypes returns all types for a product.
func (s *Store) ListLicenseTypes(ctx context.Context, productID string) ([]model.LicenseType, error) {
	var rows []licenseTypeRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM license_types WHERE product_id = ? ORDER BY slug`, productID); err != nil {
		return nil, fmt.Errorf("list license types: %w", err)
	}
	out := make([]model.LicenseType, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
