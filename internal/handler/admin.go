package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keygatehq/keygate/internal/license"
	"github.com/keygatehq/keygate/internal/model"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
	"github.com/keygatehq/keygate/internal/signer"
	"github.com/keygatehq/keygate/internal/store"
	"github.com/keygatehq/keygate/internal/threat"
)

// AdminHandler manages keygate's own configuration: products, license
// types, licenses and IP bans.
type AdminHandler struct {
	store   *store.Store
	authSvc *service.AuthService
	ledger  *threat.Ledger
	jwtTTL  time.Duration
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(st *store.Store, authSvc *service.AuthService, ledger *threat.Ledger, jwtTTL time.Duration) *AdminHandler {
	return &AdminHandler{
		store:   st,
		authSvc: authSvc,
		ledger:  ledger,
		jwtTTL:  jwtTTL,
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
	AdminID   int64  `json:"admin_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
}

// Login authenticates an admin user and returns a JWT session token.
// POST /api/v1/admin/session
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required")
		return
	}

	admin, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.authSvc.IssueJWT(r.Context(), admin.ID, admin.Email, h.jwtTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to issue session token")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int(h.jwtTTL.Seconds()),
		AdminID:   admin.ID,
		Email:     admin.Email,
		Name:      admin.Name,
	})
}

// Logout ends an admin session. Tokens are stateless, so this is advisory;
// the client discards the token.
// DELETE /api/v1/admin/session
func (h *AdminHandler) Logout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

type createProductRequest struct {
	Name            string  `json:"name"`
	ParentProductID *string `json:"parent_product_id,omitempty"`
}

// newAPISecret draws a 32-byte random product secret with a stable prefix.
func newAPISecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "kg_" + hex.EncodeToString(buf), nil
}

// CreateProduct registers a product. A root product gets a freshly generated
// 4096-bit key pair; a sub-product inherits its parent's keys. The raw API
// secret appears in this response only, never again.
// POST /api/v1/admin/product
func (h *AdminHandler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Product name is required")
		return
	}

	secret, err := newAPISecret()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to generate API secret")
		return
	}

	p := &model.Product{
		ID:              uuid.NewString(),
		Name:            req.Name,
		APISecretHash:   store.HashSecret(secret),
		APISecretPrefix: secret[:11],
		ParentProductID: req.ParentProductID,
	}

	if req.ParentProductID == nil {
		priv, pub, err := signer.GenerateKeyPair()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Key generation failed: "+err.Error())
			return
		}
		p.PrivateKey = priv
		p.PublicKey = pub
	} else if _, err := h.store.GetProduct(r.Context(), *req.ParentProductID); err != nil {
		writeError(w, http.StatusBadRequest, "Parent product not found")
		return
	}

	if err := h.store.CreateProduct(r.Context(), p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "A product with this name already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create product: "+err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"product":    p,
		"api_secret": secret,
	})
}

// ListProducts returns all products.
// GET /api/v1/admin/product
func (h *AdminHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.store.ListProducts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list products: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: products,
		Meta:     &model.ResponseMeta{Count: len(products)},
	})
}

// GetProduct returns one product.
// GET /api/v1/admin/product/{productId}
func (h *AdminHandler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProduct(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Product not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load product: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RotateProductKeys replaces a product's key pair. Emergency use: every
// credential signed with the old key stops verifying for clients that fetch
// the new public key.
// POST /api/v1/admin/product/{productId}/rotate-keys
func (h *AdminHandler) RotateProductKeys(w http.ResponseWriter, r *http.Request) {
	p, err := h.store.GetProduct(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Product not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load product: "+err.Error())
		return
	}
	if p.ParentProductID != nil {
		writeError(w, http.StatusBadRequest, "Sub-products inherit their parent's keys; rotate the parent")
		return
	}

	priv, pub, err := signer.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Key generation failed: "+err.Error())
		return
	}
	if err := h.store.UpdateProductKeys(r.Context(), p.ID, priv, pub); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to store new keys: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rotated":    true,
		"public_key": pub,
	})
}

// ---------------------------------------------------------------------------
// License types
// ---------------------------------------------------------------------------

type createTypeRequest struct {
	Slug                   string         `json:"slug"`
	DefaultDurationDays    int            `json:"default_duration_days"`
	IsRecurring            bool           `json:"is_recurring"`
	DefaultAllowedVersions string         `json:"default_allowed_versions"`
	DefaultMaxSeats        int            `json:"default_max_seats"`
	Features               model.Features `json:"features,omitempty"`
}

// CreateLicenseType adds a policy template to a product.
// POST /api/v1/admin/product/{productId}/type
func (h *AdminHandler) CreateLicenseType(w http.ResponseWriter, r *http.Request) {
	var req createTypeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Slug == "" {
		writeError(w, http.StatusBadRequest, "Type slug is required")
		return
	}
	if req.DefaultMaxSeats < 1 {
		req.DefaultMaxSeats = 1
	}

	lt := &model.LicenseType{
		ProductID:              chi.URLParam(r, "productId"),
		Slug:                   req.Slug,
		DefaultDurationDays:    req.DefaultDurationDays,
		IsRecurring:            req.IsRecurring,
		DefaultAllowedVersions: req.DefaultAllowedVersions,
		DefaultMaxSeats:        req.DefaultMaxSeats,
		Features:               req.Features,
	}
	if err := h.store.CreateLicenseType(r.Context(), lt); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "A type with this slug already exists for the product")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create license type: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, lt)
}

// ListLicenseTypes returns a product's policy templates.
// GET /api/v1/admin/product/{productId}/type
func (h *AdminHandler) ListLicenseTypes(w http.ResponseWriter, r *http.Request) {
	types, err := h.store.ListLicenseTypes(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list license types: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: types,
		Meta:     &model.ResponseMeta{Count: len(types)},
	})
}

// ---------------------------------------------------------------------------
// Licenses
// ---------------------------------------------------------------------------

type createLicenseRequest struct {
	TypeSlug       string `json:"type_slug"`
	LicenseKey     string `json:"license_key,omitempty"` // generated when empty
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	DurationDays   *int   `json:"duration_days,omitempty"`
	MaxSeats       *int   `json:"max_seats,omitempty"`
	AllowedVersion string `json:"allowed_versions,omitempty"`
}

// CreateLicense issues a license by hand, without any seat. The customer
// activates it later with the key.
// POST /api/v1/admin/product/{productId}/license
func (h *AdminHandler) CreateLicense(w http.ResponseWriter, r *http.Request) {
	var req createLicenseRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	productID := chi.URLParam(r, "productId")

	lt, err := h.store.GetLicenseType(r.Context(), productID, req.TypeSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "License type not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load license type: "+err.Error())
		return
	}

	key := req.LicenseKey
	if key == "" {
		if key, err = license.NewLicenseKey(); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to generate license key")
			return
		}
	}

	now := time.Now().UTC()
	days := lt.DefaultDurationDays
	if req.DurationDays != nil {
		days = *req.DurationDays
	}
	var exp *time.Time
	if days > 0 {
		e := now.AddDate(0, 0, days)
		exp = &e
	}
	seats := lt.DefaultMaxSeats
	if req.MaxSeats != nil && *req.MaxSeats > 0 {
		seats = *req.MaxSeats
	}
	versions := lt.DefaultAllowedVersions
	if req.AllowedVersion != "" {
		versions = req.AllowedVersion
	}

	l := &model.License{
		ID:              uuid.NewString(),
		LicenseKey:      key,
		ProductID:       productID,
		LicenseTypeID:   lt.ID,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		CreationDate:    now,
		ExpirationDate:  exp,
		IsActive:        true,
		AllowedVersions: versions,
		MaxSeats:        seats,
	}
	if err := h.store.CreateLicense(r.Context(), l); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, http.StatusConflict, "A license with this key already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to create license: "+err.Error())
		return
	}
	h.store.AppendHistory(r.Context(), l.ID, model.HistoryCreated, adminActor(r), "created via admin API", now)
	writeJSON(w, http.StatusCreated, l)
}

// ListLicenses returns a product's licenses.
// GET /api/v1/admin/product/{productId}/license
func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	licenses, err := h.store.ListLicenses(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list licenses: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: licenses,
		Meta:     &model.ResponseMeta{Count: len(licenses)},
	})
}

// GetLicense returns one license with its seats and history.
// GET /api/v1/admin/license/{licenseId}
func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "licenseId")
	l, err := h.store.GetLicenseByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "License not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load license: "+err.Error())
		return
	}
	seats, err := h.store.ListSeats(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load seats: "+err.Error())
		return
	}
	history, err := h.store.ListHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load history: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"license": l,
		"seats":   seats,
		"history": history,
	})
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// RevokeLicense deactivates a license with a reason.
// POST /api/v1/admin/license/{licenseId}/revoke
func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by administrator"
	}

	err := h.store.RevokeLicense(r.Context(), chi.URLParam(r, "licenseId"), req.Reason, adminActor(r), time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "License not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to revoke license: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}

// ResetLicense force-clears all seats and hardware bindings, bypassing the
// email code flow.
// POST /api/v1/admin/license/{licenseId}/reset
func (h *AdminHandler) ResetLicense(w http.ResponseWriter, r *http.Request) {
	unlinked, err := h.store.ResetLicense(r.Context(), chi.URLParam(r, "licenseId"), adminActor(r), time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "License not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to reset license: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reset":          true,
		"seats_unlinked": unlinked,
	})
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

// ListBans returns ban records, all of them or only active ones.
// GET /api/v1/admin/ban?active=true
func (h *AdminHandler) ListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := h.store.ListBans(r.Context(), queryBool(r, "active"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list bans: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: bans,
		Meta:     &model.ResponseMeta{Count: len(bans)},
	})
}

type banRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

// CreateBan bans an IP by hand.
// POST /api/v1/admin/ban
func (h *AdminHandler) CreateBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.IP == "" {
		writeError(w, http.StatusBadRequest, "IP is required")
		return
	}
	if h.ledger.Whitelisted(req.IP) {
		writeError(w, http.StatusBadRequest, "IP is whitelisted and cannot be banned")
		return
	}
	if req.Reason == "" {
		req.Reason = "banned by administrator"
	}

	h.ledger.Ban(r.Context(), req.IP, req.Reason)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"banned": true, "ip": req.IP})
}

// DeleteBan lifts an active ban.
// DELETE /api/v1/admin/ban/{ip}
func (h *AdminHandler) DeleteBan(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	if err := h.ledger.Unban(r.Context(), ip); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to lift ban: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"unbanned": true, "ip": ip})
}

// adminActor names the acting admin for audit entries.
func adminActor(r *http.Request) string {
	if p := middleware.GetPrincipal(r.Context()); p != nil {
		return "admin:" + strconv.FormatInt(p.AdminID, 10)
	}
	return "admin"
}
