package handler

import (
	"net/http"

	"github.com/keygatehq/keygate/internal/license"
	"github.com/keygatehq/keygate/internal/server/middleware"
	"github.com/keygatehq/keygate/internal/service"
)

// ActivationHandler exposes the client-facing license endpoints. Every
// route requires a valid product secret; the product arrives through the
// request context.
type ActivationHandler struct {
	orch *service.Orchestrator
}

// NewActivationHandler creates an ActivationHandler.
func NewActivationHandler(orch *service.Orchestrator) *ActivationHandler {
	return &ActivationHandler{orch: orch}
}

// Activate binds a machine to a license key and returns the signed
// credential.
// POST /api/v1/license/activate
func (h *ActivationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req license.ActivateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	res, err := h.orch.Activate(r.Context(), product, clientIP(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credential":  res.Credential,
		"license_key": res.License.LicenseKey,
		"recovered":   res.Recovered,
		"expires_at":  res.License.ExpirationDate,
	})
}

// RequestTrial issues (or re-issues) a self-service license for a machine.
// POST /api/v1/license/trial
func (h *ActivationHandler) RequestTrial(w http.ResponseWriter, r *http.Request) {
	var req license.TrialRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	res, err := h.orch.RequestTrial(r.Context(), product, clientIP(r), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credential":  res.Credential,
		"license_key": res.License.LicenseKey,
		"expires_at":  res.License.ExpirationDate,
	})
}

type statusRequest struct {
	LicenseKey string `json:"license_key"`
	HardwareID string `json:"hardware_id"`
}

// CheckStatus reports the standing of a license for a machine.
// POST /api/v1/license/status
func (h *ActivationHandler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	status, err := h.orch.CheckStatus(r.Context(), product, clientIP(r), req.LicenseKey, req.HardwareID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": status})
}

// Deactivate releases the seat held by a machine.
// POST /api/v1/license/deactivate
func (h *ActivationHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	if err := h.orch.Deactivate(r.Context(), product, req.LicenseKey, req.HardwareID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deactivated": true})
}

type renewRequest struct {
	LicenseKey    string `json:"license_key"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference,omitempty"`
}

// Renew extends a recurring license after a payment event.
// POST /api/v1/license/renew
func (h *ActivationHandler) Renew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	newExp, err := h.orch.Renew(r.Context(), product, req.LicenseKey, req.TransactionID, req.Reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": newExp})
}

type resetRequest struct {
	LicenseKey string `json:"license_key"`
	Code       string `json:"code,omitempty"`
}

// RequestReset starts the self-service hardware unlink flow. The code goes
// out through the notification channel, never in this response.
// POST /api/v1/license/reset/request
func (h *ActivationHandler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	if _, err := h.orch.RequestReset(r.Context(), product, req.LicenseKey); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "A reset code has been sent to the email on file.",
	})
}

// ConfirmReset completes the unlink flow with the emailed code.
// POST /api/v1/license/reset/confirm
func (h *ActivationHandler) ConfirmReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	product := middleware.GetProduct(r.Context())
	if err := h.orch.ConfirmReset(r.Context(), product, req.LicenseKey, req.Code); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}
