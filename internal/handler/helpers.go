package handler

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/keygatehq/keygate/internal/model"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

// writeDomainError maps a domain error to its HTTP representation. Crypto
// and transient failures deliberately hide their detail behind a generic
// message; everything else carries its reason to the caller.
func writeDomainError(w http.ResponseWriter, err error) {
	switch model.KindOf(err) {
	case model.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case model.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case model.KindPolicy:
		writeError(w, http.StatusForbidden, err.Error())
	case model.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case model.KindCrypto:
		writeError(w, http.StatusInternalServerError, "Credential issuance failed")
	case model.KindTransient:
		writeError(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// clientIP is the remote address without the port, as left by the RealIP
// middleware.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
