package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	ierrors "github.com/rcourtman/pulse-sso/internal/errors"
	"github.com/rcourtman/pulse-sso/internal/logging"
	"github.com/rcourtman/pulse-sso/internal/workflow"
)

const maxRequestBodyBytes = 1 << 20

type errorResponse struct {
	Error string         `json:"error"`
	Code  string         `json:"code"`
	View  *workflow.View `json:"view,omitempty"`
}

func encodeJSON(w http.ResponseWriter, payload any) {
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("api: encode JSON response")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encodeJSON(w, payload)
}

// decodeJSON decodes the request body into dst, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, ierrors.Invalid("invalid JSON body: %v", err))
		return err
	}
	return nil
}

// statusFor maps an error category to an HTTP status code.
func statusFor(err error) int {
	switch ierrors.Classify(err) {
	case ierrors.ErrorTypePermission:
		return http.StatusForbidden
	case ierrors.ErrorTypeUpgrade:
		return http.StatusPaymentRequired
	case ierrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case ierrors.ErrorTypeConflict:
		return http.StatusConflict
	case ierrors.ErrorTypeValidation:
		return http.StatusBadRequest
	case ierrors.ErrorTypeIO:
		return http.StatusBadGateway
	case ierrors.ErrorTypeEntitlement:
		return http.StatusServiceUnavailable
	case ierrors.ErrorTypeCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorView(w, r, err, nil)
}

// writeErrorView writes err along with the session view, so clients can
// render the upgrade prompt or the restored switch position.
func writeErrorView(w http.ResponseWriter, r *http.Request, err error, view *workflow.View) {
	status := statusFor(err)
	code := string(ierrors.Classify(err))

	msg := publicMessage(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().
			Err(err).
			Str("path", r.URL.Path).
			Int("status", status).
			Msg("Request failed")
	}

	writeJSON(w, status, errorResponse{Error: msg, Code: code, View: view})
}

// publicMessage hides internal detail for IO and internal errors.
func publicMessage(err error) string {
	var ioErr *ierrors.IOError
	switch {
	case errors.As(err, &ioErr):
		return fmt.Sprintf("%s failed", ioErr.Op)
	case ierrors.Classify(err) == ierrors.ErrorTypeInternal:
		return "internal error"
	default:
		return strings.TrimSpace(err.Error())
	}
}
