package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
	"github.com/SCSIExpress/pacsync/pkg/log"
)

// errorBody is the wire envelope for all error responses
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("response encoding failed")
	}
}

// writeError maps an error to the taxonomy envelope. Persistence and
// internal causes are redacted so driver details never reach clients.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errdefs.KindOf(err)
	status := errdefs.HTTPStatus(err)

	detail := errorDetail{
		Code:      string(kind),
		Message:   err.Error(),
		RequestID: middleware.GetReqID(r.Context()),
		Timestamp: time.Now().UTC(),
	}
	var taxErr *errdefs.Error
	if errors.As(err, &taxErr) {
		detail.Message = taxErr.Message
		if len(taxErr.Details) > 0 {
			detail.Details = taxErr.Details
		}
	}
	if errdefs.Redacted(err) {
		detail.Message = "internal server error"
		detail.Details = nil
	}

	if status >= http.StatusInternalServerError {
		log.WithComponent("api").Error().
			Err(err).
			Str("request_id", detail.RequestID).
			Str("path", r.URL.Path).
			Msg("request failed")
	}

	writeJSON(w, status, errorBody{Error: detail})
}

// decodeJSON decodes a request body into dst, rejecting unknown fields
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 10<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errdefs.Validation("invalid request body: %v", err)
	}
	return nil
}
