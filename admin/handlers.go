package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maxpert/tpc/driver"
	"github.com/maxpert/tpc/participant"
	"github.com/rs/zerolog/log"
)

// AdminHandlers serves operator endpoints over a participant's registry and
// recovery scanner
type AdminHandlers struct {
	registry *participant.Registry
	scanner  *participant.Scanner
	now      func() time.Time
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(registry *participant.Registry, scanner *participant.Scanner) *AdminHandlers {
	return &AdminHandlers{
		registry: registry,
		scanner:  scanner,
		now:      time.Now,
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	response := map[string]interface{}{
		"data": data,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeErrorBody(w, status, map[string]interface{}{
		"error": message,
	})
}

// writeProtocolError reports a failed protocol step along with what it
// means for the global transaction
func writeProtocolError(w http.ResponseWriter, err error) {
	writeErrorBody(w, protocolStatus(err), map[string]interface{}{
		"error":       err.Error(),
		"disposition": participant.Classify(err).String(),
	})
}

func writeErrorBody(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// protocolStatus maps a protocol error to an HTTP status
func protocolStatus(err error) int {
	var connErr *driver.ConnectionError
	var rejErr *driver.RejectionError
	switch {
	case errors.Is(err, driver.ErrInvalidXID):
		return http.StatusBadRequest
	case errors.Is(err, driver.ErrXIDNotFound):
		return http.StatusNotFound
	case errors.As(err, &connErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &rejErr):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// formatTimestamp renders t as RFC 3339, or "" for the zero time
func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseMaxAge reads max_age as a Go duration, falling back to def
func parseMaxAge(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("max_age")
	if raw == "" {
		return def, nil
	}

	maxAge, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid max_age parameter: %w", err)
	}
	if maxAge < 0 {
		return 0, fmt.Errorf("max_age must not be negative")
	}
	return maxAge, nil
}
