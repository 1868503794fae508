package api

import (
	"encoding/json"
	"net/http"
)

// Error is the body of every non-2xx response. RequestID matches the
// X-Request-ID response header so a client report can be found in the logs.
type Error struct {
	Status    int    `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Error codes. The status API is read-only, so only routing failures and
// handler panics produce one.
const (
	ErrCodeNotFound       = "not_found"
	ErrCodeMethodNotAllow = "method_not_allowed"
	ErrCodeInternal       = "internal_error"
)

var statusCodes = map[int]string{
	http.StatusNotFound:            ErrCodeNotFound,
	http.StatusMethodNotAllowed:    ErrCodeMethodNotAllow,
	http.StatusInternalServerError: ErrCodeInternal,
}

// codeFor maps an HTTP status to its error code. Statuses without an entry
// fall back to internal_error.
func codeFor(status int) string {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return ErrCodeInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	//nolint:errcheck // the client may already be gone
	json.NewEncoder(w).Encode(v)
}

// writeError sends an Error body for status, tagged with r's request ID.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, Error{
		Status:    status,
		Code:      codeFor(status),
		Message:   message,
		RequestID: requestIDFrom(r.Context()),
	})
}
