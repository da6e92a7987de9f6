package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON encodes payload to the response with the given status. Encoding
// failures are ignored: the status line is already on the wire.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError reports a failure in the dashboard's error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
