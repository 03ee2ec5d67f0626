// Package httpapi wires C1-C15 into the two HTTP control flows (§6):
// event capture and flag evaluation. Small ServeHTTP methods, a shared
// JSON error envelope, routed by a plain net/http.ServeMux in cmd/command.go.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/posthog/capture-flags/pkg/ingesterr"
)

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps err to its HTTP status per C15 and writes the JSON
// error envelope every endpoint in this package uses.
func writeError(w http.ResponseWriter, err error) {
	status := ingesterr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	body := errorBody{Error: err.Error()}
	var ierr *ingesterr.Error
	if ingesterr.As(err, &ierr) {
		body.Kind = string(ierr.Kind)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
