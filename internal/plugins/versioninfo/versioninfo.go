// Package versioninfo is a built-in Amps plugin exposing GET /api/version,
// registered under the name "versioninfo". It exists both as a real,
// activatable route and as a working example of the plugin.RegisterFunc
// shape a config-declared plugin implements.
package versioninfo

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/LibreNetworks/amps/internal/plugin"
	"github.com/LibreNetworks/amps/pkg/version"
)

func init() {
	plugin.Register("versioninfo", register)
}

func register(r *mux.Router) {
	r.HandleFunc("/api/version", handle).Methods(http.MethodGet)
}

func handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"version": version.Version})
}
