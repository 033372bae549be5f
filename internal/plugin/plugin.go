// Package plugin implements a compile-time analog of the original Amps
// plugin system (original_source/amps/plugin_utils.py's load_plugins):
// config declares a list of plugin names to activate, and each activated
// plugin registers additional routes on the boot-time router.
//
// The Python original imports plugin modules dynamically by dotted path at
// runtime. Go has no equivalent that isn't either the notoriously fragile
// plugin.Open (Linux-only .so files, ABI-locked to the exact toolchain that
// built the host binary) or shelling out to a separate process. Neither
// serves "config declares a plugin, it registers routes on the same
// process's router" the way the original does, so this package instead
// uses the registry pattern the standard library itself uses for pluggable
// components (database/sql drivers, image codecs): every plugin registers
// itself from an init() in its own package, and config only chooses which
// of the compiled-in plugins to activate.
package plugin

import (
	"sort"
	"sync"

	"github.com/gorilla/mux"
)

// RegisterFunc mounts a plugin's routes onto r. It mirrors
// register_plugin(app, api_blueprint, config)'s role in the original:
// given the router, add whatever the plugin contributes.
type RegisterFunc func(r *mux.Router)

var (
	mu       sync.Mutex
	registry = map[string]RegisterFunc{}
)

// Register makes a plugin available for activation under name. Called from
// the plugin package's own init(), so importing the package for its
// side effect (usually a blank import in cmd/amps) is what makes it
// available to load — it still has to be named in config to actually run.
func Register(name string, fn RegisterFunc) {
	mu.Lock()
	defer mu.Unlock()
	registry[name] = fn
}

// Load activates each name against r, returning the names that succeeded
// and the names that were not found — the same loaded_plugins/failed_plugins
// bookkeeping load_plugins keeps on app.config, surfaced here as return
// values instead of mutating shared state.
func Load(names []string, r *mux.Router) (loaded, failed []string) {
	mu.Lock()
	defer mu.Unlock()
	for _, name := range names {
		fn, ok := registry[name]
		if !ok {
			failed = append(failed, name)
			continue
		}
		fn(r)
		loaded = append(loaded, name)
	}
	sort.Strings(loaded)
	sort.Strings(failed)
	return loaded, failed
}

// Known returns the names of every compiled-in plugin, regardless of
// whether config activates it.
func Known() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
