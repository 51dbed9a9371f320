package launchpad

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/infraguys/gcl-looper/loop"
)

// BuildContext carries shared resources into service factories.
type BuildContext struct {
	// Logger is scoped to the service instance being built.
	Logger *slog.Logger

	// Name is the instance name: the configured kind, suffixed with the
	// instance index when count > 1 (e.g. "my.worker-1").
	Name string
}

// Factory builds one iterator instance of a service kind. options is the raw
// YAML node of the instance's `options` section and may be nil when the
// config omits it.
type Factory func(ctx BuildContext, options *yaml.Node) (loop.Iterator, error)

var (
	factories   = make(map[string]Factory)
	factoriesMu sync.RWMutex
)

// Register makes a service kind available to launchpad configs. It panics on
// an empty kind, a nil factory, or a duplicate registration. Intended to be
// called from init() functions of service packages.
func Register(kind string, f Factory) {
	if kind == "" {
		panic("launchpad: service kind must not be empty")
	}
	if f == nil {
		panic(fmt.Sprintf("launchpad: nil factory for kind %s", kind))
	}

	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("launchpad: service kind already registered: %s", kind))
	}
	factories[kind] = f
}

// Lookup returns the factory for kind, or false if none is registered.
func Lookup(kind string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[kind]
	return f, ok
}

// Kinds returns all registered service kinds sorted alphabetically.
func Kinds() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
