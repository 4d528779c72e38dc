// Package engine renders canonical server records into engine-specific JSON
// configuration documents. The two target engines have incompatible schemas,
// so each gets its own pure renderer behind one Generator contract; a factory
// selects the renderer by the configured active core name.
package engine

import (
	"github.com/corelink-dev/corelink/internal/server"
	"github.com/corelink-dev/corelink/internal/settings"
)

// Engine names as they appear in the active_core setting.
const (
	CoreSingBox = "sing-box"
	CoreXray    = "xray"
)

// TestBasePort is the first local inbound port in test mode; server i listens
// at TestBasePort+i.
const TestBasePort = 11000

// Resolver looks up a chain member by id at generation time. Members that
// resolve to nil are silently skipped.
type Resolver func(id string) *server.Record

// Generator turns records plus a settings snapshot into one engine's JSON
// document. Implementations are pure: aside from the guarded soft-fallback
// paths (malformed numeric settings, missing chain members) they cannot fail.
type Generator interface {
	Name() string

	// GenerateConfig renders the full runtime configuration for one record
	// or one ordered chain of records.
	GenerateConfig(rec *server.Record, resolve Resolver, st settings.Settings) ([]byte, error)

	// GenerateTestConfig renders N inbound/outbound pairs wired 1:1 by
	// index, with the final route falling through to direct so DNS resolves
	// outside the tunnel during testing.
	GenerateTestConfig(servers []*server.Record, st settings.Settings) ([]byte, error)
}

// ForCore returns the renderer for the named core, defaulting to sing-box
// when the name is unrecognized.
func ForCore(name string) Generator {
	if name == CoreXray {
		return &XrayGenerator{}
	}
	return &SingBoxGenerator{}
}
