package module

import "github.com/itcore/runtime/backend"

// HostAPIVersion tags one generation of the built-in host import
// surface (spec.md §9 redesign note: "Multiple host-API versions
// (V0..V3) registered in parallel").
type HostAPIVersion int

const (
	HostAPIV0 HostAPIVersion = iota
	HostAPIV1
	HostAPIV2
	HostAPIV3
)

// Namespace returns the import namespace the linker matches for this
// version (spec.md §4.4: "Host imports (namespace equal to \"host\" or
// beginning with \"__marine_host_api_v\")").
func (v HostAPIVersion) Namespace() string {
	switch v {
	case HostAPIV0:
		return "host"
	default:
		names := [...]string{"", "__marine_host_api_v1", "__marine_host_api_v2", "__marine_host_api_v3"}
		return names[v]
	}
}

// Config is a module's load-time configuration (spec.md §4.6
// "load_module" — "module_config").
type Config struct {
	LoggerEnabled   bool
	LoggingMask     int32
	HostAPIVersions map[HostAPIVersion]bool
	WASI            *backend.WasiParameters
	MinSdkVersion   uint32
}
