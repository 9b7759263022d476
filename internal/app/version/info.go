package version

import "runtime"

// Set through -ldflags "-X ipwarden/internal/app/version.buildVersion=...".
var (
	buildVersion = "dev"
	builtAt      = ""
)

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	BuiltAt   string `json:"built_at,omitempty"`
	GoVersion string `json:"go_version"`
}

func Get() Info {
	return Info{
		Version:   buildVersion,
		BuiltAt:   builtAt,
		GoVersion: runtime.Version(),
	}
}
