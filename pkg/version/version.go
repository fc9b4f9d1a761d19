// Package version carries build identification stamped in at link time.
package version

// Set via -ldflags "-X github.com/pibrain/pibrain/pkg/version.Version=...".
var (
	Version = "dev"
	Commit  = "<unknown>"
	Date    = "<unknown>"
)
