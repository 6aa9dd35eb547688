// Package version carries build metadata stamped with
// -ldflags "-X github.com/pysugar/relay-nexus/internal/version.Version=v0.2.0".
package version

import "fmt"

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// String renders the build metadata for banners and health probes.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, Commit, BuildTime)
}
