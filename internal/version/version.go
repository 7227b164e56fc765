package version

import "fmt"

// Build metadata, overridden with -ldflags at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata as one human-readable line.
func String() string {
	return fmt.Sprintf("whaleswarm %s (commit %s, built %s)", Version, Commit, BuildDate)
}
