package version

import "fmt"

// Build metadata, stamped via -ldflags at release time. The defaults mark a
// locally built binary.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line for logs and diagnostics.
func String() string {
	return fmt.Sprintf("solcustody %s (%s, built %s)", Version, Commit, BuildDate)
}
