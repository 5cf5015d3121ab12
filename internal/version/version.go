package version

import (
	"fmt"
	"runtime"
)

// Set at build time with -ldflags "-X ...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GoVersion returns the Go runtime version string.
func GoVersion() string { return runtime.Version() }

// String is the one-line banner printed by `crawlkeeper version`.
func String() string {
	return fmt.Sprintf("crawlkeeper %s (commit %s, built %s, %s %s/%s)",
		Version, GitCommit, BuildTime, GoVersion(), runtime.GOOS, runtime.GOARCH)
}
