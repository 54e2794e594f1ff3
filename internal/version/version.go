// Package version holds build metadata injected with -ldflags, for example
//
//	go build -ldflags "-X affine-aligner/internal/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import "fmt"

var (
	// Version is the release of the aligner.
	Version = "0.1.0"

	// BuildTime is the UTC build time.
	BuildTime = "unknown"

	// GitCommit is the source revision.
	GitCommit = "unknown"
)

// String formats the build metadata for display.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
