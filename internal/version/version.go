// Package version holds build metadata, overridden with -ldflags -X.
package version

import "fmt"

var (
	Version = "1.0.0"
	Commit  = "unknown"
	Date    = "unknown"
)

// String formats the build metadata for humans
func String() string {
	return fmt.Sprintf("%s (%s) built at %s", Version, Commit, Date)
}
