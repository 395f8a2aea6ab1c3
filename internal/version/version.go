// Package version holds build-time version information, stamped via
// ldflags.
package version

const PackageName = "memgridd"

var (
	// Version is the semantic release version.
	Version = "undefined"
	// CommitHash is the git commit the binary was built from.
	CommitHash = "undefined"
	// BuildDate is the build timestamp.
	BuildDate = "undefined"
)
