// Package buildinfo holds compile-time metadata stamped into the binary.
package buildinfo

// Overridden through ldflags in release builds; the defaults identify a
// local development build.
var (
	// Version is the released version or git describe output.
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "none"

	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
