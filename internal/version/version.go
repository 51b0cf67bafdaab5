// Package version holds the release version printed by the CLI.
package version

// Current is the release version, without a "v" prefix.
const Current = "0.4.0"

// Commit may be set at build time with -ldflags "-X .../internal/version.Commit=<sha>".
var Commit = ""

// String returns Current, followed by the abbreviated commit when one was linked in.
func String() string {
	rev := Commit
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if rev == "" {
		return Current
	}
	return Current + " (" + rev + ")"
}
