package version

import "fmt"

// VERSION is the major.minor.patch release the daemon was built from,
// injected by the linker.
var VERSION string

// GITCOMMIT is the short git hash the daemon was built from, injected by
// the linker.
var GITCOMMIT string

// VersionToString returns the empty string when no build info was injected.
func VersionToString() string {
	if VERSION == "" && GITCOMMIT == "" {
		return ""
	}
	return fmt.Sprintf("%s - %s", VERSION, GITCOMMIT)
}
