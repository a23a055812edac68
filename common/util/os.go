package util

import (
	"strings"
)

// FilterOSArgs masks the value of every flag not in the whitelist, so
// tokens and connection strings never reach the startup log.
func FilterOSArgs(args []string, whitelist []string) []string {
	allowed := make(map[string]struct{}, len(whitelist))
	for _, name := range whitelist {
		allowed[name] = struct{}{}
	}
	filtered := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		if strings.HasPrefix(arg, "--") {
			_, ok := allowed[strings.TrimPrefix(strings.ToLower(arg), "--")]
			maskNext = !ok
			filtered[i] = arg
			continue
		}
		if maskNext {
			filtered[i] = strings.Repeat("*", len(arg))
			maskNext = false
		} else {
			filtered[i] = arg
		}
	}
	return filtered
}
