// Package envexpand implements the ${VAR}/${VAR:-default} placeholder
// substitution shared by the bootstrap config loader (cli/config) and the
// per-app worker config loader (workerconfig, proxy target expansion per
// spec §4.2) — one implementation, two callers.
package envexpand

import (
	"os"
	"regexp"
)

// pattern matches ${VAR} and ${VAR:-default}.
//   - ${VAR} expands to the env var value, or empty string if unset
//   - ${VAR:-default} expands to the env var value, or "default" if unset/empty
var pattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand replaces ${VAR} and ${VAR:-default} placeholders in input with
// their corresponding environment variable values.
//
// Unset variables without defaults expand to the empty string rather than
// erroring. Neither caller checks the result afterwards: the bootstrap
// loader decodes the expanded text as-is, and a proxy rule keeps whatever
// target the expansion produced.
func Expand(input string) string {
	return pattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := pattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}

		varName := groups[1]
		if value, ok := os.LookupEnv(varName); ok && value != "" {
			return value
		}

		if len(groups) >= 3 && groups[2] != "" {
			return groups[2]
		}

		return ""
	})
}
