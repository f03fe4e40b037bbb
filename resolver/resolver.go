// Package resolver implements the App Resolver: mapping a user-supplied
// AppKey to a concrete on-disk AppDirectory by semver selection.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/buntimehq/buntime/types"
)

var bareIntegerSelector = regexp.MustCompile(`^\d+$`)
var bareMinorSelector = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// Resolve maps an AppKey to the AppDirectory with the highest semver
// version satisfying the selector, per spec §4.1.
//
// appsDir is APPS_DIR. Subdirectories of appsDir/{name} that do not parse
// as semver are ignored. No selector means "highest available".
func Resolve(appsDir string, key types.AppKey) (string, error) {
	versions, err := listVersions(appsDir, key.Name)
	if err != nil {
		return "", err
	}
	if len(versions) == 0 {
		return "", types.NewError(types.ErrorKindAppNotFound, fmt.Sprintf("App not found: %s", key.Name))
	}

	constraint, err := constraintFor(key.Selector)
	if err != nil {
		return "", types.NewError(types.ErrorKindAppNotFound, fmt.Sprintf("App not found: %s", key))
	}

	var best *semver.Version
	for _, v := range versions {
		if constraint != nil && !constraint.Check(v) {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
		}
	}
	if best == nil {
		return "", types.NewError(types.ErrorKindAppNotFound, fmt.Sprintf("App not found: %s", key))
	}

	return filepath.Join(appsDir, key.Name, best.Original()), nil
}

// listVersions lists the immediate subdirectories of appsDir/name that
// parse as valid semver.
func listVersions(appsDir, name string) ([]*semver.Version, error) {
	entries, err := os.ReadDir(filepath.Join(appsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot list app directory %q: %w", name, err)
	}

	versions := make([]*semver.Version, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue // not a version directory; ignored per spec §4.1
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// constraintFor interprets a selector string per spec §4.1. An empty
// selector returns a nil constraint, meaning "no restriction".
func constraintFor(selector string) (*semver.Constraints, error) {
	if selector == "" {
		return nil, nil
	}
	if bareIntegerSelector.MatchString(selector) {
		return semver.NewConstraint(fmt.Sprintf(">=%s.0.0, <%s.0.0", selector, incrementString(selector)))
	}
	if m := bareMinorSelector.FindStringSubmatch(selector); m != nil {
		major, minor := m[1], m[2]
		return semver.NewConstraint(fmt.Sprintf(">=%s.%s.0, <%s.%s.0", major, minor, major, incrementString(minor)))
	}
	return semver.NewConstraint(selector)
}

// incrementString parses a non-negative base-10 integer and returns the
// string form of its successor, without pulling in strconv.Atoi's full
// error surface at call sites that already matched a \d+ regex.
func incrementString(s string) string {
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return fmt.Sprintf("%d", n+1)
}
