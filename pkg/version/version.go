// Package version parses and orders the firmware version strings
// carried in OTA_BEGIN (§3): semver "major.minor.patch" with an
// optional "-N-g<hash>" build-metadata suffix and/or a "-dirty"
// suffix. Suffixes are informational and never participate in
// ordering, per §3.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed firmware version.
type Version struct {
	Major, Minor, Patch uint64
	// Suffix holds everything after patch verbatim (e.g.
	// "-14-gabc1234-dirty"), kept for display only.
	Suffix string
}

// Parse parses a version string of the form "major.minor.patch" with
// an optional suffix starting at the first '-' after patch.
func Parse(s string) (Version, error) {
	core := s
	var suffix string
	if i := strings.IndexByte(s, '-'); i >= 0 {
		core = s[:i]
		suffix = s[i:]
	}

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version: %q is not major.minor.patch", s)
	}

	nums := make([]uint64, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 64)
		if err != nil {
			return Version{}, fmt.Errorf("version: invalid component %q in %q: %w", p, s, err)
		}
		nums[i] = n
	}

	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Suffix: suffix}, nil
}

// Compare returns -1, 0, or 1 as a orders before, equal to, or after
// b, by (major, minor, patch) only — suffixes never participate.
func Compare(a, b Version) int {
	if a.Major != b.Major {
		return cmp64(a.Major, b.Major)
	}
	if a.Minor != b.Minor {
		return cmp64(a.Minor, b.Minor)
	}
	if a.Patch != b.Patch {
		return cmp64(a.Patch, b.Patch)
	}
	return 0
}

func cmp64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Suffix)
}
