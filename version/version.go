// Package version compares firmware version strings.
//
// A version is a sequence of non-negative integers separated by dots, of any
// length: "1", "1.0", "1.0.17.3". Components are compared pairwise, left to
// right, numerically. When one version is a prefix of the other the longer
// one is newer ("1.0" < "1.0.1").
//
// A component that is not a non-negative integer makes the whole version
// unparsable. Unparsable versions sort before every parsable one, so a
// malformed server version never triggers an upgrade and a malformed local
// version is always considered out of date.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed version string.
type Version []uint64

// Parse splits s into numeric components.
func Parse(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty version")
	}
	parts := strings.Split(s, ".")
	v := make(Version, len(parts))
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("version %q: component %d (%q) is not a non-negative integer", s, i, part)
		}
		v[i] = n
	}
	return v, nil
}

// Compare returns -1, 0 or +1 as a is older than, equal to or newer than b.
func (a Version) Compare(b Version) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// String joins the components with dots.
func (a Version) String() string {
	parts := make([]string, len(a))
	for i, n := range a {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}

// Compare compares two version strings. See the package comment for the
// ordering of unparsable versions; two unparsable versions compare equal.
func Compare(a, b string) int {
	va, errA := Parse(a)
	vb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// IsNewer reports whether candidate is strictly newer than current.
func IsNewer(current, candidate string) bool {
	return Compare(candidate, current) > 0
}
