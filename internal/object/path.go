package object

import (
	"strings"

	storeerr "github.com/bleepstore/chunkvault/internal/errors"
)

// Delimiter separates path segments.
const Delimiter = "/"

// ValidatePath checks that p is a normalized object path: non-empty
// segments, no leading or trailing delimiter, no "." or ".." segments and
// no control characters.
func ValidatePath(p string) error {
	if p == "" {
		return storeerr.InvalidPath(p)
	}
	return validateSegments(p)
}

// ValidatePrefix is ValidatePath but accepts the empty root prefix.
func ValidatePrefix(p string) error {
	if p == "" {
		return nil
	}
	return validateSegments(p)
}

func validateSegments(p string) error {
	for _, seg := range strings.Split(p, Delimiter) {
		if seg == "" || seg == "." || seg == ".." {
			return storeerr.InvalidPath(p)
		}
		for i := 0; i < len(seg); i++ {
			if c := seg[i]; c < 0x20 || c == 0x7f {
				return storeerr.InvalidPath(p)
			}
		}
	}
	return nil
}

// PrefixMatch returns the segments of p that follow prefix, matching whole
// segments only: "a/1" is not a prefix of "a/1.txt". The empty prefix
// matches every path.
func PrefixMatch(p, prefix string) ([]string, bool) {
	if prefix == "" {
		return strings.Split(p, Delimiter), true
	}
	if p == prefix {
		return nil, true
	}
	if !strings.HasPrefix(p, prefix+Delimiter) {
		return nil, false
	}
	return strings.Split(p[len(prefix)+1:], Delimiter), true
}

// Child joins prefix and a single segment.
func Child(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + Delimiter + segment
}
