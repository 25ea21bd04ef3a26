package parse

import (
	"strconv"
	"strings"
)

// ParseVersion splits a dotted version into numeric segments. Segments that
// are not plain non-negative integers count as 0.
func ParseVersion(raw string) []int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			n = 0
		}
		out[i] = n
	}
	return out
}

// MajorMinor returns the first two segments of a version, zero-filled.
func MajorMinor(raw string) (int, int) {
	v := ParseVersion(raw)
	for len(v) < 2 {
		v = append(v, 0)
	}
	return v[0], v[1]
}
