package catalog

import (
	"strconv"
	"strings"
)

func parseVersion(v string) ([]int, bool) {
	parts := strings.Split(v, ".")
	r := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		r[i] = n
	}
	return r, true
}

// CompareVersions compares dotted numeric versions a and b, returning
// -1, 0, or 1. Shorter versions are padded with zeros. Versions that
// are not purely numeric are compared as strings.
func CompareVersions(a, b string) int {
	pa, okA := parseVersion(a)
	pb, okB := parseVersion(b)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	for len(pa) < len(pb) {
		pa = append(pa, 0)
	}
	for len(pb) < len(pa) {
		pb = append(pb, 0)
	}
	for i := range pa {
		if pa[i] < pb[i] {
			return -1
		} else if pa[i] > pb[i] {
			return 1
		}
	}
	return 0
}

// GuessKind returns the package kind ("dmg", "pkg", "zip") from the
// extension of a URL or "unknown".
func GuessKind(u string) string {
	l := strings.ToLower(u)
	switch {
	case strings.HasSuffix(l, ".dmg"):
		return "dmg"
	case strings.HasSuffix(l, ".pkg"):
		return "pkg"
	case strings.HasSuffix(l, ".zip"):
		return "zip"
	}
	return "unknown"
}
