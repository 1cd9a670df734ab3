// Package version orders the free-text version strings reported by
// WordPress and npm clients.
//
// Versions are reduced to dot-separated digits before comparison, so
// "1.2.3-beta" and "1.2.3" compare equal. Residue is cut at the first
// character that is neither a digit nor a dot rather than removed, so a
// suffix can never merge into a component: "1.2.3-beta.4" is "1.2.3", not
// "1.2.3.4", and "1.2a.3" is "1.2". The order is total over the sanitised
// form, not over semver.
package version

import (
	"sort"
	"strings"
)

// Sanitize reduces v to digits and dots. Leading non-numeric characters
// ("v1.2") are dropped, everything from the first other character onward
// ("1.2-rc1") is cut, a leading dot gains a 0 prefix and a trailing dot a 0
// suffix. An empty result is "0".
func Sanitize(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimLeftFunc(v, func(r rune) bool { return !isVersionRune(r) })
	if i := strings.IndexFunc(v, func(r rune) bool { return !isVersionRune(r) }); i >= 0 {
		v = v[:i]
	}
	if v == "" {
		return "0"
	}
	if strings.HasPrefix(v, ".") {
		v = "0" + v
	}
	if strings.HasSuffix(v, ".") {
		v += "0"
	}
	return v
}

func isVersionRune(r rune) bool {
	return r == '.' || (r >= '0' && r <= '9')
}

// Compare returns -1, 0 or 1 as a is lower than, equal to or higher than b.
// Components are compared numerically without overflow; missing trailing
// components count as 0, so "1.2" equals "1.2.0".
func Compare(a, b string) int {
	as := strings.Split(Sanitize(a), ".")
	bs := strings.Split(Sanitize(b), ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		if c := compareNumeric(x, y); c != 0 {
			return c
		}
	}
	return 0
}

// compareNumeric compares two digit strings as unbounded integers. Empty
// strings (from "1..2" or a missing component) are zero.
func compareNumeric(x, y string) int {
	x = strings.TrimLeft(x, "0")
	y = strings.TrimLeft(y, "0")
	if len(x) != len(y) {
		if len(x) < len(y) {
			return -1
		}
		return 1
	}
	return strings.Compare(x, y)
}

// SortDescending sorts items newest version first, using key to extract
// each item's version. Items with equal versions keep their input order.
func SortDescending[T any](items []T, key func(T) string) {
	sort.SliceStable(items, func(i, j int) bool {
		return Compare(key(items[i]), key(items[j])) > 0
	})
}
