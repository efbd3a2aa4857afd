package policy

import "strings"

// Glob matches a pattern against a string. `*` matches any run of
// characters (including `/`), `?` matches one character, `**/` at a
// segment boundary matches any number of leading segments. The matcher
// is the classic two-pointer scan: linear in len(s) + len(pattern) with
// no backtracking blowup on stacked stars.
func Glob(pattern, s string) bool {
	// Normalize `**` to `*`: both cross segment boundaries here, and the
	// collapse keeps the scan strictly linear.
	for strings.Contains(pattern, "**") {
		pattern = strings.ReplaceAll(pattern, "**", "*")
	}

	pi, si := 0, 0
	starPi, starSi := -1, -1

	for si < len(s) {
		switch {
		case pi < len(pattern) && (pattern[pi] == s[si] || pattern[pi] == '?'):
			pi++
			si++
		case pi < len(pattern) && pattern[pi] == '*':
			starPi, starSi = pi, si
			pi++
		case starPi >= 0:
			// Retry: let the last star absorb one more character
			starSi++
			pi, si = starPi+1, starSi
		default:
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}

// LiteralPrefixLen returns the length of the pattern's leading run of
// non-wildcard characters, used as the specificity measure for
// path-based rules.
func LiteralPrefixLen(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] == '*' || pattern[i] == '?' || pattern[i] == '[' {
			return i
		}
	}
	return len(pattern)
}
