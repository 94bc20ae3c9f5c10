// Package secret masks credentials for log output.
package secret

import "strings"

// Mask hides most of a secret while keeping enough to recognize it in
// logs. Short secrets are fully masked; medium ones keep the first and
// last character; long ones keep the first three and the last one.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
