package recording

import (
	"net/url"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// NormalizeMeetingID folds full-width digits and strips the spaces and hyphens
// people paste from invitations ("８１２ 3456-7890" becomes "81234567890").
// Non-numeric identifiers are only NFKC-folded and trimmed.
func NormalizeMeetingID(raw string) string {
	folded := strings.TrimSpace(norm.NFKC.String(raw))
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, folded)
	if stripped == "" {
		return folded
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return folded
		}
	}
	return stripped
}

// EncodeUUID escapes a meeting UUID for use as a path segment. UUIDs that start
// with "/" or contain "//" must be encoded twice.
func EncodeUUID(uuid string) string {
	once := url.PathEscape(uuid)
	if strings.HasPrefix(uuid, "/") || strings.Contains(uuid, "//") {
		return url.PathEscape(once)
	}
	return once
}
