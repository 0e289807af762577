// Package merchant reduces merchant identifiers to brand tokens so that an
// allowlist entry such as "*.redmart.com" matches a catalog merchant "RedMart".
package merchant

import (
	"strings"

	"github.com/p-poon/pantry-pilot/pkg/domain"
)

const wildcardPrefix = "*."

// Normalize returns the brand token of a merchant identifier: the first
// dot-delimited label after trimming, lower-casing and stripping a leading
// wildcard subdomain. Degenerate input yields "".
func Normalize(merchant string) string {
	cleaned := strings.ToLower(strings.TrimSpace(merchant))
	cleaned = strings.TrimPrefix(cleaned, wildcardPrefix)
	cleaned = strings.TrimLeft(cleaned, ".")
	if cleaned == "" {
		return ""
	}
	token, _, _ := strings.Cut(cleaned, ".")
	return token
}

// Wildcard turns a bare domain such as "redmart.com" into the allowlist form
// "*.redmart.com". Brand names and existing wildcards are returned trimmed.
func Wildcard(m string) string {
	m = strings.TrimSpace(m)
	if strings.HasPrefix(m, wildcardPrefix) || !strings.Contains(m, ".") {
		return m
	}
	return wildcardPrefix + m
}

// Match reports whether two merchant identifiers share a non-empty brand token.
func Match(a, b string) bool {
	ta := Normalize(a)
	return ta != "" && ta == Normalize(b)
}

// Allowed reports whether merchant matches any allowlist entry.
func Allowed(allowed []string, merchant string) bool {
	for _, a := range allowed {
		if Match(a, merchant) {
			return true
		}
	}
	return false
}

// FilterCatalog keeps, in catalog order, the items whose merchant is on the
// allowlist. Everything else is dropped without error.
func FilterCatalog(catalog []domain.CartItem, allowed []string) []domain.CartItem {
	out := make([]domain.CartItem, 0, len(catalog))
	for _, item := range catalog {
		if Allowed(allowed, item.Merchant) {
			out = append(out, item)
		}
	}
	return out
}
