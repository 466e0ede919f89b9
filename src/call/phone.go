package call

import "strings"

// NormalizePhone canonicalizes a dialable number to E.164-ish form. Formatting
// characters are stripped; a bare national number picks up the default country
// code when its length matches the national pattern (10 digits, or 11 with the
// code already prefixed). Anything else just gains a plus.
func NormalizePhone(number, defaultCountry string) string {
	var b strings.Builder
	for _, r := range number {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		return cleaned
	}
	if defaultCountry != "" {
		if len(cleaned) == 10 {
			return "+" + defaultCountry + cleaned
		}
		if len(cleaned) == len(defaultCountry)+10 && strings.HasPrefix(cleaned, defaultCountry) {
			return "+" + cleaned
		}
	}
	return "+" + cleaned
}
