// Package phone normalizes phone numbers entered by users and received from transports.
package phone

import (
	"strings"
)

// WhatsAppPrefix is the addressing prefix Twilio uses for its WhatsApp channel.
const WhatsAppPrefix = "whatsapp:"

// DefaultCountryCode is prefixed to bare 10-digit numbers.
const DefaultCountryCode = "1"

// StripTransportPrefix removes a case-insensitive "whatsapp:" prefix.
func StripTransportPrefix(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= len(WhatsAppPrefix) && strings.EqualFold(s[:len(WhatsAppPrefix)], WhatsAppPrefix) {
		return strings.TrimSpace(s[len(WhatsAppPrefix):])
	}
	return s
}

// Canonical returns the identity key used to look up a user: the number as
// stored, with any transport prefix removed.
func Canonical(raw string) string {
	return StripTransportPrefix(raw)
}

// Normalize rewrites a user-entered number into the form the transport
// expects. Everything except digits and '+' is dropped, and a bare 10-digit
// number gets "+<countryCode>". Other numbers without '+' get a bare '+'.
func Normalize(raw, countryCode string) string {
	s := StripTransportPrefix(raw)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		return ""
	}
	if strings.HasPrefix(cleaned, "+") {
		// Keep the leading plus only.
		return "+" + strings.ReplaceAll(cleaned[1:], "+", "")
	}
	cleaned = strings.ReplaceAll(cleaned, "+", "")
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	countryCode = strings.TrimPrefix(countryCode, "+")
	if len(cleaned) == 10 {
		return "+" + countryCode + cleaned
	}
	return "+" + cleaned
}
