// Package util provides small helpers shared across MedPipe components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateMockSID generates a message SID shaped like Twilio's ("SM" + 32 hex)
// for sends that were only logged.
func GenerateMockSID() string {
	return GenerateRandomID("SM", 32)
}

// GenerateRequestID generates an ID for correlating the log lines of one inbound request.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 16)
}
