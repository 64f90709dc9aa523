// Package messaging provides the outbound message transports used for
// reminders, caregiver alerts and command replies.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/phone"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for response channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// DefaultSendTimeout bounds a single transport call.
	DefaultSendTimeout = 15 * time.Second
	// minRecipientDigits is the shortest number any transport accepts.
	minRecipientDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient. The receipt is populated even
	// when an error is returned, with status failed and the reason.
	SendMessage(ctx context.Context, to string, body string) (models.Receipt, error)

	// Start begins any background processing.
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error
}

// InboundService is implemented by channels that deliver patient messages
// asynchronously instead of through the HTTP webhook.
type InboundService interface {
	Service
	Responses() <-chan models.Response
}

// canonicalizeRecipient strips the transport prefix and formatting characters,
// keeping a leading '+' when present.
func canonicalizeRecipient(recipient string) (string, error) {
	s := phone.Canonical(recipient)
	if s == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	var b strings.Builder
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("invalid phone number: unexpected character %q in %q", r, recipient)
		}
	}
	if digits < minRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", recipient, minRecipientDigits)
	}
	return b.String(), nil
}

func failedReceipt(to string, err error) models.Receipt {
	return models.Receipt{
		To:     to,
		Status: models.MessageStatusFailed,
		Error:  err.Error(),
		Time:   time.Now().Unix(),
	}
}
