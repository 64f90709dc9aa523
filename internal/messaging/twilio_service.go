package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/twiliosms"
)

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// TwilioService implements Service on top of the Twilio Messages API.
// Inbound Twilio messages arrive through the HTTP webhook, not this service.
type TwilioService struct {
	client  twiliosms.Sender
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a TwilioService with a real or mock Twilio client.
func NewTwilioService(client twiliosms.Sender) *TwilioService {
	return &TwilioService{client: client}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizeRecipient(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop marks the service stopped; later sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

// SendMessage sends a message via Twilio and returns its receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (models.Receipt, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return failedReceipt(to, ErrServiceStopped), ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return failedReceipt(to, err), err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()
	sid, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		return failedReceipt(canonicalTo, err), err
	}

	slog.Info("TwilioService message sent", "to", canonicalTo, "sid", sid)
	return models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, SID: sid, Time: time.Now().Unix()}, nil
}
