package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/whatsapp"
)

// Compile-time check that WhatsAppService implements InboundService.
var _ InboundService = (*WhatsAppService)(nil)

// WhatsAppService implements InboundService using the whatsmeow client.
type WhatsAppService struct {
	client    whatsapp.Sender
	waClient  *whatsapp.Client // set when the sender is a live client, for inbound events
	responses chan models.Response
	mu        sync.RWMutex
	stopped   bool
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:    client,
		responses: make(chan models.Response, DefaultChannelBufferSize),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start registers the inbound message handler on the live client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil {
		slog.Debug("WhatsAppService no live client, skipping event handling")
		return nil
	}
	s.waClient.OnInbound(s.Deliver)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop disconnects the client and closes the responses channel.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	close(s.responses)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a WhatsApp message and returns its receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (models.Receipt, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return failedReceipt(to, ErrServiceStopped), ErrServiceStopped
	}

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return failedReceipt(to, err), err
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultSendTimeout)
	defer cancel()
	id, err := s.client.SendMessage(ctx, canonicalTo, body)
	if err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return failedReceipt(canonicalTo, err), err
	}
	slog.Info("WhatsAppService message sent", "to", canonicalTo)
	return models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, SID: id, Time: time.Now().Unix()}, nil
}

// Responses returns a channel of incoming patient messages.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

// Deliver queues an inbound message for the response handler. Messages are
// dropped if the channel stays full for DefaultChannelTimeout.
func (s *WhatsAppService) Deliver(response models.Response) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "from", response.From)
		return
	}
	select {
	case s.responses <- response:
		slog.Debug("WhatsAppService incoming message forwarded", "from", response.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService responses channel blocked, dropping message", "from", response.From, "timeout", DefaultChannelTimeout)
	}
}
