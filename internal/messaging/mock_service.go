package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/util"
)

// Compile-time check that MockService implements Service.
var _ Service = (*MockService)(nil)

// SentMessage is one message captured by MockService.
type SentMessage struct {
	To   string
	Body string
}

// MockService logs messages instead of delivering them. It is used when no
// transport credentials are configured and as a recording double in tests.
type MockService struct {
	mu      sync.Mutex
	sent    []SentMessage
	failFor map[string]error
}

// NewMockService creates an empty MockService.
func NewMockService() *MockService {
	return &MockService{failFor: make(map[string]error)}
}

// FailFor makes sends to recipient return err.
func (m *MockService) FailFor(recipient string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFor[recipient] = err
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error { return nil }

// SendMessage records the message and returns a mocked receipt.
func (m *MockService) SendMessage(ctx context.Context, to string, body string) (models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failFor[to]; ok {
		slog.Warn("MockService SendMessage configured failure", "to", to, "error", err)
		return failedReceipt(to, err), err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	slog.Info("MockService message logged", "to", to, "body", body)
	return models.Receipt{To: to, Status: models.MessageStatusMocked, SID: util.GenerateMockSID(), Time: time.Now().Unix()}, nil
}

// Sent returns a copy of the recorded messages.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}

// SentTo returns the bodies sent to one recipient.
func (m *MockService) SentTo(recipient string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bodies []string
	for _, s := range m.sent {
		if s.To == recipient {
			bodies = append(bodies, s.Body)
		}
	}
	return bodies
}

// Reset clears recorded messages.
func (m *MockService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
