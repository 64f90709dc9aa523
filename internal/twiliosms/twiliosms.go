// Package twiliosms wraps the Twilio REST API for outbound SMS and
// Twilio-hosted WhatsApp messages, plus inbound webhook signature checks.
package twiliosms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// WhatsAppPrefix is Twilio's address prefix for the WhatsApp channel.
const WhatsAppPrefix = "whatsapp:"

// Sender sends one text message and returns the transport message SID.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	WhatsApp   bool
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the sending number.
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithWhatsApp addresses both ends with the "whatsapp:" prefix.
func WithWhatsApp(enabled bool) Option {
	return func(o *Opts) { o.WhatsApp = enabled }
}

// Client wraps the Twilio REST client.
type Client struct {
	client   *twilio.RestClient
	from     string
	whatsapp bool
}

// NewClient creates a Client. Account SID, auth token and sending number are required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"whatsapp", cfg.WhatsApp)

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:   client,
		from:     cfg.From,
		whatsapp: cfg.WhatsApp,
	}, nil
}

// Address applies the channel prefix to a bare phone number.
func Address(number string, whatsapp bool) string {
	number = strings.TrimSpace(number)
	if !whatsapp || strings.HasPrefix(strings.ToLower(number), WhatsAppPrefix) {
		return number
	}
	return WhatsAppPrefix + number
}

// SendMessage sends a message using the Twilio Messages API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(Address(to, c.whatsapp))
	params.SetFrom(Address(c.from, c.whatsapp))
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// Validator checks the X-Twilio-Signature header of inbound webhooks.
type Validator struct {
	validator twilioclient.RequestValidator
}

// NewValidator creates a Validator for the account's auth token.
func NewValidator(authToken string) *Validator {
	return &Validator{validator: twilioclient.NewRequestValidator(authToken)}
}

// Validate reports whether signature matches the public URL and form parameters.
func (v *Validator) Validate(url string, params map[string]string, signature string) bool {
	return v.validator.Validate(url, params, signature)
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	FailFor      map[string]error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{FailFor: make(map[string]error)}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailFor[to]; ok {
		return "", err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return fmt.Sprintf("SMmock%04d", len(m.SentMessages)), nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
