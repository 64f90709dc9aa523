package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/phone"
	"github.com/BTreeMap/MedPipe/internal/store"
)

// Interpreter maps one inbound message to the reply text.
type Interpreter interface {
	HandleInboundMessage(ctx context.Context, from, body string) string
}

// Recorder persists inbound messages and outbound receipts.
type Recorder interface {
	AddReceipt(r models.Receipt) error
	AddResponse(r models.Response) error
}

// ResponseHandler routes inbound patient messages to the command
// interpreter. Channels with a reply protocol (the Twilio webhook) call
// Handle and render the reply themselves; asynchronous channels are drained
// by Start, which sends the reply back through the service.
type ResponseHandler struct {
	interpreter Interpreter
	dedup       store.DedupRepo
	recorder    Recorder
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithDedup skips messages whose transport ID was already seen.
func WithDedup(d store.DedupRepo) HandlerOption {
	return func(rh *ResponseHandler) { rh.dedup = d }
}

// WithRecorder stores inbound messages and reply receipts.
func WithRecorder(r Recorder) HandlerOption {
	return func(rh *ResponseHandler) { rh.recorder = r }
}

// NewResponseHandler creates a ResponseHandler for the given interpreter.
func NewResponseHandler(interpreter Interpreter, opts ...HandlerOption) *ResponseHandler {
	rh := &ResponseHandler{interpreter: interpreter}
	for _, opt := range opts {
		opt(rh)
	}
	return rh
}

// Handle de-duplicates, records and interprets one inbound message. It
// reports false without a reply when the message ID was already handled.
func (rh *ResponseHandler) Handle(ctx context.Context, response models.Response) (string, bool, error) {
	from := phone.Canonical(response.From)
	if from == "" {
		return "", false, fmt.Errorf("inbound message has no sender")
	}

	if rh.dedup != nil && response.MessageID != "" {
		fresh, err := rh.dedup.RecordInbound(response.MessageID, from)
		if err != nil {
			// Processed without dedup.
			slog.Error("ResponseHandler dedup record failed", "error", err, "message_id", response.MessageID)
		} else if !fresh {
			slog.Info("ResponseHandler skipping duplicate message", "from", from, "message_id", response.MessageID)
			return "", false, nil
		}
	}

	if rh.recorder != nil {
		if response.Time == 0 {
			response.Time = time.Now().Unix()
		}
		if err := rh.recorder.AddResponse(response); err != nil {
			slog.Error("ResponseHandler failed to record response", "error", err, "from", from)
		}
	}

	reply := rh.interpreter.HandleInboundMessage(ctx, from, response.Body)

	if rh.dedup != nil && response.MessageID != "" {
		if err := rh.dedup.MarkProcessed(response.MessageID); err != nil {
			slog.Error("ResponseHandler mark processed failed", "error", err, "message_id", response.MessageID)
		}
	}
	return reply, true, nil
}

// ProcessResponse handles one message and sends the reply through svc.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, svc Service, response models.Response) error {
	reply, handled, err := rh.Handle(ctx, response)
	if err != nil || !handled || reply == "" {
		return err
	}

	receipt, err := svc.SendMessage(ctx, response.From, reply)
	receipt.Kind = models.ReceiptKindReply
	if rh.recorder != nil {
		if recErr := rh.recorder.AddReceipt(receipt); recErr != nil {
			slog.Error("ResponseHandler failed to record reply receipt", "error", recErr, "to", response.From)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

// Start drains svc.Responses() until the channel closes or ctx is done.
func (rh *ResponseHandler) Start(ctx context.Context, svc InboundService) {
	slog.Info("ResponseHandler starting response processing")

	go func() {
		defer slog.Info("ResponseHandler stopped response processing")

		for {
			select {
			case response, ok := <-svc.Responses():
				if !ok {
					slog.Debug("ResponseHandler responses channel closed")
					return
				}
				if err := rh.ProcessResponse(ctx, svc, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				slog.Debug("ResponseHandler stopping due to context cancellation")
				return
			}
		}
	}()
}
