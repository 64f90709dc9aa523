// Package command interprets inbound patient messages: numbered replies log
// doses, keywords pause, resume or delete the account, and "edit"/"add"
// change the medication list through the text extractor.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/MedPipe/internal/extract"
	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/phone"
	"github.com/BTreeMap/MedPipe/internal/schedule"
	"github.com/BTreeMap/MedPipe/internal/stack"
	"github.com/BTreeMap/MedPipe/internal/store"
)

// Reply texts.
const (
	ReplyPaused          = "Reminders paused successfully. Text 'resume' to continue reminders again."
	ReplyResumed         = "Reminders resumed successfully. You will continue receiving notifications."
	ReplyDeleted         = "Your account and all your data have been deleted. You will no longer receive reminders. Fill the form again to restart."
	ReplyNoAccount       = "No account found with this phone number."
	ReplyUsage           = "Please specify the medicine details. Example: 'edit vitamin d 8 am monday'"
	ReplyParseFailed     = "Failed to parse medicine details. Please ensure the format is correct."
	ReplyAddNoUser       = "Failed to add medicine. User not found."
	ReplyUnrecognized    = "Command not recognized. Please reply with a number, 'pause', 'resume', 'edit', 'add', or 'stop'."
	ReplyAllCompleted    = "All medications completed."
	ReplyTemporaryFailed = "Sorry, something went wrong. Please try again later."
)

// Store is the subset of the user store the interpreter mutates.
type Store interface {
	GetUser(ctx context.Context, phone string) (*models.User, error)
	UpdateUser(ctx context.Context, phone string, up models.UserUpdate) (bool, error)
	DeleteUser(ctx context.Context, phone string) (bool, error)
	ModifyMedications(ctx context.Context, phone string, fn store.MutateFunc) (bool, error)
}

// Opts holds configuration for an Interpreter.
type Opts struct {
	Builder   *stack.Builder
	Extractor extract.Extractor
	Clock     func() time.Time
}

// Option configures an Interpreter.
type Option func(*Opts)

// WithStackBuilder sets the builder used for numbered replies.
func WithStackBuilder(b *stack.Builder) Option {
	return func(o *Opts) { o.Builder = b }
}

// WithExtractor sets the extractor used by "edit" and "add".
func WithExtractor(e extract.Extractor) Option {
	return func(o *Opts) { o.Extractor = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Interpreter maps an inbound message to a store mutation and a reply.
type Interpreter struct {
	store     Store
	builder   *stack.Builder
	extractor extract.Extractor
	now       func() time.Time
}

// NewInterpreter creates an Interpreter over st.
func NewInterpreter(st Store, opts ...Option) *Interpreter {
	cfg := Opts{Clock: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Builder == nil {
		cfg.Builder = stack.NewBuilder()
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.SimpleExtractor{}
	}
	return &Interpreter{
		store:     st,
		builder:   cfg.Builder,
		extractor: cfg.Extractor,
		now:       cfg.Clock,
	}
}

// HandleInboundMessage applies one inbound message from the given address and
// returns the reply text. Failures are reported as reply text, never as errors.
func (i *Interpreter) HandleInboundMessage(ctx context.Context, from, body string) string {
	userPhone := phone.Canonical(from)
	text := strings.ToLower(strings.TrimSpace(body))
	slog.Debug("Interpreter.HandleInboundMessage", "phone", userPhone, "text", text)

	if isDigits(text) {
		return i.logDose(ctx, userPhone, text)
	}
	switch text {
	case "pause":
		return i.setPaused(ctx, userPhone, true)
	case "resume":
		return i.setPaused(ctx, userPhone, false)
	case "stop":
		return i.stop(ctx, userPhone)
	}

	keyword, rest := splitKeyword(text)
	switch keyword {
	case "edit":
		return i.edit(ctx, userPhone, rest)
	case "add":
		return i.add(ctx, userPhone, rest)
	}
	return ReplyUnrecognized
}

func (i *Interpreter) logDose(ctx context.Context, userPhone, posText string) string {
	pos, err := strconv.Atoi(posText)
	if err != nil {
		pos = -1
	}
	now := i.now()

	var (
		reply    string
		snapshot models.User
		shown    []models.StackEntry
	)
	matched, err := i.store.ModifyMedications(ctx, userPhone, func(u *models.User) (bool, error) {
		entries, changed := i.builder.Classify(u, now)
		snapshot = u.Clone()
		shown = entries

		target := stack.Find(entries, pos)
		if target == nil {
			reply = fmt.Sprintf("Position %s not found.\n\n%s", posText, stack.Format(entries))
			return changed, nil
		}
		if target.MedIndex < 0 || target.MedIndex >= len(u.Medications) || !u.Medications[target.MedIndex].NameMatches(target.Name) {
			return false, fmt.Errorf("stack entry %d no longer matches medication %q", pos, target.Name)
		}
		loc := i.builder.Resolver().Location(u.Timezone)
		if err := u.Medications[target.MedIndex].MarkTaken(now.In(loc)); err != nil {
			return false, err
		}

		rebuilt, _ := i.builder.Classify(u, now)
		if len(rebuilt) == 0 {
			reply = fmt.Sprintf("Logged %s!\n\n%s", target.Name, ReplyAllCompleted)
		} else {
			reply = fmt.Sprintf("Logged %s!\n\n%s", target.Name, stack.Format(rebuilt))
		}
		return true, nil
	})
	if err != nil {
		slog.Error("Interpreter.logDose: failed to log dose", "error", err, "phone", userPhone, "position", posText)
		return ReplyTemporaryFailed
	}
	if !matched {
		return ReplyNoAccount
	}
	i.builder.Escalate(ctx, &snapshot, shown)
	return reply
}

func (i *Interpreter) setPaused(ctx context.Context, userPhone string, paused bool) string {
	matched, err := i.store.UpdateUser(ctx, userPhone, models.UserUpdate{Paused: &paused})
	if err != nil {
		slog.Error("Interpreter.setPaused: update failed", "error", err, "phone", userPhone, "paused", paused)
		return ReplyTemporaryFailed
	}
	if !matched {
		return ReplyNoAccount
	}
	slog.Info("Interpreter.setPaused: reminders toggled", "phone", userPhone, "paused", paused)
	if paused {
		return ReplyPaused
	}
	return ReplyResumed
}

func (i *Interpreter) stop(ctx context.Context, userPhone string) string {
	deleted, err := i.store.DeleteUser(ctx, userPhone)
	if err != nil {
		slog.Error("Interpreter.stop: delete failed", "error", err, "phone", userPhone)
		return ReplyTemporaryFailed
	}
	if !deleted {
		return ReplyNoAccount
	}
	slog.Info("Interpreter.stop: account deleted", "phone", userPhone)
	return ReplyDeleted
}

// parse runs the extractor and canonicalizes the time it returns.
func (i *Interpreter) parse(ctx context.Context, rest string) (models.ParsedMedication, bool) {
	parsed, err := i.extractor.Extract(ctx, rest)
	if err != nil {
		slog.Warn("Interpreter.parse: extraction failed", "error", err, "text", rest)
		return parsed, false
	}
	canonical, err := schedule.Canonicalize(parsed.Time)
	if err != nil {
		slog.Warn("Interpreter.parse: extracted time does not resolve", "error", err, "time", parsed.Time)
		return parsed, false
	}
	parsed.Time = canonical
	return parsed, true
}

func (i *Interpreter) edit(ctx context.Context, userPhone, rest string) string {
	if rest == "" {
		return ReplyUsage
	}
	parsed, ok := i.parse(ctx, rest)
	if !ok {
		return ReplyParseFailed
	}

	found := false
	matched, err := i.store.ModifyMedications(ctx, userPhone, func(u *models.User) (bool, error) {
		for j := range u.Medications {
			med := &u.Medications[j]
			if !med.NameMatches(parsed.Name) {
				continue
			}
			med.Times = []string{parsed.Time}
			med.Day = parsed.Day
			found = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		slog.Error("Interpreter.edit: update failed", "error", err, "phone", userPhone)
		return ReplyTemporaryFailed
	}
	if !matched {
		return ReplyNoAccount
	}
	if !found {
		return fmt.Sprintf("No medicine named '%s' found to edit.", parsed.Name)
	}
	return fmt.Sprintf("Updated %s to %s.", parsed.Name, withDay(parsed))
}

func (i *Interpreter) add(ctx context.Context, userPhone, rest string) string {
	if rest == "" {
		return ReplyUsage
	}
	parsed, ok := i.parse(ctx, rest)
	if !ok {
		return ReplyParseFailed
	}

	matched, err := i.store.ModifyMedications(ctx, userPhone, func(u *models.User) (bool, error) {
		u.Medications = append(u.Medications, models.Medication{
			Name:   parsed.Name,
			Times:  []string{parsed.Time},
			Day:    parsed.Day,
			Status: models.StatusPending,
		})
		return true, nil
	})
	if err != nil {
		slog.Error("Interpreter.add: update failed", "error", err, "phone", userPhone)
		return ReplyTemporaryFailed
	}
	if !matched {
		return ReplyAddNoUser
	}
	return fmt.Sprintf("Added new medicine: %s at %s.", parsed.Name, withDay(parsed))
}

// withDay renders "HH:MM" or "HH:MM day".
func withDay(p models.ParsedMedication) string {
	if p.Day == "" {
		return p.Time
	}
	return p.Time + " " + p.Day
}

// splitKeyword returns the first word and the trimmed remainder.
func splitKeyword(text string) (string, string) {
	idx := strings.IndexAny(text, " \t\n")
	if idx < 0 {
		return text, ""
	}
	return text[:idx], strings.TrimSpace(text[idx:])
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
