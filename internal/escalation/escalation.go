// Package escalation alerts caregivers when a patient accumulates missed doses.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/phone"
	"github.com/BTreeMap/MedPipe/internal/schedule"
)

const (
	// DefaultMinMissed is the number of missed occurrences that triggers an alert.
	DefaultMinMissed = 3
	// DefaultGrace is how long after its scheduled time a pending occurrence
	// counts as missed for the dispatch-time check.
	DefaultGrace = 30 * time.Minute
)

// Sender delivers one alert message.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (models.Receipt, error)
}

// Store is the subset of the user store the policy writes to.
type Store interface {
	UpdateUser(ctx context.Context, phone string, up models.UserUpdate) (bool, error)
	AddReceipt(r models.Receipt) error
}

// Opts holds configuration for a Policy.
type Opts struct {
	MinMissed   int
	Grace       time.Duration
	CountryCode string
	Resolver    *schedule.Resolver
}

// Option configures a Policy.
type Option func(*Opts)

// WithMinMissed overrides DefaultMinMissed.
func WithMinMissed(n int) Option {
	return func(o *Opts) { o.MinMissed = n }
}

// WithGrace overrides DefaultGrace.
func WithGrace(d time.Duration) Option {
	return func(o *Opts) { o.Grace = d }
}

// WithCountryCode sets the code prefixed to bare 10-digit caregiver numbers.
func WithCountryCode(cc string) Option {
	return func(o *Opts) { o.CountryCode = cc }
}

// WithResolver sets the timezone resolver used for each user.
func WithResolver(r *schedule.Resolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// Policy decides whether to alert a user's caregivers and sends the alerts.
type Policy struct {
	sender      Sender
	store       Store
	minMissed   int
	grace       time.Duration
	countryCode string
	resolver    *schedule.Resolver
}

// NewPolicy creates a Policy.
func NewPolicy(sender Sender, st Store, opts ...Option) *Policy {
	cfg := Opts{
		MinMissed:   DefaultMinMissed,
		Grace:       DefaultGrace,
		CountryCode: phone.DefaultCountryCode,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = schedule.NewResolver(schedule.DefaultTimezone)
	}
	return &Policy{
		sender:      sender,
		store:       st,
		minMissed:   cfg.MinMissed,
		grace:       cfg.Grace,
		countryCode: cfg.CountryCode,
		resolver:    cfg.Resolver,
	}
}

// AlertText renders the caregiver alert for the missed medicine names.
func AlertText(userName string, missed []string) string {
	return fmt.Sprintf("Alert: %s has missed %d medications: %s. Please check on them.",
		userName, len(missed), strings.Join(missed, ", "))
}

// EscalateStack alerts caregivers from a freshly built stack. This path has
// no once-per-day guard; it runs whenever a stack with enough missed entries
// is built.
func (p *Policy) EscalateStack(ctx context.Context, user *models.User, missed []models.StackEntry) {
	if len(missed) < p.minMissed || !user.HasCaregiverPhone() {
		return
	}
	names := make([]string, 0, len(missed))
	for _, e := range missed {
		names = append(names, e.Name)
	}
	p.send(ctx, user, names)
}

// CheckUser runs the dispatch-time escalation for one user: occurrences
// still not taken more than the grace period after their time count as
// missed, and at most one burst is sent per calendar day in the user's
// timezone. It reports how many alerts were delivered.
func (p *Policy) CheckUser(ctx context.Context, user *models.User, now time.Time) (int, error) {
	if user.Paused || !user.HasCaregiverPhone() {
		return 0, nil
	}
	loc := p.resolver.Location(user.Timezone)
	today := schedule.DateKey(now, loc)
	if user.LastCaregiverAlertDate == today {
		return 0, nil
	}

	missed := MissedOccurrences(user, now, loc, p.grace)
	if len(missed) < p.minMissed {
		return 0, nil
	}

	delivered := p.send(ctx, user, missed)
	if delivered == 0 {
		return 0, nil
	}
	if _, err := p.store.UpdateUser(ctx, user.Phone, models.UserUpdate{LastCaregiverAlertDate: &today}); err != nil {
		return delivered, fmt.Errorf("failed to record alert date for %s: %w", user.Phone, err)
	}
	user.LastCaregiverAlertDate = today
	slog.Info("Policy.CheckUser: caregivers alerted", "phone", user.Phone, "missed", len(missed), "delivered", delivered)
	return delivered, nil
}

// MissedOccurrences lists, per occurrence, the names of medications whose
// status is not taken and whose time today is more than grace before now.
// Unparsable times are skipped.
func MissedOccurrences(user *models.User, now time.Time, loc *time.Location, grace time.Duration) []string {
	var names []string
	for i := range user.Medications {
		med := &user.Medications[i]
		if med.CurrentStatus() == models.StatusTaken {
			continue
		}
		for _, t := range med.Times {
			at, err := schedule.Resolve(now, t, loc)
			if err != nil {
				slog.Debug("MissedOccurrences: skipping unparsable time", "phone", user.Phone, "medication", med.Name, "time", t)
				continue
			}
			if now.After(at.Add(grace)) {
				names = append(names, med.Name)
			}
		}
	}
	return names
}

// send delivers the alert to every caregiver with a phone number. A failure
// for one caregiver does not stop the others.
func (p *Policy) send(ctx context.Context, user *models.User, missed []string) int {
	body := AlertText(user.DisplayName("The user"), missed)
	delivered := 0
	for _, c := range user.Caregivers {
		to := phone.Normalize(c.Phone, p.countryCode)
		if to == "" {
			continue
		}
		receipt, err := p.sender.SendMessage(ctx, to, body)
		receipt.Kind = models.ReceiptKindAlert
		if recErr := p.store.AddReceipt(receipt); recErr != nil {
			slog.Error("Policy.send: failed to record receipt", "error", recErr, "to", to)
		}
		if err != nil {
			slog.Error("Policy.send: caregiver alert failed", "error", err, "phone", user.Phone, "caregiver", c.Name, "to", to)
			continue
		}
		delivered++
	}
	return delivered
}
