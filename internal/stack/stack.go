// Package stack builds the numbered reminder stack a patient replies to when
// logging doses.
package stack

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/schedule"
)

const (
	// DefaultMissedThreshold is how long past its scheduled time an occurrence
	// stays current before it is classified missed. Earlier revisions used
	// 3 minutes; 30 minutes is the configured default pending a product decision.
	DefaultMissedThreshold = 30 * time.Minute
	// DefaultLookaheadWindow bounds how far ahead an occurrence counts as current.
	DefaultLookaheadWindow = 2 * time.Hour
)

// Escalator is notified with the missed tier of every stack that is built.
type Escalator interface {
	EscalateStack(ctx context.Context, user *models.User, missed []models.StackEntry)
}

// Opts holds configuration for a Builder.
type Opts struct {
	MissedThreshold time.Duration
	LookaheadWindow time.Duration
	Resolver        *schedule.Resolver
	Escalator       Escalator
}

// Option configures a Builder.
type Option func(*Opts)

// WithMissedThreshold overrides DefaultMissedThreshold.
func WithMissedThreshold(d time.Duration) Option {
	return func(o *Opts) { o.MissedThreshold = d }
}

// WithLookaheadWindow overrides DefaultLookaheadWindow.
func WithLookaheadWindow(d time.Duration) Option {
	return func(o *Opts) { o.LookaheadWindow = d }
}

// WithResolver sets the timezone resolver used for each user.
func WithResolver(r *schedule.Resolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithEscalator sets the hook invoked with each stack's missed tier.
func WithEscalator(e Escalator) Option {
	return func(o *Opts) { o.Escalator = e }
}

// Builder classifies a user's pending and missed occurrences into tiers.
type Builder struct {
	missedThreshold time.Duration
	lookahead       time.Duration
	resolver        *schedule.Resolver
	escalator       Escalator
}

// NewBuilder creates a Builder with the given options.
func NewBuilder(opts ...Option) *Builder {
	cfg := Opts{
		MissedThreshold: DefaultMissedThreshold,
		LookaheadWindow: DefaultLookaheadWindow,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = schedule.NewResolver(schedule.DefaultTimezone)
	}
	return &Builder{
		missedThreshold: cfg.MissedThreshold,
		lookahead:       cfg.LookaheadWindow,
		resolver:        cfg.Resolver,
		escalator:       cfg.Escalator,
	}
}

// Resolver returns the timezone resolver the builder uses.
func (b *Builder) Resolver() *schedule.Resolver {
	return b.resolver
}

type candidate struct {
	entry models.StackEntry
	key   string // "15:04" of the resolved instant, the sort key within a tier
}

// Build returns the ordered stack for user at now and passes its missed tier
// to the escalator. Medications newly classified missed have their status
// changed on user in place, so callers that persist the document keep the
// classification. It reports whether any status changed.
func (b *Builder) Build(ctx context.Context, user *models.User, now time.Time) ([]models.StackEntry, bool) {
	entries, changed := b.Classify(user, now)
	b.Escalate(ctx, user, entries)
	return entries, changed
}

// Escalate hands the missed tier of entries to the escalator, if any.
func (b *Builder) Escalate(ctx context.Context, user *models.User, entries []models.StackEntry) {
	if b.escalator == nil {
		return
	}
	if missed := MissedTier(entries); len(missed) > 0 {
		b.escalator.EscalateStack(ctx, user, missed)
	}
}

// Classify is Build without the escalation hook. Callers that hold a store
// transaction use it and call Escalate after committing.
func (b *Builder) Classify(user *models.User, now time.Time) ([]models.StackEntry, bool) {
	if user == nil || len(user.Medications) == 0 {
		return nil, false
	}
	loc := b.resolver.Location(user.Timezone)
	missedBefore := now.Add(-b.missedThreshold)
	currentUntil := now.Add(b.lookahead)

	var missed, current, upcoming []candidate
	changed := false

	for i := range user.Medications {
		med := &user.Medications[i]
		status := med.CurrentStatus()
		if status != models.StatusPending && status != models.StatusMissed {
			continue
		}
		for _, timeStr := range med.Times {
			at, err := schedule.Resolve(now, timeStr, loc)
			if err != nil {
				slog.Warn("Builder.Build: skipping unparsable time", "phone", user.Phone, "medication", med.Name, "time", timeStr, "error", err)
				continue
			}
			c := candidate{
				entry: models.StackEntry{
					Name:     med.Name,
					Time:     timeStr,
					Dosage:   med.Dosage,
					Phone:    user.Phone,
					MedIndex: i,
					Source:   med,
				},
				key: at.Format("15:04"),
			}
			switch {
			case at.Before(missedBefore):
				if ok, _ := med.MarkMissed(); ok {
					changed = true
				}
				c.entry.Tier = models.TierMissed
				missed = append(missed, c)
			case !at.After(currentUntil):
				c.entry.Tier = models.TierCurrent
				current = append(current, c)
			default:
				c.entry.Tier = models.TierUpcoming
				upcoming = append(upcoming, c)
			}
		}
	}

	entries := make([]models.StackEntry, 0, len(missed)+len(current)+len(upcoming))
	for _, tier := range [][]candidate{missed, current, upcoming} {
		sort.SliceStable(tier, func(i, j int) bool { return tier[i].key < tier[j].key })
		for _, c := range tier {
			c.entry.Position = len(entries) + 1
			c.entry.Status = c.entry.Source.CurrentStatus()
			entries = append(entries, c.entry)
		}
	}
	return entries, changed
}

// MissedTier returns the missed entries of a stack, in stack order.
func MissedTier(entries []models.StackEntry) []models.StackEntry {
	var out []models.StackEntry
	for _, e := range entries {
		if e.Tier == models.TierMissed {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the entry at the 1-based position, or nil.
func Find(entries []models.StackEntry, position int) *models.StackEntry {
	for i := range entries {
		if entries[i].Position == position {
			return &entries[i]
		}
	}
	return nil
}

// Format renders a stack as the SMS listing sent to the patient.
func Format(entries []models.StackEntry) string {
	if len(entries) == 0 {
		return "No medications need logging right now."
	}
	var sb strings.Builder
	sb.WriteString("Your medication stack:")
	for _, e := range entries {
		fmt.Fprintf(&sb, "\n%d. %s at %s (%s)", e.Position, e.Name, e.Time, e.Tier)
	}
	sb.WriteString("\n\nText the number to log that medication")
	return sb.String()
}
