// Package dispatch runs the periodic reminder scan: it sends reminders for
// occurrences due within the window, stamps the per-occurrence reminder log
// and then runs the caregiver escalation check.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/schedule"
	"github.com/BTreeMap/MedPipe/internal/store"
)

const (
	// DefaultWindow is how far on either side of now an occurrence is due.
	DefaultWindow = 5 * time.Minute
	// DefaultPageSize is the number of users read per store page.
	DefaultPageSize = 100
)

// ErrCycleInProgress is returned by Run while another cycle is still running.
var ErrCycleInProgress = errors.New("dispatch cycle already in progress")

// Sender delivers one reminder.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (models.Receipt, error)
}

// Store is the subset of the user store a cycle reads and writes.
type Store interface {
	ListActiveUsers(ctx context.Context, afterPhone string, limit int) ([]models.User, error)
	ModifyMedications(ctx context.Context, phone string, fn store.MutateFunc) (bool, error)
	AddReceipt(r models.Receipt) error
}

// Escalator runs the dispatch-time caregiver check for one user.
type Escalator interface {
	CheckUser(ctx context.Context, user *models.User, now time.Time) (int, error)
}

// Opts holds configuration for a Cycle.
type Opts struct {
	Window    time.Duration
	PageSize  int
	Resolver  *schedule.Resolver
	Escalator Escalator
	Clock     func() time.Time
}

// Option configures a Cycle.
type Option func(*Opts)

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

// WithPageSize overrides DefaultPageSize.
func WithPageSize(n int) Option {
	return func(o *Opts) { o.PageSize = n }
}

// WithResolver sets the timezone resolver used for each user.
func WithResolver(r *schedule.Resolver) Option {
	return func(o *Opts) { o.Resolver = r }
}

// WithEscalator enables the escalation pass.
func WithEscalator(e Escalator) Option {
	return func(o *Opts) { o.Escalator = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Clock = now }
}

// Result summarizes one cycle.
type Result struct {
	Users      int
	Reminders  int
	Failures   int
	Alerts     int
	UserErrors int
}

// Cycle performs dispatch cycles. At most one cycle runs at a time.
type Cycle struct {
	store     Store
	sender    Sender
	window    time.Duration
	pageSize  int
	resolver  *schedule.Resolver
	escalator Escalator
	now       func() time.Time
	running   atomic.Bool
}

// NewCycle creates a Cycle.
func NewCycle(st Store, sender Sender, opts ...Option) *Cycle {
	cfg := Opts{
		Window:   DefaultWindow,
		PageSize: DefaultPageSize,
		Clock:    time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Resolver == nil {
		cfg.Resolver = schedule.NewResolver(schedule.DefaultTimezone)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Cycle{
		store:     st,
		sender:    sender,
		window:    cfg.Window,
		pageSize:  cfg.PageSize,
		resolver:  cfg.Resolver,
		escalator: cfg.Escalator,
		now:       cfg.Clock,
	}
}

// ReminderText renders the reminder for one occurrence.
func ReminderText(user *models.User, med *models.Medication, when string) string {
	medName := strings.TrimSpace(med.Name)
	if medName == "" {
		medName = "your medication"
	}
	dosage := ""
	if d := strings.TrimSpace(med.Dosage); d != "" {
		dosage = " (" + d + ")"
	}
	return fmt.Sprintf("Hi %s, it's time to take %s%s scheduled for %s. Reply with the number in your SMS stack to log it.",
		user.DisplayName("there"), medName, dosage, when)
}

// Job adapts Run to a scheduler callback.
func (c *Cycle) Job(ctx context.Context) func() {
	return func() {
		res, err := c.Run(ctx)
		switch {
		case errors.Is(err, ErrCycleInProgress):
			slog.Warn("Cycle.Job: previous cycle still running, tick skipped")
		case err != nil:
			slog.Error("Cycle.Job: cycle failed", "error", err, "users", res.Users)
		default:
			slog.Debug("Cycle.Job: cycle finished", "users", res.Users, "reminders", res.Reminders,
				"failures", res.Failures, "alerts", res.Alerts, "user_errors", res.UserErrors)
		}
	}
}

// Run performs one cycle over every non-paused user.
func (c *Cycle) Run(ctx context.Context) (Result, error) {
	if !c.running.CompareAndSwap(false, true) {
		return Result{}, ErrCycleInProgress
	}
	defer c.running.Store(false)

	now := c.now()
	var (
		res       Result
		after     string
		escalated []models.User
	)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		users, err := c.store.ListActiveUsers(ctx, after, c.pageSize)
		if err != nil {
			return res, fmt.Errorf("failed to list active users: %w", err)
		}
		for i := range users {
			res.Users++
			snapshot, err := c.processUser(ctx, &users[i], now, &res)
			if err != nil {
				res.UserErrors++
				slog.Error("Cycle.Run: user processing failed", "error", err, "phone", users[i].Phone)
			}
			if snapshot != nil && !snapshot.Paused && snapshot.HasCaregiverPhone() {
				escalated = append(escalated, *snapshot)
			}
		}
		if len(users) < c.pageSize {
			break
		}
		after = users[len(users)-1].Phone
	}

	if c.escalator != nil {
		for i := range escalated {
			n, err := c.escalator.CheckUser(ctx, &escalated[i], now)
			res.Alerts += n
			if err != nil {
				res.UserErrors++
				slog.Error("Cycle.Run: escalation failed", "error", err, "phone", escalated[i].Phone)
			}
		}
	}
	if res.Reminders > 0 || res.Failures > 0 || res.Alerts > 0 {
		slog.Info("Cycle.Run: cycle complete", "users", res.Users, "reminders", res.Reminders,
			"failures", res.Failures, "alerts", res.Alerts)
	}
	return res, nil
}

type occurrence struct {
	medIndex int
	name     string
	timeStr  string
}

// processUser sends the due reminders for one user and stamps the delivered
// occurrences in a single store transaction. It returns the user document
// as it stands after the update, for the escalation pass.
func (c *Cycle) processUser(ctx context.Context, user *models.User, now time.Time, res *Result) (snapshot *models.User, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing user: %v", r)
		}
	}()
	snapshot = user

	loc := c.resolver.Location(user.Timezone)
	todayKey := schedule.DateKey(now, loc)
	windowStart := now.Add(-c.window)
	windowEnd := now.Add(c.window)

	var delivered []occurrence
	for i := range user.Medications {
		med := &user.Medications[i]
		for _, timeStr := range med.Times {
			at, err := schedule.Resolve(now, timeStr, loc)
			if err != nil {
				slog.Warn("Cycle.processUser: skipping unparsable time", "phone", user.Phone, "medication", med.Name, "time", timeStr)
				continue
			}
			if med.SentOn(timeStr, todayKey) {
				continue
			}
			if at.Before(windowStart) || at.After(windowEnd) {
				continue
			}

			receipt, err := c.sender.SendMessage(ctx, user.Phone, ReminderText(user, med, timeStr))
			receipt.Kind = models.ReceiptKindReminder
			if recErr := c.store.AddReceipt(receipt); recErr != nil {
				slog.Error("Cycle.processUser: failed to record receipt", "error", recErr, "phone", user.Phone)
			}
			if err != nil {
				res.Failures++
				slog.Error("Cycle.processUser: reminder failed", "error", err, "phone", user.Phone, "medication", med.Name, "time", timeStr)
				continue
			}
			res.Reminders++
			slog.Info("Cycle.processUser: reminder sent", "phone", user.Phone, "medication", med.Name, "time", timeStr, "status", receipt.Status)
			delivered = append(delivered, occurrence{medIndex: i, name: med.Name, timeStr: timeStr})
		}
	}
	if len(delivered) == 0 {
		return snapshot, nil
	}

	matched, err := c.store.ModifyMedications(ctx, user.Phone, func(fresh *models.User) (bool, error) {
		changed := false
		for _, occ := range delivered {
			med := findMedication(fresh, occ)
			if med == nil || med.SentOn(occ.timeStr, todayKey) {
				continue
			}
			med.StartOccurrence(occ.timeStr, todayKey, now)
			changed = true
		}
		doc := fresh.Clone()
		snapshot = &doc
		return changed, nil
	})
	if err != nil {
		return user, fmt.Errorf("failed to stamp reminder log: %w", err)
	}
	if !matched {
		// Deleted by "stop" while the reminders were going out.
		return nil, nil
	}
	return snapshot, nil
}

// findMedication locates the medication an occurrence was sent for in a
// freshly read document. The list may have been edited since it was read.
func findMedication(u *models.User, occ occurrence) *models.Medication {
	if occ.medIndex < len(u.Medications) {
		med := &u.Medications[occ.medIndex]
		if med.NameMatches(occ.name) && hasTime(med, occ.timeStr) {
			return med
		}
	}
	for i := range u.Medications {
		med := &u.Medications[i]
		if med.NameMatches(occ.name) && hasTime(med, occ.timeStr) {
			return med
		}
	}
	return nil
}

func hasTime(med *models.Medication, timeStr string) bool {
	for _, t := range med.Times {
		if t == timeStr {
			return true
		}
	}
	return false
}
