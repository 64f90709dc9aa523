package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/MedPipe/internal/command"
	"github.com/BTreeMap/MedPipe/internal/escalation"
	"github.com/BTreeMap/MedPipe/internal/messaging"
	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/schedule"
	"github.com/BTreeMap/MedPipe/internal/store"
)

const testPhone = "+15551234567"

func at(t *testing.T, hour, minute int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	return time.Date(2025, 11, 16, hour, minute, 0, 0, loc)
}

func newCycle(st Store, sender Sender, now *time.Time, opts ...Option) *Cycle {
	base := []Option{
		WithResolver(schedule.NewResolver("America/New_York")),
		WithClock(func() time.Time { return *now }),
	}
	return NewCycle(st, sender, append(base, opts...)...)
}

func seed(t *testing.T, st *store.InMemoryStore, u *models.User) {
	t.Helper()
	if u.Timezone == "" {
		u.Timezone = "America/New_York"
	}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
}

func TestReminderText(t *testing.T) {
	user := &models.User{Name: "John"}
	med := &models.Medication{Name: "Vitamin D", Dosage: "50mg"}
	want := "Hi John, it's time to take Vitamin D (50mg) scheduled for 09:15. Reply with the number in your SMS stack to log it."
	if got := ReminderText(user, med, "09:15"); got != want {
		t.Errorf("ReminderText() = %q, want %q", got, want)
	}

	want = "Hi there, it's time to take your medication scheduled for 8:00pm. Reply with the number in your SMS stack to log it."
	if got := ReminderText(&models.User{}, &models.Medication{}, "8:00pm"); got != want {
		t.Errorf("ReminderText() = %q, want %q", got, want)
	}
}

func TestRunSendsOncePerDay(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, &models.User{
		Phone: testPhone,
		Name:  "John",
		Medications: []models.Medication{
			{Name: "aspirin", Dosage: "81mg", Times: []string{"09:00"}, Status: models.StatusTaken},
		},
	})
	sender := messaging.NewMockService()
	now := at(t, 9, 2)
	cycle := newCycle(st, sender, &now)

	for i := 0; i < 5; i++ {
		if _, err := cycle.Run(context.Background()); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		now = now.Add(time.Minute)
	}
	if got := sender.SentTo(testPhone); len(got) != 1 {
		t.Fatalf("expected exactly one reminder, got %d", len(got))
	}

	u, _ := st.GetUser(context.Background(), testPhone)
	med := u.Medications[0]
	if !med.SentOn("09:00", "2025-11-16") {
		t.Errorf("expected reminder log stamp, got %v", med.ReminderLog)
	}
	if med.Status != models.StatusPending {
		t.Errorf("expected new occurrence to start pending, got %s", med.Status)
	}
	if med.LastReminderAt == nil {
		t.Error("expected last reminder time to be stamped")
	}

	receipts, _ := st.GetReceipts()
	if len(receipts) != 1 || receipts[0].Kind != models.ReceiptKindReminder {
		t.Errorf("expected one reminder receipt, got %+v", receipts)
	}

	// Next day, same time: a new occurrence.
	now = at(t, 9, 0).Add(24 * time.Hour)
	cycle.Run(context.Background())
	if got := sender.SentTo(testPhone); len(got) != 2 {
		t.Errorf("expected a reminder on the next day, got %d total", len(got))
	}
}

func TestRunWindowBounds(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, &models.User{
		Phone: testPhone,
		Medications: []models.Medication{
			{Name: "early-in", Times: []string{"08:55"}},
			{Name: "late-in", Times: []string{"9:05am"}},
			{Name: "early-out", Times: []string{"08:54"}},
			{Name: "late-out", Times: []string{"09:06"}},
			{Name: "broken", Times: []string{"not-a-time"}},
		},
	})
	sender := messaging.NewMockService()
	now := at(t, 9, 0)
	res, err := newCycle(st, sender, &now).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Reminders != 2 || res.UserErrors != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	u, _ := st.GetUser(context.Background(), testPhone)
	for _, med := range u.Medications {
		wantSent := med.Name == "early-in" || med.Name == "late-in"
		if got := len(med.ReminderLog) > 0; got != wantSent {
			t.Errorf("%s: stamped = %v, want %v", med.Name, got, wantSent)
		}
	}
}

func TestRunFailedSendIsRetried(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, &models.User{Phone: testPhone, Medications: []models.Medication{{Name: "aspirin", Times: []string{"09:00"}}}})
	now := at(t, 9, 0)

	failing := messaging.NewMockService()
	failing.FailFor(testPhone, errors.New("carrier rejected"))
	res, _ := newCycle(st, failing, &now).Run(context.Background())
	if res.Failures != 1 || res.Reminders != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	u, _ := st.GetUser(context.Background(), testPhone)
	if len(u.Medications[0].ReminderLog) != 0 {
		t.Fatal("failed send must not stamp the reminder log")
	}

	working := messaging.NewMockService()
	now = now.Add(time.Minute)
	newCycle(st, working, &now).Run(context.Background())
	if got := working.SentTo(testPhone); len(got) != 1 {
		t.Errorf("expected retry on the next poll, got %d sends", len(got))
	}
}

func TestPauseResumeScenario(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, &models.User{Phone: testPhone, Medications: []models.Medication{{Name: "aspirin", Times: []string{"09:00"}}}})
	interp := command.NewInterpreter(st)
	sender := messaging.NewMockService()
	now := at(t, 9, 0)
	cycle := newCycle(st, sender, &now)

	interp.HandleInboundMessage(context.Background(), testPhone, "pause")
	cycle.Run(context.Background())
	if len(sender.Sent()) != 0 {
		t.Fatal("paused user must not receive reminders")
	}
	u, _ := st.GetUser(context.Background(), testPhone)
	if len(u.Medications[0].ReminderLog) != 0 {
		t.Fatal("paused user's reminder log must not change")
	}

	interp.HandleInboundMessage(context.Background(), testPhone, "resume")
	cycle.Run(context.Background())
	cycle.Run(context.Background())
	if got := sender.SentTo(testPhone); len(got) != 1 {
		t.Errorf("expected exactly one reminder after resume, got %d", len(got))
	}
}

// flakyStore fails ModifyMedications for one phone.
type flakyStore struct {
	*store.InMemoryStore
	failPhone string
}

func (f *flakyStore) ModifyMedications(ctx context.Context, phone string, fn store.MutateFunc) (bool, error) {
	if phone == f.failPhone {
		return false, errors.New("write conflict")
	}
	return f.InMemoryStore.ModifyMedications(ctx, phone, fn)
}

func TestRunIsolatesUserFailures(t *testing.T) {
	mem := store.NewInMemoryStore()
	seed(t, mem, &models.User{Phone: "+15550000001", Timezone: "Not/AZone", Medications: []models.Medication{{Name: "a", Times: []string{"09:00", "bogus"}}}})
	seed(t, mem, &models.User{Phone: "+15550000002", Medications: []models.Medication{{Name: "b", Times: []string{"09:00"}}}})
	seed(t, mem, &models.User{Phone: "+15550000003", Medications: []models.Medication{{Name: "c", Times: []string{"09:00"}}}})
	st := &flakyStore{InMemoryStore: mem, failPhone: "+15550000002"}

	sender := messaging.NewMockService()
	now := at(t, 9, 0)
	res, err := newCycle(st, sender, &now).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Users != 3 || res.UserErrors != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	for _, p := range []string{"+15550000001", "+15550000003"} {
		if got := sender.SentTo(p); len(got) != 1 {
			t.Errorf("expected one reminder for %s, got %d", p, len(got))
		}
		u, _ := mem.GetUser(context.Background(), p)
		if !u.Medications[0].SentOn("09:00", "2025-11-16") {
			t.Errorf("expected %s to be stamped", p)
		}
	}
}

func TestRunPaginates(t *testing.T) {
	st := store.NewInMemoryStore()
	for i := 0; i < 5; i++ {
		seed(t, st, &models.User{Phone: fmt.Sprintf("+1555000000%d", i), Medications: []models.Medication{{Name: "a", Times: []string{"09:00"}}}})
	}
	sender := messaging.NewMockService()
	now := at(t, 9, 0)
	res, _ := newCycle(st, sender, &now, WithPageSize(2)).Run(context.Background())
	if res.Users != 5 || len(sender.Sent()) != 5 {
		t.Errorf("expected all 5 users processed, got %+v with %d sends", res, len(sender.Sent()))
	}
}

// blockingSender blocks every send until release is closed.
type blockingSender struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingSender) SendMessage(ctx context.Context, to, body string) (models.Receipt, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return models.Receipt{To: to, Status: models.MessageStatusSent}, nil
}

func TestRunRejectsOverlap(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, &models.User{Phone: testPhone, Medications: []models.Medication{{Name: "a", Times: []string{"09:00"}}}})
	sender := &blockingSender{started: make(chan struct{}), release: make(chan struct{})}
	now := at(t, 9, 0)
	cycle := newCycle(st, sender, &now)

	done := make(chan error, 1)
	go func() {
		_, err := cycle.Run(context.Background())
		done <- err
	}()
	<-sender.started

	if _, err := cycle.Run(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("expected ErrCycleInProgress, got %v", err)
	}
	close(sender.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if _, err := cycle.Run(context.Background()); err != nil {
		t.Errorf("expected a new cycle to start after the first finished, got %v", err)
	}
}

func TestRunEscalatesOncePerDay(t *testing.T) {
	st := store.NewInMemoryStore()
	seed(t, st, &models.User{
		Phone: testPhone,
		Name:  "John",
		Medications: []models.Medication{
			{Name: "a", Times: []string{"07:00"}},
			{Name: "b", Times: []string{"07:30"}},
			{Name: "c", Times: []string{"08:00"}},
		},
		Caregivers: []models.Caregiver{{Name: "Jane", Phone: "703-555-0100"}},
	})
	sender := messaging.NewMockService()
	resolver := schedule.NewResolver("America/New_York")
	policy := escalation.NewPolicy(sender, st, escalation.WithResolver(resolver))
	now := at(t, 9, 0)
	cycle := newCycle(st, sender, &now, WithEscalator(policy))

	alerts := 0
	for i := 0; i < 180; i++ {
		res, err := cycle.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		alerts += res.Alerts
		now = now.Add(time.Minute)
	}
	if alerts != 1 {
		t.Errorf("expected one escalation burst, got %d", alerts)
	}
	if got := sender.SentTo("+17035550100"); len(got) != 1 || got[0] != "Alert: John has missed 3 medications: a, b, c. Please check on them." {
		t.Errorf("unexpected caregiver messages %q", got)
	}
}
