package models

import (
	"errors"
	"testing"
	"time"
)

func TestReceiptDelivered(t *testing.T) {
	tests := []struct {
		status MessageStatus
		want   bool
	}{
		{MessageStatusSent, true},
		{MessageStatusMocked, true},
		{MessageStatusFailed, false},
	}
	for _, tt := range tests {
		r := Receipt{To: "+123", Status: tt.status, Time: 1}
		if got := r.Delivered(); got != tt.want {
			t.Errorf("Receipt{%s}.Delivered() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestCanTransitionTable(t *testing.T) {
	statuses := []MedicationStatus{StatusPending, StatusMissed, StatusTaken}
	want := map[MedicationStatus]map[MedicationStatus]bool{
		StatusPending: {StatusPending: true, StatusMissed: true, StatusTaken: true},
		StatusMissed:  {StatusPending: true, StatusMissed: true, StatusTaken: true},
		StatusTaken:   {StatusPending: true, StatusMissed: false, StatusTaken: true},
	}
	for _, from := range statuses {
		for _, to := range statuses {
			if got := CanTransition(from, to); got != want[from][to] {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want[from][to])
			}
		}
	}
	if CanTransition("bogus", StatusPending) {
		t.Error("expected unknown status to have no transitions")
	}
}

func TestMedicationMarkMissed(t *testing.T) {
	m := Medication{Name: "aspirin"}
	changed, err := m.MarkMissed()
	if err != nil || !changed {
		t.Fatalf("expected pending -> missed, got changed=%v err=%v", changed, err)
	}
	changed, err = m.MarkMissed()
	if err != nil || changed {
		t.Fatalf("expected second MarkMissed to be a no-op, got changed=%v err=%v", changed, err)
	}

	taken := Medication{Name: "aspirin", Status: StatusTaken}
	if _, err := taken.MarkMissed(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for taken -> missed, got %v", err)
	}
}

func TestMedicationMarkTakenAndStartOccurrence(t *testing.T) {
	at := time.Date(2025, 11, 16, 8, 5, 0, 0, time.UTC)
	m := Medication{Name: "aspirin", Times: []string{"08:00"}, Status: StatusMissed}
	if err := m.MarkTaken(at); err != nil {
		t.Fatalf("MarkTaken failed: %v", err)
	}
	if m.Status != StatusTaken || m.TakenAt == nil || !m.TakenAt.Equal(at) {
		t.Errorf("unexpected medication after MarkTaken: %+v", m)
	}

	m.StartOccurrence("08:00", "2025-11-17", at.Add(24*time.Hour))
	if m.Status != StatusPending {
		t.Errorf("expected new occurrence to start pending, got %s", m.Status)
	}
	if !m.SentOn("08:00", "2025-11-17") {
		t.Error("expected reminder log to record the date key")
	}
	if m.SentOn("08:00", "2025-11-16") {
		t.Error("expected other dates not to match")
	}
}

func TestUserCloneIsDeep(t *testing.T) {
	u := User{
		Phone:       "+15551234567",
		Medications: []Medication{{Name: "a", Times: []string{"08:00"}, ReminderLog: map[string]string{"08:00": "2025-01-01"}}},
		Caregivers:  []Caregiver{{Name: "c", Phone: "+1"}},
	}
	c := u.Clone()
	c.Medications[0].Times[0] = "09:00"
	c.Medications[0].ReminderLog["08:00"] = "changed"
	c.Caregivers[0].Name = "changed"

	if u.Medications[0].Times[0] != "08:00" || u.Medications[0].ReminderLog["08:00"] != "2025-01-01" || u.Caregivers[0].Name != "c" {
		t.Error("Clone shares state with the original")
	}
}

func TestSetupRequestNormalizeAndValidate(t *testing.T) {
	req := SetupRequest{
		Name:  " John ",
		Phone: "+17034532810",
		Medications: []MedicationInput{
			{Name: "Vitamin D", Dosage: "50mg", Time: "8:30 PM"},
			{Name: "Aspirin", Dosage: "81mg", Times: []string{"09:15"}},
		},
		Caregivers: []Caregiver{{Name: "Jane", Phone: "(703) 555-0100"}},
	}
	req.Normalize()
	if req.Name != "John" {
		t.Errorf("expected trimmed name, got %q", req.Name)
	}
	if got := req.Medications[0].Times; len(got) != 1 || got[0] != "20:30" {
		t.Errorf("expected 12-hour time to normalize to 20:30, got %v", got)
	}
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *SetupRequest)
		want   error
	}{
		{"missing name", func(r *SetupRequest) { r.Name = "" }, ErrMissingName},
		{"bad phone", func(r *SetupRequest) { r.Phone = "abc" }, ErrInvalidPhone},
		{"no meds", func(r *SetupRequest) { r.Medications = nil }, ErrMissingMedications},
		{"bad time", func(r *SetupRequest) { r.Medications[1].Times = []string{"25:00"} }, ErrInvalidTimeFormat},
		{"caregiver without phone", func(r *SetupRequest) { r.Caregivers = []Caregiver{{Name: "x"}} }, ErrIncompleteCaregiver},
		{"bad timezone", func(r *SetupRequest) { r.Timezone = "Mars/Olympus" }, ErrInvalidTimezone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := req
			r.Medications = append([]MedicationInput(nil), req.Medications...)
			r.Medications[1].Times = append([]string(nil), req.Medications[1].Times...)
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	ok := SuccessWithMessage("done", 1)
	if ok.Status != string(APIStatusOK) || ok.Message != "done" || ok.Result != 1 {
		t.Errorf("unexpected success response: %+v", ok)
	}
	e := Error("bad")
	if e.Status != string(APIStatusError) || e.Message != "bad" {
		t.Errorf("unexpected error response: %+v", e)
	}
}
