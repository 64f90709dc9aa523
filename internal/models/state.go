// Package models defines the medication state held in each user document.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MedicationStatus summarizes the most recent occurrence of a medication.
type MedicationStatus string

const (
	// StatusPending means the latest occurrence has not been logged yet.
	StatusPending MedicationStatus = "pending"
	// StatusMissed means the latest occurrence passed the missed threshold unlogged.
	StatusMissed MedicationStatus = "missed"
	// StatusTaken means the patient logged the latest occurrence.
	StatusTaken MedicationStatus = "taken"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid medication status transition")

// transitions lists the allowed status changes. Every status may return to
// pending because a new occurrence always starts pending.
var transitions = map[MedicationStatus]map[MedicationStatus]bool{
	StatusPending: {StatusPending: true, StatusMissed: true, StatusTaken: true},
	StatusMissed:  {StatusPending: true, StatusMissed: true, StatusTaken: true},
	StatusTaken:   {StatusPending: true, StatusTaken: true},
}

// IsValidMedicationStatus checks if the given status is supported.
func IsValidMedicationStatus(s MedicationStatus) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether a medication may move from one status to another.
func CanTransition(from, to MedicationStatus) bool {
	return transitions[from][to]
}

// Tier is the stack classification of one occurrence.
type Tier string

const (
	TierMissed   Tier = "missed"
	TierCurrent  Tier = "current"
	TierUpcoming Tier = "upcoming"
)

// Caregiver is notified when a user accumulates missed doses.
type Caregiver struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Medication is one medication in a user document.
type Medication struct {
	Name           string            `json:"name"`
	Dosage         string            `json:"dosage"`
	Times          []string          `json:"times"`
	Day            string            `json:"day,omitempty"` // advisory only, never gates dispatch
	Status         MedicationStatus  `json:"status"`
	TakenAt        *time.Time        `json:"taken_at,omitempty"`
	LastReminderAt *time.Time        `json:"last_reminder_at,omitempty"`
	ReminderLog    map[string]string `json:"reminder_log,omitempty"` // time string -> date key of last send
}

// CurrentStatus returns the stored status, treating an empty value as pending.
func (m *Medication) CurrentStatus() MedicationStatus {
	if m.Status == "" {
		return StatusPending
	}
	return m.Status
}

func (m *Medication) transition(to MedicationStatus) error {
	from := m.CurrentStatus()
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, from, to, m.Name)
	}
	m.Status = to
	return nil
}

// MarkTaken logs the latest occurrence as taken.
func (m *Medication) MarkTaken(at time.Time) error {
	if err := m.transition(StatusTaken); err != nil {
		return err
	}
	m.TakenAt = &at
	return nil
}

// MarkMissed flags the latest occurrence as missed. It reports whether the
// status changed.
func (m *Medication) MarkMissed() (bool, error) {
	if m.CurrentStatus() == StatusMissed {
		return false, nil
	}
	if err := m.transition(StatusMissed); err != nil {
		return false, err
	}
	return true, nil
}

// StartOccurrence records that the reminder for timeStr was sent on dateKey.
// The medication goes back to pending regardless of the previous outcome.
func (m *Medication) StartOccurrence(timeStr, dateKey string, at time.Time) {
	if m.ReminderLog == nil {
		m.ReminderLog = make(map[string]string)
	}
	m.ReminderLog[timeStr] = dateKey
	m.Status = StatusPending
	m.LastReminderAt = &at
}

// SentOn reports whether the occurrence at timeStr was already dispatched on dateKey.
func (m *Medication) SentOn(timeStr, dateKey string) bool {
	return m.ReminderLog != nil && m.ReminderLog[timeStr] == dateKey
}

// NameMatches compares medication names case-insensitively.
func (m *Medication) NameMatches(name string) bool {
	return strings.EqualFold(strings.TrimSpace(m.Name), strings.TrimSpace(name))
}

// Clone returns a deep copy of the medication.
func (m Medication) Clone() Medication {
	c := m
	c.Times = append([]string(nil), m.Times...)
	if m.TakenAt != nil {
		t := *m.TakenAt
		c.TakenAt = &t
	}
	if m.LastReminderAt != nil {
		t := *m.LastReminderAt
		c.LastReminderAt = &t
	}
	if m.ReminderLog != nil {
		c.ReminderLog = make(map[string]string, len(m.ReminderLog))
		for k, v := range m.ReminderLog {
			c.ReminderLog[k] = v
		}
	}
	return c
}

// CloneMedications deep-copies a medication list.
func CloneMedications(meds []Medication) []Medication {
	if meds == nil {
		return nil
	}
	out := make([]Medication, len(meds))
	for i := range meds {
		out[i] = meds[i].Clone()
	}
	return out
}

// User is the per-patient document, keyed by canonical phone number.
type User struct {
	Phone                  string       `json:"phone"`
	Name                   string       `json:"name"`
	Timezone               string       `json:"timezone,omitempty"`
	Paused                 bool         `json:"paused"`
	Medications            []Medication `json:"medications"`
	Caregivers             []Caregiver  `json:"caregivers"`
	LastCaregiverAlertDate string       `json:"last_caregiver_alert_date,omitempty"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// Clone returns a deep copy of the user document.
func (u User) Clone() User {
	c := u
	c.Medications = CloneMedications(u.Medications)
	c.Caregivers = append([]Caregiver(nil), u.Caregivers...)
	return c
}

// HasCaregiverPhone reports whether at least one caregiver can be contacted.
func (u *User) HasCaregiverPhone() bool {
	for _, c := range u.Caregivers {
		if strings.TrimSpace(c.Phone) != "" {
			return true
		}
	}
	return false
}

// DisplayName returns the user's name or a neutral fallback.
func (u *User) DisplayName(fallback string) string {
	if strings.TrimSpace(u.Name) == "" {
		return fallback
	}
	return u.Name
}

// UserUpdate carries the partial fields for Store.UpdateUser. Nil fields are left unchanged.
type UserUpdate struct {
	Name                   *string      `json:"name,omitempty"`
	Timezone               *string      `json:"timezone,omitempty"`
	Paused                 *bool        `json:"paused,omitempty"`
	Caregivers             *[]Caregiver `json:"caregivers,omitempty"`
	LastCaregiverAlertDate *string      `json:"last_caregiver_alert_date,omitempty"`
}

// Apply copies the set fields onto u.
func (up UserUpdate) Apply(u *User) {
	if up.Name != nil {
		u.Name = *up.Name
	}
	if up.Timezone != nil {
		u.Timezone = *up.Timezone
	}
	if up.Paused != nil {
		u.Paused = *up.Paused
	}
	if up.Caregivers != nil {
		u.Caregivers = append([]Caregiver(nil), (*up.Caregivers)...)
	}
	if up.LastCaregiverAlertDate != nil {
		u.LastCaregiverAlertDate = *up.LastCaregiverAlertDate
	}
}

// StackEntry is one numbered occurrence in a user's reminder stack. It is
// derived on every build and never persisted.
type StackEntry struct {
	Name     string           `json:"medicine_name"`
	Time     string           `json:"time"`
	Dosage   string           `json:"dosage,omitempty"`
	Status   MedicationStatus `json:"status"`
	Tier     Tier             `json:"tier"`
	Phone    string           `json:"phone"`
	Position int              `json:"stack_position"`
	MedIndex int              `json:"-"` // index of the source medication in User.Medications
	Source   *Medication      `json:"-"`
}

// ParsedMedication is the structured result of the text-extraction oracle.
type ParsedMedication struct {
	Name string `json:"medicine_name"`
	Time string `json:"time"`
	Day  string `json:"day,omitempty"`
}
