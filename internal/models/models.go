// Package models defines the core data structures for MedPipe.
//
// It includes the user document (medications, caregivers), derived stack entries,
// delivery receipts and the JSON envelope shared by the HTTP API.
package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxNameLength defines the maximum allowed length for user and medication names
	MaxNameLength = 200
	// MaxMedicationsCount defines the maximum number of medications per user
	MaxMedicationsCount = 50
	// MaxCaregiversCount defines the maximum number of caregivers per user
	MaxCaregiversCount = 10
)

// Error variables for better error handling and testability
var (
	ErrMissingName         = errors.New("name is required")
	ErrMissingPhone        = errors.New("phone number is required")
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrMissingMedications  = errors.New("at least one medication is required")
	ErrTooManyMedications  = errors.New("too many medications")
	ErrIncompleteMed       = errors.New("medication must have name, dosage, and times")
	ErrInvalidTimeFormat   = errors.New("invalid time format")
	ErrIncompleteCaregiver = errors.New("caregiver must have name and phone")
	ErrTooManyCaregivers   = errors.New("too many caregivers")
	ErrInvalidTimezone     = errors.New("invalid timezone")
	ErrNameTooLong         = errors.New("name exceeds maximum length")
)

var (
	setupPhoneRegex = regexp.MustCompile(`^\+?1?\d{9,15}$`)
	setupTimeRegex  = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was accepted by the transport.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusMocked indicates the message was only logged (mock transport).
	MessageStatusMocked MessageStatus = "mocked"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// ReceiptKind describes why a message was sent.
type ReceiptKind string

const (
	ReceiptKindReminder ReceiptKind = "reminder"
	ReceiptKindAlert    ReceiptKind = "caregiver_alert"
	ReceiptKindReply    ReceiptKind = "reply"
)

// Receipt records the outcome of one outbound send.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	SID    string        `json:"sid,omitempty"`
	Kind   ReceiptKind   `json:"kind,omitempty"`
	Error  string        `json:"error,omitempty"`
	Time   int64         `json:"time"`
}

// Delivered reports whether the transport accepted the message.
func (r Receipt) Delivered() bool {
	return r.Status == MessageStatusSent || r.Status == MessageStatusMocked
}

// Response represents an incoming message from a patient.
type Response struct {
	From      string `json:"from"`
	Body      string `json:"body"`
	MessageID string `json:"message_id,omitempty"`
	Time      int64  `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithMessage(message).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// MedicationInput is one medication in a setup or update request.
// Time is accepted as a single-entry shorthand for Times.
type MedicationInput struct {
	Name   string   `json:"name"`
	Dosage string   `json:"dosage"`
	Time   string   `json:"time,omitempty"`
	Times  []string `json:"times,omitempty"`
	Day    string   `json:"day,omitempty"`
}

// SetupRequest represents the payload for creating a user account.
type SetupRequest struct {
	Name        string            `json:"name"`
	Phone       string            `json:"phone"`
	Timezone    string            `json:"timezone,omitempty"`
	Medications []MedicationInput `json:"medications"`
	Caregivers  []Caregiver       `json:"caregivers,omitempty"`
}

// Normalize folds the single-time shorthand into Times and rewrites
// "3:04 PM" style entries into 24-hour "15:04". Entries that do not parse
// as 12-hour time are kept as given and left for Validate to reject.
func (r *SetupRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Phone = strings.TrimSpace(r.Phone)
	for i := range r.Medications {
		r.Medications[i].Normalize()
	}
}

// Normalize folds the shorthand and rewrites 12-hour entries of a single input in place.
func (m *MedicationInput) Normalize() {
	if m.Time != "" {
		m.Times = []string{m.Time}
		m.Time = ""
	}
	times := make([]string, 0, len(m.Times))
	for _, t := range m.Times {
		t = strings.TrimSpace(t)
		if parsed, err := time.Parse("3:04 PM", strings.ToUpper(t)); err == nil {
			t = parsed.Format("15:04")
		}
		times = append(times, t)
	}
	m.Times = times
}

// Validate checks the request using the same rules as the setup form.
func (r *SetupRequest) Validate() error {
	if r.Name == "" {
		return ErrMissingName
	}
	if len(r.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if r.Phone == "" {
		return ErrMissingPhone
	}
	if !setupPhoneRegex.MatchString(r.Phone) {
		return ErrInvalidPhone
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return ErrInvalidTimezone
		}
	}
	if err := ValidateMedicationInputs(r.Medications); err != nil {
		return err
	}
	return ValidateCaregivers(r.Caregivers)
}

// ValidateMedicationInputs checks a medication list from a setup or update request.
func ValidateMedicationInputs(meds []MedicationInput) error {
	if len(meds) == 0 {
		return ErrMissingMedications
	}
	if len(meds) > MaxMedicationsCount {
		return ErrTooManyMedications
	}
	for _, med := range meds {
		if med.Name == "" || med.Dosage == "" || len(med.Times) == 0 {
			return ErrIncompleteMed
		}
		for _, t := range med.Times {
			if !setupTimeRegex.MatchString(t) {
				return fmt.Errorf("%w: %s", ErrInvalidTimeFormat, t)
			}
		}
	}
	return nil
}

// ValidateCaregivers checks a caregiver list from a setup or update request.
func ValidateCaregivers(caregivers []Caregiver) error {
	if len(caregivers) > MaxCaregiversCount {
		return ErrTooManyCaregivers
	}
	for _, c := range caregivers {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Phone) == "" {
			return ErrIncompleteCaregiver
		}
	}
	return nil
}

// ToMedications converts validated inputs into fresh pending medications.
func ToMedications(inputs []MedicationInput) []Medication {
	meds := make([]Medication, 0, len(inputs))
	for _, in := range inputs {
		meds = append(meds, Medication{
			Name:   strings.TrimSpace(in.Name),
			Dosage: strings.TrimSpace(in.Dosage),
			Times:  append([]string(nil), in.Times...),
			Day:    strings.ToLower(strings.TrimSpace(in.Day)),
			Status: StatusPending,
		})
	}
	return meds
}
