// Package testutil provides fixtures and assertions shared by MedPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"
	_ "time/tzdata" // fixtures use IANA zones regardless of the host

	"github.com/BTreeMap/MedPipe/internal/models"
	"github.com/BTreeMap/MedPipe/internal/store"
)

// TestPhone is the canonical phone of the default fixture user.
const TestPhone = "+15551234567"

// T is the part of *testing.T the helpers use.
type T interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// Location loads an IANA zone or fails the test.
func Location(t T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("failed to load location %s: %v", name, err)
	}
	return loc
}

// FixedClock returns a clock that always reports at.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// Medication builds a pending medication.
func Medication(name string, times ...string) models.Medication {
	return models.Medication{Name: name, Dosage: "1 tablet", Times: times, Status: models.StatusPending}
}

// NewUser builds the default fixture user in America/New_York.
func NewUser(meds ...models.Medication) *models.User {
	return &models.User{
		Phone:       TestPhone,
		Name:        "John",
		Timezone:    "America/New_York",
		Medications: meds,
	}
}

// SeedUser creates u in st or fails the test.
func SeedUser(t T, st store.Store, u *models.User) {
	t.Helper()
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("failed to seed user %s: %v", u.Phone, err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the APIResponse envelope and validates its status.
func AssertJSONResponse(t T, rr *httptest.ResponseRecorder, expectedStatus string) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return resp
	}
	if resp.Status != expectedStatus {
		t.Errorf("expected status '%s', got '%s' (message %q)", expectedStatus, resp.Status, resp.Message)
	}
	return resp
}

// CreateJSONRequest builds a request with a JSON body. A string body is sent
// as is; anything else is marshalled.
func CreateJSONRequest(t T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var r io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		r = bytes.NewReader(MustMarshalJSON(t, b))
	}
	req := httptest.NewRequest(method, url, r)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// AssertResponseCount validates the number of inbound messages recorded in st.
func AssertResponseCount(t T, st store.Store, expected int, context string) {
	t.Helper()
	responses, err := st.GetResponses()
	if err != nil {
		t.Fatalf("%s: failed to get responses: %v", context, err)
		return
	}
	if len(responses) != expected {
		t.Errorf("%s: expected %d responses, got %d", context, expected, len(responses))
	}
}

// AssertReceiptCount validates the number of receipts of one kind recorded in st.
func AssertReceiptCount(t T, st store.Store, kind models.ReceiptKind, expected int, context string) {
	t.Helper()
	receipts, err := st.GetReceipts()
	if err != nil {
		t.Fatalf("%s: failed to get receipts: %v", context, err)
		return
	}
	n := 0
	for _, r := range receipts {
		if r.Kind == kind {
			n++
		}
	}
	if n != expected {
		t.Errorf("%s: expected %d %s receipts, got %d", context, expected, kind, n)
	}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
