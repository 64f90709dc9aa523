package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in         string
		wantHour   int
		wantMinute int
	}{
		{"2:30pm", 14, 30},
		{"9:15am", 9, 15},
		{"09:15", 9, 15},
		{"9:15", 9, 15},
		{"12am", 0, 0},
		{"12pm", 12, 0},
		{"12:30am", 0, 30},
		{"12:45pm", 12, 45},
		{"10 pm", 22, 0},
		{"7:41PM", 19, 41},
		{"8:10 Am", 8, 10},
		{"00:00", 0, 0},
		{"23:59", 23, 59},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			h, m, err := ParseClock(tt.in)
			if err != nil {
				t.Fatalf("ParseClock(%q) returned error: %v", tt.in, err)
			}
			if h != tt.wantHour || m != tt.wantMinute {
				t.Errorf("ParseClock(%q) = %02d:%02d, want %02d:%02d", tt.in, h, m, tt.wantHour, tt.wantMinute)
			}
		})
	}
}

func TestParseClockInvalid(t *testing.T) {
	for _, in := range []string{"", "not-a-time", "24:00", "12:60", "13pm", "0am", "9", "9:5", "9:155", "ab:cd", "+9:15", "9:15xm", ":30"} {
		if _, _, err := ParseClock(in); !errors.Is(err, ErrInvalidTime) {
			t.Errorf("ParseClock(%q) error = %v, want ErrInvalidTime", in, err)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize("8 am")
	if err != nil || got != "08:00" {
		t.Errorf("Canonicalize(8 am) = %q, %v; want 08:00", got, err)
	}
	if _, err := Canonicalize("noon"); err == nil {
		t.Error("expected error for noon")
	}
}

func TestResolveUsesDateOfNowInTargetZone(t *testing.T) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// 22:00 on Nov 16 in New York is already Nov 17 in Tokyo.
	now := time.Date(2025, 11, 16, 22, 0, 0, 0, eastern)

	got, err := Resolve(now, "08:00", tokyo)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := time.Date(2025, 11, 17, 8, 0, 0, 0, tokyo)
	if !got.Equal(want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}

	got, err = Resolve(now, "2:30pm", eastern)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want = time.Date(2025, 11, 16, 14, 30, 0, 0, eastern)
	if !got.Equal(want) {
		t.Errorf("Resolve = %v, want %v", got, want)
	}

	if _, err := Resolve(now, "not-a-time", eastern); !errors.Is(err, ErrInvalidTime) {
		t.Errorf("expected ErrInvalidTime, got %v", err)
	}
}

func TestDateKey(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2025, 11, 16, 20, 0, 0, 0, time.UTC)
	if got := DateKey(now, time.UTC); got != "2025-11-16" {
		t.Errorf("DateKey UTC = %q", got)
	}
	if got := DateKey(now, tokyo); got != "2025-11-17" {
		t.Errorf("DateKey Tokyo = %q", got)
	}
}

func TestResolverFallback(t *testing.T) {
	r := NewResolver("America/Chicago")
	if r.Default().String() != "America/Chicago" {
		t.Fatalf("unexpected default %q", r.Default().String())
	}
	if got := r.Location(""); got != r.Default() {
		t.Errorf("empty timezone should use default, got %v", got)
	}
	if got := r.Location("Not/AZone"); got != r.Default() {
		t.Errorf("unknown timezone should use default, got %v", got)
	}
	if got := r.Location("Europe/London"); got.String() != "Europe/London" {
		t.Errorf("expected Europe/London, got %v", got)
	}

	bad := NewResolver("Not/AZone")
	if bad.Default().String() != DefaultTimezone && bad.Default() != time.UTC {
		t.Errorf("expected fallback default, got %v", bad.Default())
	}
}
