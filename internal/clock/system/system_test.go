package system

import (
	"testing"
	"time"
)

func TestNowIsUTCAndMicrosecondPrecise(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := New().Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("location = %v, want UTC", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("Now() = %v, want between %v and %v", got, before, after)
	}
	if got.Nanosecond()%int(time.Microsecond) != 0 {
		t.Fatalf("Now() = %v carries sub-microsecond precision", got)
	}
}

func TestNowSurvivesManifestRoundTrip(t *testing.T) {
	t.Parallel()

	got := New().Now()
	parsed, err := time.Parse(time.RFC3339Nano, got.Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(got) {
		t.Fatalf("round trip = %v, want %v", parsed, got)
	}
}
