package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if documentsTotal == nil || fetchBytesTotal == nil ||
		httpRequestsTotal == nil || stageDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDocument(t *testing.T) {
	ObserveDocument("convert", "quarantined")
	ObserveDocument("convert", "quarantined")

	if val := testutil.ToFloat64(documentsTotal.WithLabelValues("convert", "quarantined")); val != 2 {
		t.Errorf("expected 2 quarantined documents, got %f", val)
	}
}

func TestObserveFetchBytesSkipsEmpty(t *testing.T) {
	ObserveFetchBytes("https://Bytes.Example.com/a", 0)
	ObserveFetchBytes("https://Bytes.Example.com/a", 512)

	if val := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("bytes.example.com")); val != 512 {
		t.Errorf("expected 512 bytes, got %f", val)
	}
}

func TestObserveStageAndWorkers(t *testing.T) {
	ObserveStage("fetch", 2*time.Second)
	if val := testutil.CollectAndCount(stageDurationSeconds); val <= 0 {
		t.Errorf("expected stage duration to be observed, got %d", val)
	}

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if val := testutil.ToFloat64(activeWorkers); val != 1 {
		t.Errorf("expected 1 active worker, got %f", val)
	}
	DecActiveWorkers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
