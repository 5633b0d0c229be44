package llamaparse

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

func newServer(t *testing.T, finalStatus string, markdown string) (*httptest.Server, *atomic.Int32, *atomic.Value) {
	t.Helper()
	var polls atomic.Int32
	var instruction atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/api/parsing/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Authorization") != "Bearer key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		instruction.Store(r.FormValue("parsing_instruction"))
		_, _ = io.WriteString(w, `{"id":"job-1","status":"PENDING"}`)
	})
	mux.HandleFunc("/api/parsing/job/job-1", func(w http.ResponseWriter, _ *http.Request) {
		if polls.Add(1) < 2 {
			_, _ = io.WriteString(w, `{"id":"job-1","status":"PENDING"}`)
			return
		}
		_, _ = io.WriteString(w, `{"id":"job-1","status":"`+finalStatus+`"}`)
	})
	mux.HandleFunc("/api/parsing/job/job-1/result/markdown", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"markdown":`+markdown+`}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls, &instruction
}

func TestParsePollsUntilSuccess(t *testing.T) {
	t.Parallel()

	srv, polls, instruction := newServer(t, "SUCCESS", `"# Title\n\nBody"`)
	c := New(Config{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond}, srv.Client(), nil)

	out, err := c.Parse(context.Background(), "abc.txt", "Title\nBody", pipeline.ProfilePDF)
	require.NoError(t, err)
	require.Equal(t, "# Title\n\nBody", out)
	require.GreaterOrEqual(t, polls.Load(), int32(2))
	require.Equal(t, Instruction(pipeline.ProfilePDF), instruction.Load())
}

func TestParseEmptyResultIsNotAnError(t *testing.T) {
	t.Parallel()

	srv, _, instruction := newServer(t, "SUCCESS", `""`)
	c := New(Config{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond}, srv.Client(), nil)

	out, err := c.Parse(context.Background(), "abc.txt", "text", pipeline.ProfileHTML)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, Instruction(pipeline.ProfileHTML), instruction.Load())
}

func TestParseJobError(t *testing.T) {
	t.Parallel()

	srv, _, _ := newServer(t, "ERROR", `""`)
	c := New(Config{BaseURL: srv.URL, APIKey: "key", PollInterval: time.Millisecond}, srv.Client(), nil)

	_, err := c.Parse(context.Background(), "abc.txt", "text", pipeline.ProfileHTML)
	require.ErrorIs(t, err, ErrJobFailed)
}

func TestParseUnauthorizedIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid key", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	_, err := New(Config{BaseURL: srv.URL}, srv.Client(), nil).Parse(context.Background(), "a.txt", "x", pipeline.ProfileHTML)
	require.Error(t, err)
	require.True(t, retry.IsPermanent(err))
}

func TestInstructionProfilesDiffer(t *testing.T) {
	t.Parallel()

	require.Contains(t, Instruction(pipeline.ProfileHTML), "Do not merge")
	require.Contains(t, Instruction(pipeline.ProfilePDF), "merge them into one")
}
