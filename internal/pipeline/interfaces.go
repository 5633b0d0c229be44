package pipeline

import (
	"context"
	"errors"
	"io"
	"time"
)

// Run lifecycle errors shared by stores, the orchestrator and the API.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunActive   = errors.New("a run is already in progress")
)

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Hasher computes content digests used as the change signal.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// BlobStore writes finished artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ManifestMirror stores manifest rows outside the run folder.
type ManifestMirror interface {
	StoreDocuments(ctx context.Context, runID string, docs []FetchedDocument) error
}

// Element is one typed block returned by the document-structure extraction service.
type Element struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Extractor partitions a binary document into typed elements.
type Extractor interface {
	Partition(ctx context.Context, filename string, data []byte) ([]Element, error)
}

// ParseProfile selects the instruction set used by the Markdown-structuring parser.
type ParseProfile string

const (
	ProfileHTML ParseProfile = "html"
	ProfilePDF  ParseProfile = "pdf"
)

// Parser turns intermediate text into structured Markdown. An empty result is
// valid and means the parser had nothing to say.
type Parser interface {
	Parse(ctx context.Context, name string, text string, profile ParseProfile) (string, error)
}

// RunRecorder persists run lifecycle records.
type RunRecorder interface {
	StartRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
}
