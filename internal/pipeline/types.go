package pipeline

import (
	"encoding/json"
	"net/http"
	"time"
)

// Content type labels stored in the manifest "Content Type" column.
const (
	ContentHTML  = "html"
	ContentPDF   = "pdf"
	ContentError = "Error"

	// ContentFallbackHTML marks rows produced by the headless browser fallback.
	ContentFallbackHTML = "text/html"
)

// MissingValue fills empty index cells when source CSVs are merged.
const MissingValue = "Missing"

// SourceLink is one discoverable content item produced by the index crawl.
// After grouping, Sections/Subsections/Titles carry every index entry that pointed
// at the same URL, in first-seen order.
type SourceLink struct {
	Sections    []string
	Subsections []string
	Titles      []string
	URL         string
	Role        string
	Filename    string
}

// FirstSection returns the first recorded section or "".
func (l SourceLink) FirstSection() string { return first(l.Sections) }

// FirstSubsection returns the first recorded subsection or "".
func (l SourceLink) FirstSubsection() string { return first(l.Subsections) }

// FirstTitle returns the first recorded title or "".
func (l SourceLink) FirstTitle() string { return first(l.Titles) }

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// FetchedDocument is one manifest row: the outcome of fetching a SourceLink.
// An empty ContentHash marks either a failure row or a browser fallback.
type FetchedDocument struct {
	Heading     string
	Subheading  string
	Title       string
	URL         string
	Filepath    string
	ContentType string
	ContentHash string
	LastUpdate  time.Time
}

// Failed reports whether the row records a fetch failure rather than saved content.
// HTTP failures store the numeric status code as the content type.
func (d FetchedDocument) Failed() bool {
	return d.ContentType == "" || d.ContentType == ContentError || isNumeric(d.ContentType)
}

// IsHTML reports whether the row points at saved HTML, including browser fallbacks
// which are recorded with the full "text/html" media type.
func (d FetchedDocument) IsHTML() bool {
	return d.ContentType == ContentHTML || d.ContentType == ContentFallbackHTML
}

// IsPDF reports whether the row points at a saved PDF.
func (d FetchedDocument) IsPDF() bool {
	return d.ContentType == ContentPDF
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// FetchRequest describes a single network retrieval.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the raw result of a network retrieval.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// ConversionStatus classifies how a document left the converter.
type ConversionStatus string

const (
	// ConversionSuccess means the parser returned Markdown.
	ConversionSuccess ConversionStatus = "success"
	// ConversionFallback means the parser returned nothing and the intermediate text was loaded directly.
	ConversionFallback ConversionStatus = "fallback"
	// ConversionEmpty means normalization produced no text after every attempt.
	ConversionEmpty ConversionStatus = "empty"
	// ConversionParseError means the parser failed after every attempt.
	ConversionParseError ConversionStatus = "parse_error"
)

// ConversionState is a step of the per-document conversion state machine.
type ConversionState string

const (
	StateFetched    ConversionState = "FETCHED"
	StateNormalized ConversionState = "NORMALIZED"
	StateParsed     ConversionState = "PARSED"
	StateFinalized  ConversionState = "FINALIZED"
	StateErrored    ConversionState = "ERRORED"
)

// ConversionResult is the outcome of converting one FetchedDocument.
type ConversionResult struct {
	Document       FetchedDocument
	Intermediate   string
	MarkdownPath   string
	QuarantinePath string
	Title          string
	State          ConversionState
	Status         ConversionStatus
	Reason         string
}

// MetadataRecord is the structured header attached to a Markdown artifact.
type MetadataRecord struct {
	URL        string
	Heading    string
	Subheading string
	Title      string
	Role       string
}

// Failure is one itemised hard failure reported in the run summary.
type Failure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// RunRecord describes one pipeline run. Summary holds the encoded run summary
// once the run has finished.
type RunRecord struct {
	ID         string          `json:"id"`
	Folder     string          `json:"folder"`
	Status     RunStatus       `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
}
