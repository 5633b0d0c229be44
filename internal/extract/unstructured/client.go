// Package unstructured is a client for the document-structure extraction
// service that partitions PDFs into typed elements.
package unstructured

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

const partitionPath = "/general/v0/general"

// Config points the client at a server.
type Config struct {
	ServerURL string
	APIKey    string
	Strategy  string
	Languages []string
	Timeout   time.Duration
}

// Client calls the partition endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unstructured API returned %d: %s", e.StatusCode, e.Body)
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Strategy == "" {
		cfg.Strategy = "fast"
	}
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{"eng"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("unstructured")}
}

// Partition uploads data and returns the typed elements. Client errors other
// than 429 are marked permanent so callers do not retry them.
func (c *Client) Partition(ctx context.Context, filename string, data []byte) ([]pipeline.Element, error) {
	body, contentType, err := c.form(filename, data)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.cfg.ServerURL, "/") + partitionPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("unstructured-api-key", c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling unstructured API: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, retry.Permanent(apiErr)
		}
		return nil, apiErr
	}

	var elements []pipeline.Element
	if err := json.NewDecoder(resp.Body).Decode(&elements); err != nil {
		return nil, fmt.Errorf("decoding unstructured response: %w", err)
	}
	c.logger.Debug("partitioned document",
		zap.String("file", filename),
		zap.Int("elements", len(elements)),
		zap.Duration("duration", time.Since(start)),
	)
	return elements, nil
}

func (c *Client) form(filename string, data []byte) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("files", filepath.Base(filename))
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("writing form file: %w", err)
	}
	fields := [][2]string{
		{"strategy", c.cfg.Strategy},
		{"encoding", "utf-8"},
	}
	for _, lang := range c.cfg.Languages {
		fields = append(fields, [2]string{"languages", lang})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
