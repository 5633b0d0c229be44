// Package llamaparse is a client for the hosted Markdown-structuring parser.
// A parse uploads the text as a job, polls until the job settles and then
// downloads the Markdown result.
package llamaparse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
	"github.com/JakeFAU/pathway-indexer/internal/retry"
)

// ErrJobFailed is returned when the parser reports a failed job.
var ErrJobFailed = errors.New("parse job failed")

// Config points the client at the service.
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Client implements pipeline.Parser.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

type jobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error_message,omitempty"`
}

type markdownResponse struct {
	Markdown string `json:"markdown"`
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cloud.llamaindex.ai"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("llamaparse")}
}

// Parse submits text under name with the instruction set of profile and
// returns the Markdown. An empty string is a valid result.
func (c *Client) Parse(ctx context.Context, name string, text string, profile pipeline.ParseProfile) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	job, err := c.upload(ctx, name, text, profile)
	if err != nil {
		return "", err
	}
	logger := c.logger.With(zap.String("job", job.ID), zap.String("file", name))
	logger.Debug("parse job submitted", zap.String("profile", string(profile)))

	if err := c.await(ctx, job.ID); err != nil {
		return "", err
	}
	var out markdownResponse
	if err := c.getJSON(ctx, "/api/parsing/job/"+job.ID+"/result/markdown", &out); err != nil {
		return "", fmt.Errorf("fetch result: %w", err)
	}
	logger.Debug("parse job finished", zap.Int("bytes", len(out.Markdown)))
	return out.Markdown, nil
}

func (c *Client) upload(ctx context.Context, name, text string, profile pipeline.ParseProfile) (jobResponse, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		return jobResponse{}, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.WriteString(part, text); err != nil {
		return jobResponse{}, fmt.Errorf("writing form file: %w", err)
	}
	if err := w.WriteField("result_type", "markdown"); err != nil {
		return jobResponse{}, fmt.Errorf("writing result_type: %w", err)
	}
	if err := w.WriteField("parsing_instruction", Instruction(profile)); err != nil {
		return jobResponse{}, fmt.Errorf("writing parsing_instruction: %w", err)
	}
	if err := w.Close(); err != nil {
		return jobResponse{}, fmt.Errorf("closing form: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/parsing/upload", &buf)
	if err != nil {
		return jobResponse{}, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	var job jobResponse
	if err := c.do(req, &job); err != nil {
		return jobResponse{}, fmt.Errorf("upload: %w", err)
	}
	if job.ID == "" {
		return jobResponse{}, fmt.Errorf("upload: empty job id")
	}
	return job, nil
}

func (c *Client) await(ctx context.Context, id string) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var job jobResponse
		if err := c.getJSON(ctx, "/api/parsing/job/"+id, &job); err != nil {
			return fmt.Errorf("poll job: %w", err)
		}
		switch strings.ToUpper(job.Status) {
		case "SUCCESS":
			return nil
		case "ERROR", "CANCELED", "CANCELLED":
			return fmt.Errorf("%w: %s %s", ErrJobFailed, job.Status, job.Error)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("poll job: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling parser API: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("parser API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return retry.Permanent(err)
		}
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding parser response: %w", err)
	}
	return nil
}
