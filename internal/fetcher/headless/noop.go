package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless fetcher disabled")

// Noop replaces the browser when Chrome cannot start. Every fallback becomes
// an Error row in the manifest.
type Noop struct{}

// NewNoop returns a Noop.
func NewNoop() *Noop { return &Noop{} }

// Fetch fails with ErrDisabled.
func (Noop) Fetch(context.Context, pipeline.FetchRequest) (pipeline.FetchResponse, error) {
	return pipeline.FetchResponse{}, ErrDisabled
}

// Close is a no-op.
func (Noop) Close() error { return nil }
