package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/pathway-indexer/internal/pipeline"
)

// ManifestStore upserts manifest rows keyed by (run_id, url).
type ManifestStore struct {
	db    DB
	table string
}

// NewManifestStoreWithPool constructs a store from an existing pool.
func NewManifestStoreWithPool(db DB, table string) (*ManifestStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "indexer_documents"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ManifestStore{db: db, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ManifestStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// StoreDocuments writes docs in a single transaction.
func (s *ManifestStore) StoreDocuments(ctx context.Context, runID string, docs []pipeline.FetchedDocument) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("manifest store is not configured")
	}
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(docs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id, url, heading, subheading, title, filepath, content_type, content_hash, last_update
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
)
ON CONFLICT (run_id, url) DO UPDATE SET
	heading = EXCLUDED.heading,
	subheading = EXCLUDED.subheading,
	title = EXCLUDED.title,
	filepath = EXCLUDED.filepath,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	last_update = EXCLUDED.last_update`, s.table)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin manifest tx: %w", err)
	}
	for _, doc := range docs {
		_, err := tx.Exec(ctx, query,
			runID,
			doc.URL,
			doc.Heading,
			doc.Subheading,
			doc.Title,
			doc.Filepath,
			doc.ContentType,
			doc.ContentHash,
			nullableTime(doc.LastUpdate),
		)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("upsert %s: %w", doc.URL, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit manifest tx: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
