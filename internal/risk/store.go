package risk

import "context"

// HistoryStore persists score history. Append-only: samples are never
// updated or deleted.
type HistoryStore interface {
	// Append records a sample.
	Append(ctx context.Context, s *Sample) error

	// Query returns samples matching the query, newest first.
	Query(ctx context.Context, q HistoryQuery) ([]*Sample, error)

	// Latest returns the most recent sample for a child, nil if none.
	Latest(ctx context.Context, childID string) (*Sample, error)
}
