package merge

import (
	"context"
	"fmt"

	"stagegate/internal/warehouse"
)

// Source supplies the staging batch of a table.
type Source interface {
	Rows(ctx context.Context, table string) ([]warehouse.Row, error)
}

// StagingSource reads batches from a staging dataset.
type StagingSource struct {
	store   warehouse.Store
	dataset string
}

// NewStagingSource creates a source over dataset.
func NewStagingSource(store warehouse.Store, dataset string) *StagingSource {
	return &StagingSource{store: store, dataset: dataset}
}

// Ref is the staging table for name.
func (s *StagingSource) Ref(table string) warehouse.TableRef {
	return warehouse.TableRef{Dataset: s.dataset, Name: table}
}

// Rows reads the whole staging table.
func (s *StagingSource) Rows(ctx context.Context, table string) ([]warehouse.Row, error) {
	var rows []warehouse.Row
	err := s.store.Scan(ctx, s.Ref(table), func(r warehouse.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read staging batch %s: %w", s.Ref(table), err)
	}
	return rows, nil
}
