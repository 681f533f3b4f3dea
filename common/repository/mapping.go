package repository

import (
	"context"
	"fmt"

	"github.com/mailcortex/triage/common/db"
	"github.com/mailcortex/triage/common/models"
)

// MappingRepository handles the per-version address-to-action tables
// (priority and fallback email mappings).
type MappingRepository struct {
	q db.Querier
}

func NewMappingRepository(q db.Querier) *MappingRepository {
	return &MappingRepository{q: q}
}

// Insert stores mapping rows for a version.
func (r *MappingRepository) Insert(ctx context.Context, mappings []models.MappingRow) error {
	query := `
		INSERT INTO triage_email_mapping (
			config_version, mapping_type, email_address, label, archive, mark_read
		) VALUES ($1, $2, $3, $4, $5, $6)
	`

	for _, m := range mappings {
		_, err := r.q.Exec(ctx, query,
			m.Version, m.Type, m.Address, m.Label, m.Archive, m.MarkRead)
		if err != nil {
			return fmt.Errorf("failed to insert %s mapping for %q: %w", m.Type, m.Address, err)
		}
	}

	return nil
}

// ListByVersion returns a version's mappings ordered by type then
// address, which keeps exports deterministic.
func (r *MappingRepository) ListByVersion(ctx context.Context, version int64) ([]models.MappingRow, error) {
	query := `
		SELECT config_version, mapping_type, email_address, label, archive, mark_read
		FROM triage_email_mapping
		WHERE config_version = $1
		ORDER BY mapping_type ASC, email_address ASC
	`

	rows, err := r.q.Query(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	var mappings []models.MappingRow
	for rows.Next() {
		var m models.MappingRow
		if err := rows.Scan(&m.Version, &m.Type, &m.Address, &m.Label, &m.Archive, &m.MarkRead); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mappings: %w", err)
	}

	return mappings, nil
}
