package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mailcortex/triage/common/db"
	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/models"
)

// VersionRepository handles configuration version rows. At most one
// version is active at a time; flips run inside the caller's
// transaction so no reader ever observes zero or two active versions.
type VersionRepository struct {
	q db.Querier
}

func NewVersionRepository(q db.Querier) *VersionRepository {
	return &VersionRepository{q: q}
}

const versionColumns = `version, created_by, notes, is_active, content_hash, label_prefix,
	intents, email_categories, prompts, body_extraction_prompts, created_at`

// FindByHash looks a version up by content hash. Returns nil (no
// error) when no version carries the hash; this is the import dedup
// probe, where absence is the normal case.
func (r *VersionRepository) FindByHash(ctx context.Context, hash string) (*models.VersionRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM triage_config_version WHERE content_hash = $1`, versionColumns)

	row, err := scanVersion(r.q.QueryRow(ctx, query, hash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Get fetches a version by number.
func (r *VersionRepository) Get(ctx context.Context, version int64) (*models.VersionRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM triage_config_version WHERE version = $1`, versionColumns)

	row, err := scanVersion(r.q.QueryRow(ctx, query, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeerrors.NewNotFound("version", version)
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// GetActive fetches the currently active version.
func (r *VersionRepository) GetActive(ctx context.Context) (*models.VersionRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM triage_config_version WHERE is_active`, versionColumns)

	row, err := scanVersion(r.q.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeerrors.NewNotFound("version", "active")
	}
	if err != nil {
		return nil, err
	}
	return row, nil
}

// List returns all versions, newest first.
func (r *VersionRepository) List(ctx context.Context) ([]*models.VersionRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM triage_config_version ORDER BY version DESC`, versionColumns)

	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*models.VersionRow
	for rows.Next() {
		row, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// Insert creates a new version row and makes it active, deactivating
// whatever was active before in the same transaction. The caller must
// run this inside a transaction so the new configuration's rows become
// visible atomically with the flip.
func (r *VersionRepository) Insert(ctx context.Context, row *models.VersionRow) (int64, error) {
	// Lock the active row first so concurrent imports queue up behind
	// each other instead of racing onto the unique active index.
	var active int64
	err := r.q.QueryRow(ctx,
		`SELECT version FROM triage_config_version WHERE is_active FOR UPDATE`).Scan(&active)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to lock active version: %w", err)
	}

	if _, err := r.q.Exec(ctx,
		`UPDATE triage_config_version SET is_active = FALSE WHERE is_active`); err != nil {
		return 0, fmt.Errorf("failed to deactivate current version: %w", err)
	}

	intents, err := json.Marshal(orEmpty(row.Intents))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal intents: %w", err)
	}
	categories, err := json.Marshal(orEmpty(row.EmailCategories))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal email categories: %w", err)
	}
	prompts, err := json.Marshal(orEmpty(row.Prompts))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal prompts: %w", err)
	}
	extraction, err := json.Marshal(orEmpty(row.BodyExtractionPrompts))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal body extraction prompts: %w", err)
	}

	query := `
		INSERT INTO triage_config_version (
			created_by, notes, is_active, content_hash, label_prefix,
			intents, email_categories, prompts, body_extraction_prompts
		) VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7, $8)
		RETURNING version, created_at
	`

	err = r.q.QueryRow(ctx, query,
		row.CreatedBy, row.Notes, row.ContentHash, row.LabelPrefix,
		intents, categories, prompts, extraction,
	).Scan(&row.Version, &row.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert version: %w", err)
	}

	row.IsActive = true
	return row.Version, nil
}

// Activate makes an existing version the active one. The flip runs as
// deactivate-then-activate: the partial unique index on is_active is
// checked per row, so a single UPDATE touching both rows would trip it
// whenever the target row is scanned first. The caller's transaction
// keeps the two statements atomic, so readers still never observe zero
// or two active versions.
func (r *VersionRepository) Activate(ctx context.Context, version int64) error {
	var exists bool
	if err := r.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM triage_config_version WHERE version = $1)`, version).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check version %d: %w", version, err)
	}
	if !exists {
		return storeerrors.NewNotFound("version", version)
	}

	if _, err := r.q.Exec(ctx,
		`UPDATE triage_config_version SET is_active = FALSE WHERE is_active AND version <> $1`,
		version); err != nil {
		return fmt.Errorf("failed to deactivate current version: %w", err)
	}
	if _, err := r.q.Exec(ctx,
		`UPDATE triage_config_version SET is_active = TRUE WHERE version = $1`,
		version); err != nil {
		return fmt.Errorf("failed to activate version %d: %w", version, err)
	}

	return nil
}

func orEmpty[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func scanVersion(row pgx.Row) (*models.VersionRow, error) {
	var v models.VersionRow
	var intents, categories, prompts, extraction []byte

	err := row.Scan(
		&v.Version,
		&v.CreatedBy,
		&v.Notes,
		&v.IsActive,
		&v.ContentHash,
		&v.LabelPrefix,
		&intents,
		&categories,
		&prompts,
		&extraction,
		&v.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan version: %w", err)
	}

	if err := json.Unmarshal(intents, &v.Intents); err != nil {
		return nil, fmt.Errorf("failed to decode intents of version %d: %w", v.Version, err)
	}
	if err := json.Unmarshal(categories, &v.EmailCategories); err != nil {
		return nil, fmt.Errorf("failed to decode email categories of version %d: %w", v.Version, err)
	}
	if err := json.Unmarshal(prompts, &v.Prompts); err != nil {
		return nil, fmt.Errorf("failed to decode prompts of version %d: %w", v.Version, err)
	}
	if err := json.Unmarshal(extraction, &v.BodyExtractionPrompts); err != nil {
		return nil, fmt.Errorf("failed to decode body extraction prompts of version %d: %w", v.Version, err)
	}

	return &v, nil
}
