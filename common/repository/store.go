package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mailcortex/triage/common/db"
	"github.com/mailcortex/triage/common/models"
)

// Store is the Postgres-backed persistence surface for the version
// manager. Reads run against the pool; every write runs in one
// transaction so a failed import or activation leaves nothing behind.
type Store struct {
	db *db.DB
}

func NewStore(database *db.DB) *Store {
	return &Store{db: database}
}

func (s *Store) FindVersionByHash(ctx context.Context, hash string) (*models.VersionRow, error) {
	return NewVersionRepository(s.db).FindByHash(ctx, hash)
}

func (s *Store) GetVersion(ctx context.Context, version int64) (*models.VersionRow, error) {
	return NewVersionRepository(s.db).Get(ctx, version)
}

func (s *Store) GetActiveVersion(ctx context.Context) (*models.VersionRow, error) {
	return NewVersionRepository(s.db).GetActive(ctx)
}

func (s *Store) ListVersions(ctx context.Context) ([]*models.VersionRow, error) {
	return NewVersionRepository(s.db).List(ctx)
}

func (s *Store) ListChains(ctx context.Context, version int64) ([]models.ChainRow, error) {
	return NewChainRepository(s.db).ListChains(ctx, version)
}

func (s *Store) TraverseChain(ctx context.Context, chainID int64) ([]models.RuleRow, error) {
	return NewChainRepository(s.db).Traverse(ctx, chainID)
}

func (s *Store) ListMappings(ctx context.Context, version int64) ([]models.MappingRow, error) {
	return NewMappingRepository(s.db).ListByVersion(ctx, version)
}

// CreateVersion persists a whole configuration in one transaction:
// the version row (inserted active, deactivating the previous active
// row), every chain with its rules linked in document order, and the
// address mappings. On any failure the transaction rolls back and the
// previously active version stays active.
func (s *Store) CreateVersion(ctx context.Context, row *models.VersionRow, chains []models.ChainDoc, mappings []models.MappingRow) (int64, error) {
	var version int64

	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		versionRepo := NewVersionRepository(tx)
		chainRepo := NewChainRepository(tx)
		mappingRepo := NewMappingRepository(tx)

		v, err := versionRepo.Insert(ctx, row)
		if err != nil {
			return err
		}
		version = v

		for _, chain := range chains {
			chainID, err := chainRepo.CreateChain(ctx, v, chain.Name)
			if err != nil {
				return err
			}

			var tail *int64
			for i := range chain.Rules {
				content := models.RuleContentFromDocument(&chain.Rules[i])
				id, err := chainRepo.InsertAfter(ctx, chainID, tail, content)
				if err != nil {
					return fmt.Errorf("failed to insert rule %d of chain %q: %w", i, chain.Name, err)
				}
				tail = &id
			}
		}

		for i := range mappings {
			mappings[i].Version = v
		}
		return mappingRepo.Insert(ctx, mappings)
	})
	if err != nil {
		return 0, err
	}

	return version, nil
}

func (s *Store) ActivateVersion(ctx context.Context, version int64) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		return NewVersionRepository(tx).Activate(ctx, version)
	})
}
