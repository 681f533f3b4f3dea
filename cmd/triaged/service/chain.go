package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/jackc/pgx/v5"

	"github.com/mailcortex/triage/common/db"
	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/logger"
	"github.com/mailcortex/triage/common/models"
	"github.com/mailcortex/triage/common/repository"
	"github.com/mailcortex/triage/common/telemetry"
	"github.com/mailcortex/triage/common/validation"
	"github.com/mailcortex/triage/common/versions"
)

// ChainService implements single-rule edits on stored chains. Every
// mutation runs in one transaction and invalidates the export cache of
// the version it touched.
type ChainService struct {
	db      *db.DB
	manager *versions.Manager
	patches *validation.PatchValidator
	tel     *telemetry.Telemetry
	log     *logger.Logger
}

// NewChainService creates a chain service. tel may be nil.
func NewChainService(database *db.DB, manager *versions.Manager, tel *telemetry.Telemetry, log *logger.Logger) *ChainService {
	return &ChainService{
		db:      database,
		manager: manager,
		patches: validation.NewPatchValidator(),
		tel:     tel,
		log:     log,
	}
}

func (s *ChainService) record(operation string, start time.Time) {
	if s.tel != nil {
		s.tel.RecordDuration(operation, start)
	}
}

// resolveVersion returns the requested version number, or the active
// one when version is nil.
func (s *ChainService) resolveVersion(ctx context.Context, version *int64) (int64, error) {
	if version != nil {
		row, err := repository.NewVersionRepository(s.db).Get(ctx, *version)
		if err != nil {
			return 0, err
		}
		return row.Version, nil
	}
	row, err := repository.NewVersionRepository(s.db).GetActive(ctx)
	if err != nil {
		return 0, err
	}
	return row.Version, nil
}

// ListRules returns a chain's rules in evaluation order.
func (s *ChainService) ListRules(ctx context.Context, version *int64, chainName string) ([]models.RuleRow, error) {
	v, err := s.resolveVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	chains := repository.NewChainRepository(s.db)
	chainID, err := chains.GetChainID(ctx, v, chainName)
	if err != nil {
		return nil, err
	}

	return chains.Traverse(ctx, chainID)
}

// InsertRule inserts a rule into a chain after the given anchor (nil
// anchor = head). The rule's outcome invariant was already checked at
// decode time; here only its jump target is verified against the
// version's chains.
func (s *ChainService) InsertRule(ctx context.Context, version *int64, chainName string, afterID *int64, rule *models.Rule) (int64, error) {
	defer s.record("rule_insert", time.Now())
	v, err := s.resolveVersion(ctx, version)
	if err != nil {
		return 0, err
	}

	var newID int64
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		chains := repository.NewChainRepository(tx)

		chainID, err := chains.GetChainID(ctx, v, chainName)
		if err != nil {
			return err
		}

		if rule.Jump != "" {
			if _, err := chains.GetChainID(ctx, v, rule.Jump); err != nil {
				return storeerrors.NewValidationError([]string{
					fmt.Sprintf("jump target '%s' does not exist", rule.Jump),
				})
			}
		}

		newID, err = chains.InsertAfter(ctx, chainID, afterID, models.RuleContentFromDocument(rule))
		return err
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("rule inserted", "rule_id", newID, "chain", chainName, "config_version", v)
	s.manager.InvalidateExport(ctx, v)
	return newID, nil
}

// DeleteRule removes a rule and closes the gap around it.
func (s *ChainService) DeleteRule(ctx context.Context, ruleID int64) error {
	defer s.record("rule_delete", time.Now())
	var version int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		chains := repository.NewChainRepository(tx)

		rule, err := chains.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		version = rule.Version

		return chains.Delete(ctx, ruleID)
	})
	if err != nil {
		return err
	}

	s.log.Info("rule deleted", "rule_id", ruleID, "config_version", version)
	s.manager.InvalidateExport(ctx, version)
	return nil
}

// MoveRule repositions a rule after the given anchor within its chain.
// The rule is re-inserted under a new id, which is returned.
func (s *ChainService) MoveRule(ctx context.Context, ruleID int64, afterID *int64) (int64, error) {
	defer s.record("rule_move", time.Now())
	var newID int64
	var version int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		chains := repository.NewChainRepository(tx)

		rule, err := chains.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		version = rule.Version

		newID, err = chains.Move(ctx, ruleID, afterID)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.log.Info("rule moved", "rule_id", ruleID, "new_rule_id", newID, "config_version", version)
	s.manager.InvalidateExport(ctx, version)
	return newID, nil
}

// PatchRule applies an RFC 6902 patch to a rule's content and writes
// it back under optimistic concurrency. The patched document must
// still satisfy the outcome invariant; a row_version mismatch surfaces
// as a ConflictError without mutating the row.
func (s *ChainService) PatchRule(ctx context.Context, ruleID int64, patchDoc []byte, expectedRowVersion *int) (*models.RuleRow, error) {
	defer s.record("rule_patch", time.Now())
	patch, err := jsonpatch.DecodePatch(patchDoc)
	if err != nil {
		return nil, storeerrors.NewParseError("invalid JSON patch", err)
	}
	if err := s.patches.ValidatePatch(patchDoc); err != nil {
		return nil, storeerrors.NewValidationError([]string{err.Error()})
	}

	var updated *models.RuleRow
	var version int64
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		chains := repository.NewChainRepository(tx)

		row, err := chains.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		version = row.Version

		doc, err := row.Content.Document()
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode rule %d: %w", ruleID, err)
		}

		patched, err := patch.Apply(encoded)
		if err != nil {
			return storeerrors.NewValidationError([]string{
				fmt.Sprintf("patch failed: %v", err),
			})
		}

		// Decoding re-runs the outcome check, so a patch cannot leave
		// the rule with zero or two outcomes.
		var result models.Rule
		if err := json.Unmarshal(patched, &result); err != nil {
			return storeerrors.NewValidationError([]string{err.Error()})
		}

		if err := chains.UpdateContent(ctx, ruleID, models.RuleContentFromDocument(&result), expectedRowVersion); err != nil {
			return err
		}

		updated, err = chains.GetRule(ctx, ruleID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("rule patched", "rule_id", ruleID, "config_version", version, "row_version", updated.RowVersion)
	s.manager.InvalidateExport(ctx, version)
	return updated, nil
}
