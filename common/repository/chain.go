// Package repository implements the Postgres persistence layer: the
// per-chain doubly-linked rule list, the version table, and the
// address-mapping table.
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

// ChainRepository handles linked-list operations on rule rows. Rules
// are stored as a doubly-linked list (prev_rule_id / next_rule_id) for
// O(1) insertion and deletion at any position.
//
// It is written against db.Querier so every mutating method runs in
// whatever transaction the caller owns; callers wrap each mutation in
// one transaction via db.WithTx. Locking is node-local: only the rows
// whose pointers change are locked, in one batched ascending-id
// SELECT FOR UPDATE, so concurrent edits to disjoint regions of the
// same chain proceed without blocking each other.
type ChainRepository struct {
	q db.Querier
}

// NewChainRepository creates a chain repository bound to a pool or
// transaction.
func NewChainRepository(q db.Querier) *ChainRepository {
	return &ChainRepository{q: q}
}

const ruleColumns = `id, chain_id, config_version, prev_rule_id, next_rule_id,
	match_condition, variables, action, jump_to_chain, return_to_parent,
	llm_config, routes, rule_name, description, row_version`

// CreateChain inserts a chain row for a version.
func (r *ChainRepository) CreateChain(ctx context.Context, version int64, name string) (int64, error) {
	query := `
		INSERT INTO triage_chain (config_version, chain_name)
		VALUES ($1, $2)
		RETURNING id
	`

	var id int64
	if err := r.q.QueryRow(ctx, query, version, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to create chain %q: %w", name, err)
	}
	return id, nil
}

// GetChainID resolves a chain by version and name.
func (r *ChainRepository) GetChainID(ctx context.Context, version int64, name string) (int64, error) {
	query := `SELECT id FROM triage_chain WHERE config_version = $1 AND chain_name = $2`

	var id int64
	err := r.q.QueryRow(ctx, query, version, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storeerrors.NewNotFound("chain", name)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get chain %q: %w", name, err)
	}
	return id, nil
}

// ListChains lists the chains of a version ordered by name.
func (r *ChainRepository) ListChains(ctx context.Context, version int64) ([]models.ChainRow, error) {
	query := `
		SELECT id, config_version, chain_name
		FROM triage_chain
		WHERE config_version = $1
		ORDER BY chain_name ASC
	`

	rows, err := r.q.Query(ctx, query, version)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer rows.Close()

	var chains []models.ChainRow
	for rows.Next() {
		var chain models.ChainRow
		if err := rows.Scan(&chain.ID, &chain.Version, &chain.Name); err != nil {
			return nil, fmt.Errorf("failed to scan chain: %w", err)
		}
		chains = append(chains, chain)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chains: %w", err)
	}

	return chains, nil
}

// Traverse returns the chain's rules in list order, following next
// pointers from the unique head. The rows are fetched in one query and
// ordered client-side, which lets corruption (no head, multiple heads,
// a cycle, unreachable rows) surface as an IntegrityError instead of a
// hung recursive query.
func (r *ChainRepository) Traverse(ctx context.Context, chainID int64) ([]models.RuleRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM triage_rule WHERE chain_id = $1`, ruleColumns)

	rows, err := r.q.Query(ctx, query, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain %d: %w", chainID, err)
	}
	defer rows.Close()

	var unordered []models.RuleRow
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		unordered = append(unordered, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return OrderChain(chainID, unordered)
}

// OrderChain arranges rule rows into list order. Pure function so the
// integrity checks are testable without a database. The walk is capped
// at the row count; exceeding it means a cycle.
func OrderChain(chainID int64, unordered []models.RuleRow) ([]models.RuleRow, error) {
	if len(unordered) == 0 {
		return nil, nil
	}

	byID := make(map[int64]*models.RuleRow, len(unordered))
	var head *models.RuleRow
	for i := range unordered {
		rule := &unordered[i]
		byID[rule.ID] = rule
		if rule.PrevID == nil {
			if head != nil {
				return nil, &storeerrors.IntegrityError{ChainID: chainID, Reason: "multiple head rules"}
			}
			head = rule
		}
	}
	if head == nil {
		return nil, &storeerrors.IntegrityError{ChainID: chainID, Reason: "no head rule"}
	}

	ordered := make([]models.RuleRow, 0, len(unordered))
	for current := head; current != nil; {
		if len(ordered) == len(unordered) {
			return nil, &storeerrors.IntegrityError{ChainID: chainID, Reason: "cycle detected"}
		}
		ordered = append(ordered, *current)
		if current.NextID == nil {
			break
		}
		next, ok := byID[*current.NextID]
		if !ok {
			return nil, &storeerrors.IntegrityError{
				ChainID: chainID,
				Reason:  fmt.Sprintf("rule %d points at missing rule %d", current.ID, *current.NextID),
			}
		}
		current = next
	}

	if len(ordered) != len(unordered) {
		return nil, &storeerrors.IntegrityError{
			ChainID: chainID,
			Reason:  fmt.Sprintf("%d rules unreachable from head", len(unordered)-len(ordered)),
		}
	}

	return ordered, nil
}

// GetRule fetches a single rule row.
func (r *ChainRepository) GetRule(ctx context.Context, ruleID int64) (*models.RuleRow, error) {
	query := fmt.Sprintf(`SELECT %s FROM triage_rule WHERE id = $1`, ruleColumns)

	rule, err := scanRule(r.q.QueryRow(ctx, query, ruleID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storeerrors.NewNotFound("rule", ruleID)
		}
		return nil, err
	}
	return rule, nil
}

// InsertAfter inserts a new rule after the given anchor; a nil anchor
// means insert at the head. Only the node(s) whose pointers change are
// locked: the current head for head insertion, or the anchor and its
// current successor, acquired in one batched ascending-id lock so two
// concurrent inserts at adjacent positions cannot deadlock. Must run
// inside a caller-owned transaction; any failure rolls the whole
// insert back.
func (r *ChainRepository) InsertAfter(ctx context.Context, chainID int64, afterID *int64, content models.RuleContent) (int64, error) {
	var version int64
	err := r.q.QueryRow(ctx, `SELECT config_version FROM triage_chain WHERE id = $1`, chainID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, storeerrors.NewNotFound("chain", chainID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve chain %d: %w", chainID, err)
	}

	var prevID, nextID *int64
	if afterID == nil {
		// Head insertion: lock the current head (if any); it becomes
		// the new rule's successor.
		var head int64
		err := r.q.QueryRow(ctx,
			`SELECT id FROM triage_rule WHERE chain_id = $1 AND prev_rule_id IS NULL FOR UPDATE`,
			chainID,
		).Scan(&head)
		switch {
		case err == nil:
			nextID = &head
		case errors.Is(err, pgx.ErrNoRows):
			// Empty chain; the new rule is both head and tail.
		default:
			return 0, fmt.Errorf("failed to lock head of chain %d: %w", chainID, err)
		}
	} else {
		err := r.q.QueryRow(ctx,
			`SELECT next_rule_id FROM triage_rule WHERE id = $1 AND chain_id = $2`,
			*afterID, chainID,
		).Scan(&nextID)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, storeerrors.NewNotFound("rule", *afterID)
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read anchor rule %d: %w", *afterID, err)
		}
		prevID = afterID

		if err := r.lockRules(ctx, prevID, nextID); err != nil {
			return 0, err
		}

		// A concurrent insert after the same anchor can repoint it
		// between the read and the lock. Re-read under the anchor lock;
		// from here the pointer is stable, so a changed successor only
		// needs locking once.
		var lockedNext *int64
		if err := r.q.QueryRow(ctx,
			`SELECT next_rule_id FROM triage_rule WHERE id = $1`, *afterID,
		).Scan(&lockedNext); err != nil {
			return 0, fmt.Errorf("failed to re-read anchor rule %d: %w", *afterID, err)
		}
		if !sameRuleID(lockedNext, nextID) {
			nextID = lockedNext
			if err := r.lockRules(ctx, nextID); err != nil {
				return 0, err
			}
		}
	}

	cols, err := contentColumns(content)
	if err != nil {
		return 0, err
	}

	insert := `
		INSERT INTO triage_rule (
			chain_id, config_version, prev_rule_id, next_rule_id,
			match_condition, variables, action, jump_to_chain, return_to_parent,
			llm_config, routes, rule_name, description
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	var newID int64
	err = r.q.QueryRow(ctx, insert,
		chainID, version, prevID, nextID,
		cols.match, cols.variables, cols.action, content.Jump, content.ReturnToParent,
		cols.llm, cols.routes, content.Name, content.Description,
	).Scan(&newID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert rule: %w", err)
	}

	if prevID != nil {
		if _, err := r.q.Exec(ctx,
			`UPDATE triage_rule SET next_rule_id = $1 WHERE id = $2`, newID, *prevID); err != nil {
			return 0, fmt.Errorf("failed to repoint anchor %d: %w", *prevID, err)
		}
	}
	if nextID != nil {
		if _, err := r.q.Exec(ctx,
			`UPDATE triage_rule SET prev_rule_id = $1 WHERE id = $2`, newID, *nextID); err != nil {
			return 0, fmt.Errorf("failed to repoint successor %d: %w", *nextID, err)
		}
	}

	return newID, nil
}

// Delete removes a rule and relinks its neighbors around the gap. The
// target and both neighbors are locked (target first, then neighbors
// batched ascending). Must run inside a caller-owned transaction.
func (r *ChainRepository) Delete(ctx context.Context, ruleID int64) error {
	var chainID int64
	var prevID, nextID *int64
	err := r.q.QueryRow(ctx,
		`SELECT chain_id, prev_rule_id, next_rule_id FROM triage_rule WHERE id = $1 FOR UPDATE`,
		ruleID,
	).Scan(&chainID, &prevID, &nextID)
	if errors.Is(err, pgx.ErrNoRows) {
		return storeerrors.NewNotFound("rule", ruleID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock rule %d: %w", ruleID, err)
	}

	if err := r.lockRules(ctx, prevID, nextID); err != nil {
		return err
	}

	if prevID != nil {
		if _, err := r.q.Exec(ctx,
			`UPDATE triage_rule SET next_rule_id = $1 WHERE id = $2`, nextID, *prevID); err != nil {
			return fmt.Errorf("failed to relink predecessor %d: %w", *prevID, err)
		}
	}
	if nextID != nil {
		if _, err := r.q.Exec(ctx,
			`UPDATE triage_rule SET prev_rule_id = $1 WHERE id = $2`, prevID, *nextID); err != nil {
			return fmt.Errorf("failed to relink successor %d: %w", *nextID, err)
		}
	}

	if _, err := r.q.Exec(ctx, `DELETE FROM triage_rule WHERE id = $1`, ruleID); err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", ruleID, err)
	}

	return nil
}

// Move repositions a rule after the given anchor (nil = head) in its
// own chain, as delete-then-insert of the content read fresh from the
// row. Pointer state is re-derived from the freshly-read neighbor set
// at each step, never from stale identities. Run it inside one
// transaction to keep the rule visible throughout; the new row gets a
// new identity.
func (r *ChainRepository) Move(ctx context.Context, ruleID int64, afterID *int64) (int64, error) {
	rule, err := r.GetRule(ctx, ruleID)
	if err != nil {
		return 0, err
	}

	if err := r.Delete(ctx, ruleID); err != nil {
		return 0, err
	}

	newID, err := r.InsertAfter(ctx, rule.ChainID, afterID, rule.Content)
	if err != nil {
		return 0, fmt.Errorf("failed to move rule %d: %w", ruleID, err)
	}
	return newID, nil
}

// UpdateContent replaces a rule's content without touching pointers,
// bumping row_version. When expectedRowVersion is supplied the update
// succeeds only if the stored version still matches; a mismatch is a
// ConflictError and the row is not mutated. The caller decides whether
// to re-read and retry; nothing retries here.
func (r *ChainRepository) UpdateContent(ctx context.Context, ruleID int64, content models.RuleContent, expectedRowVersion *int) error {
	cols, err := contentColumns(content)
	if err != nil {
		return err
	}

	query := `
		UPDATE triage_rule
		SET match_condition = $1, variables = $2, action = $3, jump_to_chain = $4,
		    return_to_parent = $5, llm_config = $6, routes = $7, rule_name = $8,
		    description = $9, row_version = row_version + 1
		WHERE id = $10
	`
	args := []any{
		cols.match, cols.variables, cols.action, content.Jump,
		content.ReturnToParent, cols.llm, cols.routes, content.Name,
		content.Description, ruleID,
	}
	if expectedRowVersion != nil {
		query += ` AND row_version = $11`
		args = append(args, *expectedRowVersion)
	}

	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update rule %d: %w", ruleID, err)
	}

	if tag.RowsAffected() == 0 {
		if expectedRowVersion == nil {
			return storeerrors.NewNotFound("rule", ruleID)
		}
		var exists bool
		if err := r.q.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM triage_rule WHERE id = $1)`, ruleID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check rule %d: %w", ruleID, err)
		}
		if !exists {
			return storeerrors.NewNotFound("rule", ruleID)
		}
		return &storeerrors.ConflictError{RuleID: ruleID, ExpectedVersion: *expectedRowVersion}
	}

	return nil
}

func sameRuleID(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// lockRules locks the given rows (nils skipped) in one batched
// statement ordered by ascending id. Locking both neighbors in a
// single ordered acquisition is what prevents lock-order deadlocks
// between concurrent operations touching overlapping neighbor sets.
func (r *ChainRepository) lockRules(ctx context.Context, ids ...*int64) error {
	lock := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id != nil {
			lock = append(lock, *id)
		}
	}
	if len(lock) == 0 {
		return nil
	}

	rows, err := r.q.Query(ctx,
		`SELECT id FROM triage_rule WHERE id = ANY($1) ORDER BY id FOR UPDATE`, lock)
	if err != nil {
		return fmt.Errorf("failed to lock rules %v: %w", lock, err)
	}
	rows.Close()
	return rows.Err()
}

type ruleContentColumns struct {
	match     []byte
	variables []byte
	action    []byte
	llm       []byte
	routes    []byte
}

func contentColumns(content models.RuleContent) (ruleContentColumns, error) {
	var cols ruleContentColumns
	var err error

	if cols.match, err = json.Marshal(content.Match); err != nil {
		return cols, fmt.Errorf("failed to marshal match condition: %w", err)
	}
	if len(content.Variables) > 0 {
		if cols.variables, err = json.Marshal(content.Variables); err != nil {
			return cols, fmt.Errorf("failed to marshal variables: %w", err)
		}
	}
	if content.Action != nil {
		if cols.action, err = json.Marshal(content.Action); err != nil {
			return cols, fmt.Errorf("failed to marshal action: %w", err)
		}
	}
	if content.LLM != nil {
		if cols.llm, err = json.Marshal(content.LLM); err != nil {
			return cols, fmt.Errorf("failed to marshal llm config: %w", err)
		}
	}
	if len(content.Routes) > 0 {
		if cols.routes, err = json.Marshal(content.Routes); err != nil {
			return cols, fmt.Errorf("failed to marshal routes: %w", err)
		}
	}

	return cols, nil
}

// scanRule reads one rule row, decoding the JSON content columns.
func scanRule(row pgx.Row) (*models.RuleRow, error) {
	var rule models.RuleRow
	var match, variables, action, llm, routes []byte

	err := row.Scan(
		&rule.ID,
		&rule.ChainID,
		&rule.Version,
		&rule.PrevID,
		&rule.NextID,
		&match,
		&variables,
		&action,
		&rule.Content.Jump,
		&rule.Content.ReturnToParent,
		&llm,
		&routes,
		&rule.Content.Name,
		&rule.Content.Description,
		&rule.RowVersion,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal(match, &rule.Content.Match); err != nil {
		return nil, fmt.Errorf("failed to decode match condition of rule %d: %w", rule.ID, err)
	}
	if variables != nil {
		if err := json.Unmarshal(variables, &rule.Content.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables of rule %d: %w", rule.ID, err)
		}
	}
	if action != nil {
		rule.Content.Action = &models.Action{}
		if err := json.Unmarshal(action, rule.Content.Action); err != nil {
			return nil, fmt.Errorf("failed to decode action of rule %d: %w", rule.ID, err)
		}
	}
	if llm != nil {
		rule.Content.LLM = &models.LLMConfig{}
		if err := json.Unmarshal(llm, rule.Content.LLM); err != nil {
			return nil, fmt.Errorf("failed to decode llm config of rule %d: %w", rule.ID, err)
		}
	}
	if routes != nil {
		if err := json.Unmarshal(routes, &rule.Content.Routes); err != nil {
			return nil, fmt.Errorf("failed to decode routes of rule %d: %w", rule.ID, err)
		}
	}

	return &rule, nil
}
