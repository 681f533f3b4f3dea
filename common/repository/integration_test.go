package repository

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/models"
)

// These tests need a real Postgres; set TRIAGE_TEST_DATABASE_URL to run
// them. Each test seeds its own version so runs are isolated without
// truncation.

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TRIAGE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TRIAGE_TEST_DATABASE_URL not set")
	}

	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(context.Background(), schema)
	require.NoError(t, err)
	return pool
}

func seedVersion(t *testing.T, pool *pgxpool.Pool) int64 {
	t.Helper()
	version, err := NewVersionRepository(pool).Insert(context.Background(), &models.VersionRow{
		CreatedBy:   "test",
		ContentHash: "sha256:" + uuid.NewString(),
		LabelPrefix: "Cortex",
	})
	require.NoError(t, err)
	return version
}

func seedChain(t *testing.T, pool *pgxpool.Pool, version int64) int64 {
	t.Helper()
	chainID, err := NewChainRepository(pool).CreateChain(context.Background(), version, "main")
	require.NoError(t, err)
	return chainID
}

func labelContent(label string) models.RuleContent {
	return models.RuleContent{Action: &models.Action{Label: label}}
}

// inTx runs mutations the way the service layer does, inside one
// transaction.
func inTx(t *testing.T, pool *pgxpool.Pool, fn func(repo *ChainRepository) error) error {
	t.Helper()
	return pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
		return fn(NewChainRepository(tx))
	})
}

func insertRule(t *testing.T, pool *pgxpool.Pool, chainID int64, afterID *int64, label string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, inTx(t, pool, func(repo *ChainRepository) error {
		var err error
		id, err = repo.InsertAfter(context.Background(), chainID, afterID, labelContent(label))
		return err
	}))
	return id
}

func chainLabels(t *testing.T, pool *pgxpool.Pool, chainID int64) []string {
	t.Helper()
	rules, err := NewChainRepository(pool).Traverse(context.Background(), chainID)
	require.NoError(t, err)
	labels := make([]string, len(rules))
	for i, r := range rules {
		labels[i] = r.Content.Action.Label
	}
	return labels
}

func TestChainRepository_InsertAfter(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))

	a := insertRule(t, pool, chainID, nil, "a")
	assert.Equal(t, []string{"a"}, chainLabels(t, pool, chainID))

	insertRule(t, pool, chainID, &a, "b")
	assert.Equal(t, []string{"a", "b"}, chainLabels(t, pool, chainID))

	// Nil anchor on a non-empty chain prepends a new head.
	insertRule(t, pool, chainID, nil, "c")
	assert.Equal(t, []string{"c", "a", "b"}, chainLabels(t, pool, chainID))

	insertRule(t, pool, chainID, &a, "d")
	assert.Equal(t, []string{"c", "a", "d", "b"}, chainLabels(t, pool, chainID))
}

func TestChainRepository_InsertAfter_MissingAnchor(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))

	missing := int64(999999999)
	err := inTx(t, pool, func(repo *ChainRepository) error {
		_, err := repo.InsertAfter(context.Background(), chainID, &missing, labelContent("x"))
		return err
	})
	var notFound *storeerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestChainRepository_Delete(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))

	a := insertRule(t, pool, chainID, nil, "a")
	b := insertRule(t, pool, chainID, &a, "b")
	c := insertRule(t, pool, chainID, &b, "c")

	// Middle delete relinks the neighbors.
	require.NoError(t, inTx(t, pool, func(repo *ChainRepository) error {
		return repo.Delete(context.Background(), b)
	}))
	assert.Equal(t, []string{"a", "c"}, chainLabels(t, pool, chainID))

	require.NoError(t, inTx(t, pool, func(repo *ChainRepository) error {
		return repo.Delete(context.Background(), a)
	}))
	assert.Equal(t, []string{"c"}, chainLabels(t, pool, chainID))

	require.NoError(t, inTx(t, pool, func(repo *ChainRepository) error {
		return repo.Delete(context.Background(), c)
	}))
	assert.Empty(t, chainLabels(t, pool, chainID))

	err := inTx(t, pool, func(repo *ChainRepository) error {
		return repo.Delete(context.Background(), c)
	})
	var notFound *storeerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestChainRepository_Move(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))

	a := insertRule(t, pool, chainID, nil, "a")
	b := insertRule(t, pool, chainID, &a, "b")
	insertRule(t, pool, chainID, &b, "c")

	// Move the head behind b. The rule is re-created, so callers get a
	// fresh id back.
	var newID int64
	require.NoError(t, inTx(t, pool, func(repo *ChainRepository) error {
		var err error
		newID, err = repo.Move(context.Background(), a, &b)
		return err
	}))
	assert.NotEqual(t, a, newID)
	assert.Equal(t, []string{"b", "a", "c"}, chainLabels(t, pool, chainID))

	require.NoError(t, inTx(t, pool, func(repo *ChainRepository) error {
		_, err := repo.Move(context.Background(), newID, nil)
		return err
	}))
	assert.Equal(t, []string{"a", "b", "c"}, chainLabels(t, pool, chainID))
}

func TestChainRepository_ConcurrentInserts_DisjointAnchors(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))

	a := insertRule(t, pool, chainID, nil, "a")
	b := insertRule(t, pool, chainID, &a, "b")
	c := insertRule(t, pool, chainID, &b, "c")
	insertRule(t, pool, chainID, &c, "d")

	// Anchors a and c are non-adjacent, so the two inserts lock
	// disjoint neighbor sets and neither should block or fail.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = inTx(t, pool, func(repo *ChainRepository) error {
			_, err := repo.InsertAfter(context.Background(), chainID, &a, labelContent("x"))
			return err
		})
	}()
	go func() {
		defer wg.Done()
		errs[1] = inTx(t, pool, func(repo *ChainRepository) error {
			_, err := repo.InsertAfter(context.Background(), chainID, &c, labelContent("y"))
			return err
		})
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, []string{"a", "x", "b", "c", "y", "d"}, chainLabels(t, pool, chainID))
}

func TestChainRepository_ConcurrentInserts_SameAnchor(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))

	a := insertRule(t, pool, chainID, nil, "a")
	insertRule(t, pool, chainID, &a, "b")

	// Both inserts target the same anchor; they serialize on its lock
	// and the loser must splice against the winner's row, not the
	// anchor's stale successor. A stale splice strands a row, which
	// Traverse reports as unreachable.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i, label := range []string{"x", "y"} {
		go func(i int, label string) {
			defer wg.Done()
			errs[i] = inTx(t, pool, func(repo *ChainRepository) error {
				_, err := repo.InsertAfter(context.Background(), chainID, &a, labelContent(label))
				return err
			})
		}(i, label)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	labels := chainLabels(t, pool, chainID)
	require.Len(t, labels, 4)
	assert.Equal(t, "a", labels[0])
	assert.Equal(t, "b", labels[3])
	assert.ElementsMatch(t, []string{"x", "y"}, labels[1:3])
}

func TestChainRepository_UpdateContent_OptimisticLock(t *testing.T) {
	pool := testPool(t)
	chainID := seedChain(t, pool, seedVersion(t, pool))
	repo := NewChainRepository(pool)

	id := insertRule(t, pool, chainID, nil, "a")

	expected := 1
	require.NoError(t, repo.UpdateContent(context.Background(), id, labelContent("a2"), &expected))

	rule, err := repo.GetRule(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 2, rule.RowVersion)
	assert.Equal(t, "a2", rule.Content.Action.Label)

	// A stale expectation is rejected and the row stays untouched.
	err = repo.UpdateContent(context.Background(), id, labelContent("a3"), &expected)
	var conflict *storeerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, id, conflict.RuleID)
	assert.Equal(t, expected, conflict.ExpectedVersion)

	rule, err = repo.GetRule(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "a2", rule.Content.Action.Label)

	// No expectation means last write wins.
	require.NoError(t, repo.UpdateContent(context.Background(), id, labelContent("a4"), nil))
	rule, err = repo.GetRule(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 3, rule.RowVersion)
	assert.Equal(t, "a4", rule.Content.Action.Label)
}

func TestVersionRepository_ExactlyOneActive(t *testing.T) {
	pool := testPool(t)
	repo := NewVersionRepository(pool)

	first := seedVersion(t, pool)
	second := seedVersion(t, pool)

	// Inserting the second version deactivated the first.
	active, err := repo.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, active.Version)

	require.NoError(t, repo.Activate(context.Background(), first))
	active, err = repo.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, active.Version)

	row, err := repo.Get(context.Background(), second)
	require.NoError(t, err)
	assert.False(t, row.IsActive)

	err = repo.Activate(context.Background(), int64(999999999))
	var notFound *storeerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestVersionRepository_ActivateOldestVersion(t *testing.T) {
	pool := testPool(t)
	repo := NewVersionRepository(pool)

	// Rolling back to the oldest of several versions flips a row whose
	// tuple precedes the active one in the heap, so the update order
	// must not trip the partial unique index on is_active.
	oldest := seedVersion(t, pool)
	seedVersion(t, pool)
	newest := seedVersion(t, pool)

	err := pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
		return NewVersionRepository(tx).Activate(context.Background(), oldest)
	})
	require.NoError(t, err)

	active, err := repo.GetActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, oldest, active.Version)

	row, err := repo.Get(context.Background(), newest)
	require.NoError(t, err)
	assert.False(t, row.IsActive)
}

func TestVersionRepository_ConcurrentInserts(t *testing.T) {
	pool := testPool(t)

	seedVersion(t, pool)

	// Two imports committing at once must both land; the loser waits on
	// the active row's lock instead of dying on the unique index.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = pgx.BeginFunc(context.Background(), pool, func(tx pgx.Tx) error {
				_, err := NewVersionRepository(tx).Insert(context.Background(), &models.VersionRow{
					CreatedBy:   "test",
					ContentHash: "sha256:" + uuid.NewString(),
					LabelPrefix: "Cortex",
				})
				return err
			})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	var activeCount int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM triage_config_version WHERE is_active`).Scan(&activeCount))
	assert.Equal(t, 1, activeCount)
}

func TestMappingRepository_ListOrdering(t *testing.T) {
	pool := testPool(t)
	version := seedVersion(t, pool)
	repo := NewMappingRepository(pool)

	rows := []models.MappingRow{
		{Version: version, Type: models.MappingPriority, Address: "zed@example.com", Label: "Zed"},
		{Version: version, Type: models.MappingFallback, Address: "ann@example.com", Label: "Ann"},
		{Version: version, Type: models.MappingPriority, Address: "ann@example.com", Label: "Ann"},
	}
	require.NoError(t, repo.Insert(context.Background(), rows))

	listed, err := repo.ListByVersion(context.Background(), version)
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, models.MappingFallback, listed[0].Type)
	assert.Equal(t, "ann@example.com", listed[1].Address)
	assert.Equal(t, "zed@example.com", listed[2].Address)
}
