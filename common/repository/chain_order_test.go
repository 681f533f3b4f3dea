package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storeerrors "github.com/mailcortex/triage/common/errors"
	"github.com/mailcortex/triage/common/models"
)

func ptr(id int64) *int64 { return &id }

// row builds a RuleRow with just the linkage fields OrderChain reads.
func row(id int64, prev, next *int64) models.RuleRow {
	return models.RuleRow{ID: id, PrevID: prev, NextID: next}
}

func ruleIDs(rows []models.RuleRow) []int64 {
	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}

func TestOrderChain_Empty(t *testing.T) {
	ordered, err := OrderChain(1, nil)
	require.NoError(t, err)
	assert.Nil(t, ordered)
}

func TestOrderChain_SingleRule(t *testing.T) {
	ordered, err := OrderChain(1, []models.RuleRow{row(7, nil, nil)})
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ruleIDs(ordered))
}

func TestOrderChain_FollowsLinksNotInputOrder(t *testing.T) {
	unordered := []models.RuleRow{
		row(3, ptr(2), nil),
		row(1, nil, ptr(2)),
		row(2, ptr(1), ptr(3)),
	}
	ordered, err := OrderChain(1, unordered)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ruleIDs(ordered))
}

func TestOrderChain_NoHead(t *testing.T) {
	unordered := []models.RuleRow{
		row(1, ptr(2), ptr(2)),
		row(2, ptr(1), ptr(1)),
	}
	_, err := OrderChain(9, unordered)
	var integrityErr *storeerrors.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, int64(9), integrityErr.ChainID)
	assert.Equal(t, "no head rule", integrityErr.Reason)
}

func TestOrderChain_MultipleHeads(t *testing.T) {
	unordered := []models.RuleRow{
		row(1, nil, nil),
		row(2, nil, nil),
	}
	_, err := OrderChain(9, unordered)
	var integrityErr *storeerrors.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "multiple head rules", integrityErr.Reason)
}

func TestOrderChain_CycleAfterHead(t *testing.T) {
	unordered := []models.RuleRow{
		row(1, nil, ptr(2)),
		row(2, ptr(1), ptr(3)),
		row(3, ptr(2), ptr(2)),
	}
	_, err := OrderChain(9, unordered)
	var integrityErr *storeerrors.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "cycle detected", integrityErr.Reason)
}

func TestOrderChain_DanglingNextPointer(t *testing.T) {
	unordered := []models.RuleRow{
		row(1, nil, ptr(99)),
	}
	_, err := OrderChain(9, unordered)
	var integrityErr *storeerrors.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "rule 1 points at missing rule 99", integrityErr.Reason)
}

func TestOrderChain_UnreachableRules(t *testing.T) {
	unordered := []models.RuleRow{
		row(1, nil, nil),
		row(2, ptr(1), ptr(3)),
		row(3, ptr(2), nil),
	}
	_, err := OrderChain(9, unordered)
	var integrityErr *storeerrors.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, "2 rules unreachable from head", integrityErr.Reason)
}
