package syncer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ii-safety/ampsync/internal/model"
)

func TestTitleSyncCreatesMissing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.stub.titles = []model.Title{{ID: 600, Name: "Foreman"}}
	h.seedEmployee(1001, "Ann", "Smith", "ann@example.com", "555-123-0001", "21", "", "Foreman", "F")
	h.seedEmployee(1002, "Bob", "Jones", "bob@example.com", "555-123-0002", "21", "", "Operator", "M")
	h.seedEmployee(1003, "Cal", "White", "cal@example.com", "555-123-0003", "21", "", "Operator", "M")
	h.seedEmployee(1004, "Dee", "Black", "dee@example.com", "555-123-0004", "21", "", "", "F")
	s := NewTitleSyncer(h.deps)

	res, err := s.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed) // distinct non-empty titles
	assert.Equal(t, 1, res.Created)

	require.Len(t, h.stub.titleCreates, 1)
	assert.Equal(t, map[string]any{"name": "Operator"}, h.stub.titleCreates[0])

	// Second run sees the created title through a fresh cache.
	res, err = s.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Created)
	assert.Len(t, h.stub.titleCreates, 1)
}
