package httpx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pagedItem struct {
	ID   string
	Name string
}

func TestCollectPagesStopsOnEmptyPage(t *testing.T) {
	pages := [][]pagedItem{
		{{ID: "1"}, {ID: "2"}},
		{{ID: "3"}},
		{},
	}
	var calls int
	items, err := CollectPages(context.Background(), func(_ context.Context, page int) ([]pagedItem, error) {
		calls++
		require.LessOrEqual(t, page, len(pages))
		return pages[page-1], nil
	})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, 3, calls)
}

func TestCollectPagesPropagatesError(t *testing.T) {
	boom := errors.New("upstream down")
	_, err := CollectPages(context.Background(), func(_ context.Context, page int) ([]pagedItem, error) {
		if page == 2 {
			return nil, boom
		}
		return []pagedItem{{ID: "1"}}, nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestCollectKeyedLastOccurrenceWins(t *testing.T) {
	pages := [][]pagedItem{
		{{ID: "1", Name: "first"}, {ID: "2", Name: "second"}},
		{{ID: "1", Name: "replacement"}},
		{},
	}
	byID, err := CollectKeyed(context.Background(), func(i pagedItem) string { return i.ID },
		func(_ context.Context, page int) ([]pagedItem, error) {
			return pages[page-1], nil
		})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, "replacement", byID["1"].Name)
	assert.Equal(t, "second", byID["2"].Name)
}

func TestCollectCursorWalksUntilEmptyCursor(t *testing.T) {
	var cursors []string
	items, err := CollectCursor(context.Background(), func(_ context.Context, after string) ([]pagedItem, string, error) {
		cursors = append(cursors, after)
		switch after {
		case "":
			return []pagedItem{{ID: "1"}}, "cur-a", nil
		case "cur-a":
			return []pagedItem{{ID: "2"}, {ID: "3"}}, "cur-b", nil
		default:
			return []pagedItem{{ID: "4"}}, "", nil
		}
	})
	require.NoError(t, err)
	assert.Len(t, items, 4)
	assert.Equal(t, []string{"", "cur-a", "cur-b"}, cursors)
}

func TestCollectCursorPropagatesError(t *testing.T) {
	boom := errors.New("cursor expired")
	_, err := CollectCursor(context.Background(), func(_ context.Context, after string) ([]pagedItem, string, error) {
		if after == "cur-a" {
			return nil, "", boom
		}
		return []pagedItem{{ID: "1"}}, "cur-a", nil
	})
	assert.ErrorIs(t, err, boom)
}
