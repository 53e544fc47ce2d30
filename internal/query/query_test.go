package query

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/livematch/internal/score"
)

func TestClean(t *testing.T) {
	got, err := Clean("  a happy person \n")
	require.NoError(t, err)
	assert.Equal(t, "a happy person", got)

	_, err = Clean("   ")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestList_CapDropsOldest(t *testing.T) {
	l := NewList(MaxQueries)
	for i := 1; i <= MaxQueries+1; i++ {
		l.Upsert(score.Result{Text: fmt.Sprintf("q%d", i)})
	}

	require.Equal(t, MaxQueries, l.Len())
	texts := l.Texts()
	assert.Equal(t, "q13", texts[0], "newest first")
	assert.NotContains(t, texts, "q1")
	assert.Contains(t, texts, "q2")
}

func TestList_UpsertUpdatesInPlace(t *testing.T) {
	l := NewList(0)
	l.Upsert(score.Result{Text: "a"})
	l.Upsert(score.Result{Text: "b"})
	l.Upsert(score.Result{Text: "a", RawScore: 0.3, ScaledScore: 30})

	assert.Equal(t, []string{"b", "a"}, l.Texts())
	assert.Equal(t, 30.0, l.Items()[1].ScaledScore)
}

func TestList_MergeDropsRemoved(t *testing.T) {
	l := NewList(0)
	l.Upsert(score.Result{Text: "a"})
	l.Upsert(score.Result{Text: "b"})

	batch := []score.Result{
		{Text: "a", RawScore: 0.2, ScaledScore: 20},
		{Text: "b", RawScore: 0.1, ScaledScore: 10},
	}
	require.True(t, l.Remove("b"))

	assert.Equal(t, 1, l.Merge(batch))
	assert.Equal(t, []Query{{Text: "a", RawScore: 0.2, ScaledScore: 20}}, l.Items())
	assert.False(t, l.Remove("b"))
}

func TestRank(t *testing.T) {
	t.Run("two queries", func(t *testing.T) {
		ranked := Rank([]Query{
			{Text: "low", ScaledScore: 10},
			{Text: "high", ScaledScore: 20},
		})
		require.Len(t, ranked, 2)
		assert.Equal(t, "high", ranked[0].Text)
		assert.InDelta(t, 73.1, ranked[0].Probability, 0.05)
		assert.InDelta(t, 26.9, ranked[1].Probability, 0.05)
		assert.True(t, ranked[0].Comparable)
	})

	t.Run("single query is not comparable", func(t *testing.T) {
		ranked := Rank([]Query{{Text: "only", ScaledScore: 23.4}})
		require.Len(t, ranked, 1)
		assert.False(t, ranked[0].Comparable)
	})

	t.Run("ties keep list order", func(t *testing.T) {
		ranked := Rank([]Query{
			{Text: "first", ScaledScore: 5},
			{Text: "second", ScaledScore: 5},
		})
		assert.Equal(t, "first", ranked[0].Text)
		assert.Equal(t, "second", ranked[1].Text)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, Rank(nil))
	})
}
