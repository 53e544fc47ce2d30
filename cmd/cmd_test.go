package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/livematch/internal/query"
	"github.com/andresmejia3/livematch/internal/segment"
	"github.com/andresmejia3/livematch/internal/session"
)

func TestCleanTexts(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{"trims", []string{"  a cat "}, []string{"a cat"}},
		{"dedupes in order", []string{"a dog", "a cat", " a dog"}, []string{"a dog", "a cat"}},
		{"skips blanks", []string{"", "a cat", "   "}, []string{"a cat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cleanTexts(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := cleanTexts([]string{" ", ""})
	assert.ErrorIs(t, err, query.ErrEmpty)
}

func TestPrintMask(t *testing.T) {
	m := segment.NewMask()
	m[0] = 1
	m[1] = 0.5
	var buf bytes.Buffer
	printMask(&buf, m)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, segment.Rows)
	assert.Len(t, lines[0], segment.Cols)
	assert.Equal(t, byte('@'), lines[0][0])
	assert.Equal(t, byte('='), lines[0][1])
	assert.Equal(t, strings.Repeat(" ", segment.Cols), lines[1])
}

func TestPrintLiveView(t *testing.T) {
	v := &session.View{
		Frames:           3,
		InferenceLatency: 420 * time.Millisecond,
		SegmentationMode: "brightness",
		Queries: query.Rank([]query.Query{
			{Text: "a cat", RawScore: 0.3, ScaledScore: 30},
			{Text: "a dog", RawScore: 0.2, ScaledScore: 20},
		}),
		Pending: []string{"a bird"},
	}
	var buf bytes.Buffer
	printLiveView(&buf, v)

	out := buf.String()
	assert.Contains(t, out, "frame 3")
	assert.Contains(t, out, "420ms")
	assert.Contains(t, out, "100.0%")
	assert.Contains(t, out, "a bird")
	assert.Less(t, strings.Index(out, "a cat"), strings.Index(out, "a dog"))
}

func TestQueriesChanged(t *testing.T) {
	a := &session.View{Queries: query.Rank([]query.Query{{Text: "a cat", ScaledScore: 1}})}
	b := &session.View{Queries: query.Rank([]query.Query{{Text: "a cat", ScaledScore: 2}})}
	assert.True(t, queriesChanged(a, b))
	assert.False(t, queriesChanged(a, a))
}
