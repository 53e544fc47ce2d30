// Package query tracks the live text descriptions a user compares against the camera.
package query

import (
	"errors"
	"sort"
	"strings"

	"github.com/andresmejia3/livematch/internal/score"
)

// MaxQueries caps the number of live queries; the oldest is dropped on overflow.
const MaxQueries = 12

// ErrEmpty is returned for a submission that is blank after trimming.
var ErrEmpty = errors.New("query text is empty")

// Query is a single description and its latest score against the camera.
type Query struct {
	Text        string
	RawScore    float64
	ScaledScore float64
}

// Ranked is a Query with its softmax probability relative to the other queries.
// Comparable is false when fewer than two queries exist; Probability is then
// not meaningful and the scaled score should be shown instead.
type Ranked struct {
	Query
	Probability float64
	Comparable  bool
}

// Clean trims a submitted text and rejects blanks.
func Clean(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmpty
	}
	return text, nil
}

// List holds queries newest first. It is not safe for concurrent use; the
// session's scheduler goroutine is its only owner.
type List struct {
	items []Query
	max   int
}

func NewList(max int) *List {
	if max <= 0 {
		max = MaxQueries
	}
	return &List{max: max}
}

// Upsert applies a fresh score. A known text is updated in place, a new one is
// inserted at the front and the oldest entries beyond the cap are dropped.
func (l *List) Upsert(r score.Result) {
	for i := range l.items {
		if l.items[i].Text == r.Text {
			l.items[i].RawScore = r.RawScore
			l.items[i].ScaledScore = r.ScaledScore
			return
		}
	}

	q := Query{Text: r.Text, RawScore: r.RawScore, ScaledScore: r.ScaledScore}
	l.items = append([]Query{q}, l.items...)
	if len(l.items) > l.max {
		l.items = l.items[:l.max]
	}
}

// Merge applies a batch of scores to queries that are still present.
// Results for texts removed while the batch was in flight are dropped.
// It returns how many queries were updated.
func (l *List) Merge(results []score.Result) int {
	byText := make(map[string]score.Result, len(results))
	for _, r := range results {
		byText[r.Text] = r
	}

	updated := 0
	for i := range l.items {
		if r, ok := byText[l.items[i].Text]; ok {
			l.items[i].RawScore = r.RawScore
			l.items[i].ScaledScore = r.ScaledScore
			updated++
		}
	}
	return updated
}

// Remove deletes text and reports whether it was present.
func (l *List) Remove(text string) bool {
	for i := range l.items {
		if l.items[i].Text == text {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}
	return false
}

func (l *List) Len() int {
	return len(l.items)
}

// Texts returns the query texts, newest first.
func (l *List) Texts() []string {
	out := make([]string, len(l.items))
	for i, q := range l.items {
		out[i] = q.Text
	}
	return out
}

// Items returns a copy of the queries, newest first.
func (l *List) Items() []Query {
	out := make([]Query, len(l.items))
	copy(out, l.items)
	return out
}

// Rank attaches softmax probabilities and sorts by scaled score, highest
// first. Ties keep their list order.
func Rank(queries []Query) []Ranked {
	if len(queries) == 0 {
		return nil
	}

	scaled := make([]float64, len(queries))
	for i, q := range queries {
		scaled[i] = q.ScaledScore
	}
	probs := score.Softmax(scaled)

	out := make([]Ranked, len(queries))
	for i, q := range queries {
		out[i] = Ranked{Query: q, Probability: probs[i], Comparable: len(queries) > 1}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScaledScore > out[j].ScaledScore
	})
	return out
}
