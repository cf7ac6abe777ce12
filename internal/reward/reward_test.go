package reward_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/folio/internal/reward"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"same", "same", 0},
		{"Saturday", "Sunday", 3},
		{"café", "cafe", 1},
		{"第一章", "第二章", 1},
		{"abcdef", "azcdxf", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, reward.Distance(tt.a, tt.b), "%q -> %q", tt.a, tt.b)
	}
}

func TestScore_IdenticalIsOne(t *testing.T) {
	for _, s := range []string{"", "x", "Final polished text.", "第一章"} {
		assert.Equal(t, 1.0, reward.Score(s, s))
	}
}

func TestScore_RangeAndSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"Draft text before polish.", "Final polished text."},
		{"", "something long enough"},
		{"a", "b"},
		{"the gates of morning", "the gate of mourning"},
	}
	for _, p := range pairs {
		s := reward.Score(p[0], p[1])
		assert.Greater(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		assert.Equal(t, s, reward.Score(p[1], p[0]), "score must be symmetric")
	}
}

func TestScore_Formula(t *testing.T) {
	pre := "Draft text before polish."
	post := "Final polished text."
	d := reward.Distance(pre, post)
	assert.Positive(t, d)
	assert.Equal(t, 1.0/(1.0+float64(d)), reward.Score(pre, post))
	assert.Equal(t, 0.25, reward.Score("kitten", "sitting"))
}

func TestScore_Deterministic(t *testing.T) {
	pre, post := "one two three", "one 2 three four"
	first := reward.Score(pre, post)
	for range 10 {
		assert.Equal(t, first, reward.Score(pre, post))
	}
}

func TestScore_DecreasesWithMoreEdits(t *testing.T) {
	base := "abcdefghij"
	assert.Greater(t, reward.Score(base, "abcdefghiX"), reward.Score(base, "abcdefghXX"))
}
