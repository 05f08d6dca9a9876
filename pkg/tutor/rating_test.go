package tutor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lectio-dev/lectio/pkg/session"
)

func TestRatingFor(t *testing.T) {
	tests := []struct {
		total int
		want  session.Rating
	}{
		{0, session.RatingExcellent},
		{2, session.RatingExcellent},
		{3, session.RatingGood},
		{5, session.RatingGood},
		{6, session.RatingFair},
		{8, session.RatingFair},
		{9, session.RatingNeedsImprovement},
		{40, session.RatingNeedsImprovement},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RatingFor(tt.total), "total %d", tt.total)
	}
}

func TestRatingFor_Monotonic(t *testing.T) {
	prev := RatingFor(0).Rank()
	for n := 1; n <= 50; n++ {
		rank := RatingFor(n).Rank()
		require.GreaterOrEqual(t, rank, prev, "rating improved from %d to %d errors", n-1, n)
		prev = rank
	}
}

func TestBreakdownOf_Conserves(t *testing.T) {
	cats := session.Categories
	for n := 0; n < 30; n++ {
		items := make([]session.ErrorItem, n)
		for i := range items {
			items[i].Category = cats[(i*7+n)%len(cats)]
		}
		b, err := BreakdownOf(items)
		require.NoError(t, err)
		assert.Equal(t, n, b.Total())
	}

	_, err := BreakdownOf([]session.ErrorItem{{Category: "punctuation"}})
	require.ErrorIs(t, err, ErrInvalidInput)
}
