package tutor

import "github.com/lectio-dev/lectio/pkg/session"

// RatingFor maps a session's total error count to its band: 0-2 excellent,
// 3-5 good, 6-8 fair, 9 or more needs improvement.
func RatingFor(totalErrors int) session.Rating {
	switch {
	case totalErrors <= 2:
		return session.RatingExcellent
	case totalErrors <= 5:
		return session.RatingGood
	case totalErrors <= 8:
		return session.RatingFair
	default:
		return session.RatingNeedsImprovement
	}
}

// BreakdownOf counts errors per category. It fails on an unknown category so
// the counts always sum to len(errors).
func BreakdownOf(errors []session.ErrorItem) (session.Breakdown, error) {
	var b session.Breakdown
	for i, e := range errors {
		switch e.Category {
		case session.CategoryGrammar:
			b.Grammar++
		case session.CategoryVocabulary:
			b.Vocabulary++
		case session.CategorySyntax:
			b.Syntax++
		default:
			return session.Breakdown{}, invalid("errors", "item %d has unknown category %q", i, e.Category)
		}
	}
	return b, nil
}
