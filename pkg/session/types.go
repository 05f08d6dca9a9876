package session

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Level is a learner proficiency band. The six bands are ordered A1 < A2 < B1
// < B2 < C1 < C2.
type Level string

const (
	LevelA1 Level = "A1"
	LevelA2 Level = "A2"
	LevelB1 Level = "B1"
	LevelB2 Level = "B2"
	LevelC1 Level = "C1"
	LevelC2 Level = "C2"
)

var levels = []Level{LevelA1, LevelA2, LevelB1, LevelB2, LevelC1, LevelC2}

// ParseLevel accepts a band name in any case.
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if !l.Valid() {
		return "", fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

func (l Level) Valid() bool { return slices.Contains(levels, l) }

// Rank returns 1 for A1 through 6 for C2, and 0 for an unknown level.
func (l Level) Rank() int { return slices.Index(levels, l) + 1 }

// Mode selects the conversation flavour of a session.
type Mode string

const (
	// ModeConversation discusses a reference text.
	ModeConversation Mode = "conversation"
	// ModeRoleplay re-enacts a scripted dialog with the student as one persona.
	ModeRoleplay Mode = "roleplay"
)

// Session is the durable record of one tutoring conversation. Exactly one of
// TextID and DialogID is set. CompletedAt is written once, when the session ends.
type Session struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Level           Level      `json:"level"`
	Language        string     `json:"language"`
	TextID          string     `json:"text_id,omitempty"`
	DialogID        string     `json:"dialog_id,omitempty"`
	Persona         string     `json:"persona,omitempty"`
	OppositePersona string     `json:"opposite_persona,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func (s *Session) Mode() Mode {
	if s.DialogID != "" {
		return ModeRoleplay
	}
	return ModeConversation
}

func (s *Session) Completed() bool { return s.CompletedAt != nil }

// Validate checks the structural invariants every backend relies on.
func (s *Session) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if s.UserID == "" {
		errs = append(errs, errors.New("user id is required"))
	}
	if !s.Level.Valid() {
		errs = append(errs, fmt.Errorf("invalid level %q", s.Level))
	}
	if s.Language == "" {
		errs = append(errs, errors.New("language is required"))
	}
	if (s.TextID == "") == (s.DialogID == "") {
		errs = append(errs, errors.New("exactly one of text id and dialog id must be set"))
	}
	if s.DialogID != "" && s.Persona == "" {
		errs = append(errs, errors.New("persona is required for a dialog session"))
	}
	return errors.Join(errs...)
}

func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Category classifies a learner error.
type Category string

const (
	CategoryGrammar    Category = "grammar"
	CategoryVocabulary Category = "vocabulary"
	CategorySyntax     Category = "syntax"
)

// Categories lists every category in reporting order.
var Categories = []Category{CategoryGrammar, CategoryVocabulary, CategorySyntax}

func (c Category) Valid() bool { return slices.Contains(Categories, c) }

// ErrorItem is one located error in a student utterance. TurnNumber is set
// when errors are aggregated across a session.
type ErrorItem struct {
	TurnNumber  int      `json:"turn_number,omitempty"`
	Span        string   `json:"span"`
	Replacement string   `json:"replacement"`
	Explanation string   `json:"explanation"`
	Category    Category `json:"category"`
}

// CorrectionResult is the analysis of one student utterance. When HasErrors
// is false, Errors is empty and CorrectedText equals the analyzed input.
type CorrectionResult struct {
	HasErrors     bool        `json:"has_errors"`
	CorrectedText string      `json:"corrected_text"`
	Errors        []ErrorItem `json:"errors"`
}

// NoErrors is the result for an utterance without detected errors.
func NoErrors(input string) CorrectionResult {
	return CorrectionResult{CorrectedText: input, Errors: []ErrorItem{}}
}

func (c CorrectionResult) Clone() CorrectionResult {
	c.Errors = slices.Clone(c.Errors)
	if c.Errors == nil {
		c.Errors = []ErrorItem{}
	}
	return c
}

// Turn is one tutor utterance and, once the student answered, the reply.
// Numbers start at 1 and are contiguous within a session.
type Turn struct {
	SessionID       string            `json:"session_id"`
	Number          int               `json:"number"`
	Utterance       string            `json:"utterance"`
	StudentResponse *string           `json:"student_response,omitempty"`
	Correction      *CorrectionResult `json:"correction,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	RespondedAt     *time.Time        `json:"responded_at,omitempty"`
}

func (t *Turn) Answered() bool { return t.StudentResponse != nil }

func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	c := *t
	if t.StudentResponse != nil {
		r := *t.StudentResponse
		c.StudentResponse = &r
	}
	if t.Correction != nil {
		corr := t.Correction.Clone()
		c.Correction = &corr
	}
	if t.RespondedAt != nil {
		at := *t.RespondedAt
		c.RespondedAt = &at
	}
	return &c
}

// Rating is the ordinal outcome band of a session review.
type Rating string

const (
	RatingExcellent        Rating = "excellent"
	RatingGood             Rating = "good"
	RatingFair             Rating = "fair"
	RatingNeedsImprovement Rating = "needs_improvement"
)

var ratings = []Rating{RatingExcellent, RatingGood, RatingFair, RatingNeedsImprovement}

func (r Rating) Valid() bool { return slices.Contains(ratings, r) }

// Rank orders ratings from 1 (excellent) to 4 (needs improvement).
func (r Rating) Rank() int { return slices.Index(ratings, r) + 1 }

// Breakdown counts errors per category.
type Breakdown struct {
	Grammar    int `json:"grammar"`
	Vocabulary int `json:"vocabulary"`
	Syntax     int `json:"syntax"`
}

func (b Breakdown) Total() int { return b.Grammar + b.Vocabulary + b.Syntax }

// Review is the immutable end-of-session assessment.
type Review struct {
	SessionID    string    `json:"session_id"`
	Rating       Rating    `json:"rating"`
	Summary      string    `json:"summary"`
	Strengths    []string  `json:"strengths"`
	Improvements []string  `json:"improvements"`
	Breakdown    Breakdown `json:"breakdown"`
	TotalErrors  int       `json:"total_errors"`
	CreatedAt    time.Time `json:"created_at"`
}

func (r *Review) Clone() *Review {
	if r == nil {
		return nil
	}
	c := *r
	c.Strengths = slices.Clone(r.Strengths)
	c.Improvements = slices.Clone(r.Improvements)
	return &c
}
