// Package reference provides the read-only texts and scripted dialogs that
// tutor sessions are built on.
package reference

import (
	"context"
	"errors"
	"slices"
)

// ErrNotFound is returned for unknown text or dialog ids.
var ErrNotFound = errors.New("reference: not found")

// Text is a reading passage used for free conversation sessions.
type Text struct {
	ID              string   `yaml:"id" json:"id"`
	Title           string   `yaml:"title" json:"title,omitempty"`
	Language        string   `yaml:"language" json:"language,omitempty"`
	Content         string   `yaml:"content" json:"content"`
	VocabularyHints []string `yaml:"vocabulary_hints" json:"vocabulary_hints,omitempty"`
}

// Line is one scripted line of a dialog.
type Line struct {
	Speaker string `yaml:"speaker" json:"speaker"`
	Text    string `yaml:"text" json:"text"`
}

// Dialog is a scripted conversation used for roleplay sessions.
type Dialog struct {
	ID       string   `yaml:"id" json:"id"`
	Title    string   `yaml:"title" json:"title,omitempty"`
	Language string   `yaml:"language" json:"language,omitempty"`
	Speakers []string `yaml:"speakers" json:"speakers"`
	Lines    []Line   `yaml:"lines" json:"lines"`
}

// Lookup resolves reference content by id.
type Lookup interface {
	GetText(ctx context.Context, id string) (*Text, error)
	GetDialog(ctx context.Context, id string) (*Dialog, error)
}

// DistinctSpeakers returns the dialog's speakers in order of first
// appearance, from Speakers followed by any line speaker not listed there.
func (d *Dialog) DistinctSpeakers() []string {
	var out []string
	add := func(s string) {
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	for _, s := range d.Speakers {
		add(s)
	}
	for _, l := range d.Lines {
		add(l.Speaker)
	}
	return out
}

func (t *Text) clone() *Text {
	c := *t
	c.VocabularyHints = slices.Clone(t.VocabularyHints)
	return &c
}

func (d *Dialog) clone() *Dialog {
	c := *d
	c.Speakers = slices.Clone(d.Speakers)
	c.Lines = slices.Clone(d.Lines)
	return &c
}
