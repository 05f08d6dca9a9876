// Package langguard checks that generated text is written in the expected
// language, using the share of known function words per language.
package langguard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// ErrMismatch is matched by every *MismatchError.
var ErrMismatch = errors.New("language mismatch")

// Detector classifies text. Guard is the built-in implementation.
type Detector interface {
	Detect(text, target string) Detection
}

// Score is the per-language evidence for one text.
type Score struct {
	Language string  `json:"language"`
	Hits     int     `json:"hits"`
	Ratio    float64 `json:"ratio"`
	Share    float64 `json:"share"`
}

// Detection is the outcome of classifying a text against a target language.
// Dominant is empty when no language has enough evidence.
type Detection struct {
	Dominant string  `json:"dominant"`
	Target   string  `json:"target"`
	Mixed    bool    `json:"mixed"`
	Tokens   int     `json:"tokens"`
	Scores   []Score `json:"scores,omitempty"`
}

// MismatchError reports text whose dominant language is a supported language
// other than the expected one.
type MismatchError struct {
	Expected  string
	Detected  string
	Detection Detection
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("language mismatch: expected %s, detected %s", e.Expected, e.Detected)
}

func (e *MismatchError) Is(target error) bool { return target == ErrMismatch }

// Thresholds tune detection.
type Thresholds struct {
	// MinRatio is the minimum fraction of tokens that must be function words
	// of a language before it can be dominant.
	MinRatio float64
	// MinShare is the minimum share of function-word evidence for dominance.
	MinShare float64
	// MixedShare marks the text mixed when the runner-up reaches it.
	MixedShare float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{MinRatio: 0.1, MinShare: 0.35, MixedShare: 0.3}
}

// Guard is a stateless function-word detector. Its zero value is not usable;
// construct with New.
type Guard struct {
	thresholds Thresholds
	languages  []string
	// weights maps a folded word to the languages it belongs to.
	weights map[string][]string
}

type Option func(*guardConfig)

type guardConfig struct {
	thresholds Thresholds
	profiles   map[string][]string
}

func WithThresholds(t Thresholds) Option {
	return func(c *guardConfig) { c.thresholds = t }
}

// WithProfile adds or replaces the function-word list for a language.
func WithProfile(lang string, words []string) Option {
	return func(c *guardConfig) { c.profiles[Normalize(lang)] = words }
}

func New(opts ...Option) *Guard {
	cfg := &guardConfig{
		thresholds: DefaultThresholds(),
		profiles:   make(map[string][]string, len(builtinProfiles)),
	}
	for lang, words := range builtinProfiles {
		cfg.profiles[lang] = words
	}
	for _, opt := range opts {
		opt(cfg)
	}

	g := &Guard{
		thresholds: cfg.thresholds,
		weights:    make(map[string][]string),
	}
	for lang := range cfg.profiles {
		g.languages = append(g.languages, lang)
	}
	sort.Strings(g.languages)

	for _, lang := range g.languages {
		seen := make(map[string]bool)
		for _, w := range cfg.profiles[lang] {
			w = fold(w)
			if w == "" || seen[w] {
				continue
			}
			seen[w] = true
			g.weights[w] = append(g.weights[w], lang)
		}
	}
	return g
}

// Supported reports whether the guard has a profile for lang.
func (g *Guard) Supported(lang string) bool {
	lang = Normalize(lang)
	i := sort.SearchStrings(g.languages, lang)
	return i < len(g.languages) && g.languages[i] == lang
}

// Languages returns the supported base language codes.
func (g *Guard) Languages() []string {
	return append([]string(nil), g.languages...)
}

// Detect classifies text. The result depends only on text and target.
func (g *Guard) Detect(text, target string) Detection {
	tokens := Tokenize(text)
	d := Detection{Target: Normalize(target), Tokens: len(tokens)}
	if len(tokens) == 0 {
		return d
	}

	hits := make(map[string]int, len(g.languages))
	evidence := make(map[string]float64, len(g.languages))
	var total float64
	for _, tok := range tokens {
		langs, ok := g.weights[tok]
		if !ok {
			continue
		}
		w := 1 / float64(len(langs))
		for _, lang := range langs {
			hits[lang]++
			evidence[lang] += w
		}
		total++
	}
	if total == 0 {
		return d
	}

	for _, lang := range g.languages {
		if hits[lang] == 0 {
			continue
		}
		d.Scores = append(d.Scores, Score{
			Language: lang,
			Hits:     hits[lang],
			Ratio:    float64(hits[lang]) / float64(len(tokens)),
			Share:    evidence[lang] / total,
		})
	}
	sort.SliceStable(d.Scores, func(i, j int) bool {
		return d.Scores[i].Share > d.Scores[j].Share
	})

	best := d.Scores[0]
	if best.Ratio >= g.thresholds.MinRatio && best.Share >= g.thresholds.MinShare {
		d.Dominant = best.Language
	}
	if len(d.Scores) > 1 {
		second := d.Scores[1]
		d.Mixed = second.Share >= g.thresholds.MixedShare && second.Ratio >= g.thresholds.MinRatio
	}
	return d
}

// Enforce fails only when text is clearly dominated by a supported language
// other than expected. Mixed or undetermined text passes, as does any text when
// expected has no profile.
func (g *Guard) Enforce(text, expected string) error {
	d := g.Detect(text, expected)
	if !g.Supported(d.Target) || d.Mixed || d.Dominant == "" || d.Dominant == d.Target {
		return nil
	}
	return &MismatchError{Expected: d.Target, Detected: d.Dominant, Detection: d}
}

// Normalize reduces a BCP 47 tag such as "es-MX" to its base language code.
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	if code == "" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return strings.ToLower(code)
	}
	base, _ := tag.Base()
	return base.String()
}

// Tokenize splits text into folded, NFC-normalised letter runs.
func Tokenize(text string) []string {
	return strings.FieldsFunc(fold(text), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
}

func fold(s string) string {
	// Casers are stateful, so one is built per call.
	return norm.NFC.String(cases.Fold().String(norm.NFC.String(s)))
}
