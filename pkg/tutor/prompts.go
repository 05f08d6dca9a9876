package tutor

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/lectio-dev/lectio/internal/llm/provider"
	"github.com/lectio-dev/lectio/pkg/reference"
	"github.com/lectio-dev/lectio/pkg/session"
)

var levelDescriptions = map[session.Level]string{
	session.LevelA1: "beginner",
	session.LevelA2: "elementary",
	session.LevelB1: "intermediate",
	session.LevelB2: "upper intermediate",
	session.LevelC1: "advanced",
	session.LevelC2: "near-native",
}

// languageName returns the English name of a language code, or the code.
func languageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return code
}

func levelLine(level session.Level) string {
	return fmt.Sprintf("CEFR level %s (%s)", level, levelDescriptions[level])
}

const closingInstruction = "This is the final turn of the conversation. Reply briefly to what the learner said, " +
	"then close the conversation warmly. Do not ask a new question."

func conversationSystem(s *session.Session, text *reference.Text) string {
	lang := languageName(s.Language)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are a friendly %s tutor talking with a learner at %s.\n", lang, levelLine(s.Level))
	fmt.Fprintf(&sb, "Speak only %s. Keep every reply to one to three short sentences suited to the level, ", lang)
	sb.WriteString("and end with a question about the reading that keeps the learner talking.\n")
	sb.WriteString("Do not correct the learner explicitly; use the correct forms naturally in your own reply.\n\n")
	sb.WriteString("The conversation is about this reading:\n---\n")
	sb.WriteString(strings.TrimSpace(text.Content))
	sb.WriteString("\n---\n")
	if len(text.VocabularyHints) > 0 {
		fmt.Fprintf(&sb, "Work these words into the conversation where natural: %s.\n", strings.Join(text.VocabularyHints, ", "))
	}
	return sb.String()
}

func roleplaySystem(s *session.Session, dialog *reference.Dialog) string {
	lang := languageName(s.Language)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are playing %s in a roleplay with a %s learner at %s, who plays %s.\n",
		s.OppositePersona, lang, levelLine(s.Level), s.Persona)
	fmt.Fprintf(&sb, "Stay in character as %s and speak only %s. ", s.OppositePersona, lang)
	sb.WriteString("Keep each line short and natural for the level, follow the situation of the script, ")
	sb.WriteString("and react to what the learner actually says even when it departs from the script.\n\n")
	sb.WriteString("Reference script:\n")
	for _, line := range dialog.Lines {
		fmt.Fprintf(&sb, "%s: %s\n", line.Speaker, strings.TrimSpace(line.Text))
	}
	return sb.String()
}

func openingMessage(s *session.Session) provider.Message {
	if s.Mode() == session.ModeRoleplay {
		return provider.Message{Role: provider.RoleUser,
			Content: fmt.Sprintf("(Start the scene with %s's first line.)", s.OppositePersona)}
	}
	return provider.Message{Role: provider.RoleUser,
		Content: "(Greet the learner and open the conversation about the reading.)"}
}

// exchangeMessages replays the turn log as alternating tutor and learner
// messages, followed by the learner's latest reply.
func exchangeMessages(s *session.Session, turns []*session.Turn, reply string) []provider.Message {
	msgs := make([]provider.Message, 0, 2*len(turns)+2)
	msgs = append(msgs, openingMessage(s))
	for _, t := range turns {
		msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: t.Utterance})
		if t.StudentResponse != nil {
			msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: *t.StudentResponse})
		}
	}
	return append(msgs, provider.Message{Role: provider.RoleUser, Content: reply})
}

// transcript renders the turn log for prompts that read the whole session.
func transcript(s *session.Session, turns []*session.Turn) string {
	tutor, student := "Tutor", "Student"
	if s.Mode() == session.ModeRoleplay {
		tutor, student = s.OppositePersona, s.Persona+" (student)"
	}
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", tutor, t.Utterance)
		if t.StudentResponse != nil {
			fmt.Fprintf(&sb, "%s: %s\n", student, *t.StudentResponse)
		}
	}
	return sb.String()
}

func analysisSystem(level session.Level, lang string) string {
	name := languageName(lang)
	return fmt.Sprintf(`You are a strict %[1]s teacher marking one sentence written by a learner at %[2]s.
Report every grammar, vocabulary or syntax error a teacher would mark at that level. Ignore punctuation and capitalisation.
For each error give the exact span copied from the sentence, its replacement, a one-sentence explanation in English and its category.
corrected_text is the whole sentence with every error fixed.
If the sentence is correct, set has_errors to false, errors to an empty list and corrected_text to the sentence exactly as written.`,
		name, levelLine(level))
}

func reviewSystem(s *session.Session, feedbackLang string, b session.Breakdown, rating session.Rating) string {
	return fmt.Sprintf(`You write the end-of-session feedback for a %[1]s learner at %[2]s who just finished a tutoring conversation.
Write all feedback in %[3]s. Be encouraging and specific to what the learner wrote.
The error counts are final: grammar %[4]d, vocabulary %[5]d, syntax %[6]d, total %[7]d. The rating is %[8]s.
Give a summary of two or three sentences, two or three strengths and one or two concrete improvements.
Echo the counts unchanged in breakdown.`,
		languageName(s.Language), levelLine(s.Level), languageName(feedbackLang),
		b.Grammar, b.Vocabulary, b.Syntax, b.Total(), rating)
}

func reviewRequest(s *session.Session, turns []*session.Turn, errs []session.ErrorItem) string {
	var sb strings.Builder
	sb.WriteString("Transcript:\n")
	sb.WriteString(transcript(s, turns))
	if len(errs) == 0 {
		sb.WriteString("\nNo errors were found.\n")
		return sb.String()
	}
	sb.WriteString("\nErrors found:\n")
	for _, e := range errs {
		fmt.Fprintf(&sb, "- turn %d, %s: %q -> %q (%s)\n", e.TurnNumber, e.Category, e.Span, e.Replacement, e.Explanation)
	}
	return sb.String()
}
