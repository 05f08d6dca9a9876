package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/lectio-dev/lectio"
	"github.com/lectio-dev/lectio/pkg/session"
	"github.com/lectio-dev/lectio/pkg/tutor"
)

// tutorEngine is the part of *tutor.Engine the chat loop drives.
type tutorEngine interface {
	StartSession(ctx context.Context, p tutor.StartParams) (*tutor.StartResult, error)
	ContinueSession(ctx context.Context, sessionID, reply string) (*tutor.ContinueResult, error)
	EndSession(ctx context.Context, sessionID string) ([]session.ErrorItem, error)
	GenerateReview(ctx context.Context, sessionID string, level session.Level, errs []session.ErrorItem) (*session.Review, error)
}

// lineReader returns io.EOF when the student is done.
type lineReader func(prompt string) (string, error)

func newChatCommand(ctx *commandContext) *cobra.Command {
	var params tutor.StartParams
	var level string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Hold a tutoring session in the terminal",
		Long: "Starts a session and reads your replies line by line. Type /end or press Ctrl-D\n" +
			"to finish early; the session is then analyzed and reviewed.",
		Args: requireNoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			rt, err := lectio.Build(cmd.Context(), cfg, lectio.WithLogger(logger))
			if err != nil {
				return err
			}
			defer rt.Close(context.Background())

			params.Level = session.Level(strings.ToUpper(level))
			if params.Language == "" {
				params.Language = "es"
			}

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)
			read := func(prompt string) (string, error) {
				s, err := line.Prompt(prompt)
				if errors.Is(err, liner.ErrPromptAborted) {
					return "", io.EOF
				}
				if err == nil && strings.TrimSpace(s) != "" {
					line.AppendHistory(s)
				}
				return s, err
			}
			return runChat(cmd.Context(), rt.Engine, params, read, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&params.UserID, "user", "cli", "Learner id")
	flags.StringVar(&level, "level", "A2", "Proficiency level (A1 to C2)")
	flags.StringVar(&params.Language, "language", "es", "Target language code")
	flags.StringVar(&params.TextID, "text", "", "Reference text id for a free conversation")
	flags.StringVar(&params.DialogID, "dialog", "", "Dialog id for a roleplay")
	flags.StringVar(&params.Persona, "persona", "", "Speaker you play in the dialog")
	return cmd
}

func runChat(ctx context.Context, eng tutorEngine, params tutor.StartParams, read lineReader, out io.Writer) error {
	start, err := eng.StartSession(ctx, params)
	if err != nil {
		return err
	}
	tutorName := "tutor"
	if start.OppositePersona != "" {
		tutorName = start.OppositePersona
	}
	fmt.Fprintf(out, "%s: %s\n", tutorName, start.Utterance)

	for {
		reply, err := read("you> ")
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(out)
			break
		}
		if err != nil {
			return err
		}
		reply = strings.TrimSpace(reply)
		if reply == "" {
			continue
		}
		if reply == "/end" || reply == "/quit" {
			break
		}

		res, err := eng.ContinueSession(ctx, start.SessionID, reply)
		if err != nil {
			if errors.Is(err, tutor.ErrLanguageMismatch) || errors.Is(err, tutor.ErrModelInvocation) {
				fmt.Fprintf(out, "! %v (your reply was not recorded, try again)\n", err)
				continue
			}
			return err
		}
		if res.Correction != nil && res.Correction.HasErrors {
			fmt.Fprintf(out, "  correction: %s\n", res.Correction.CorrectedText)
		}
		fmt.Fprintf(out, "%s: %s\n", tutorName, res.Utterance)
		if res.ShouldEnd {
			break
		}
	}

	errs, err := eng.EndSession(ctx, start.SessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	review, err := eng.GenerateReview(ctx, start.SessionID, params.Level, errs)
	if err != nil {
		return fmt.Errorf("review: %w", err)
	}
	printReview(out, review, errs)
	return nil
}

func printReview(out io.Writer, r *session.Review, errs []session.ErrorItem) {
	fmt.Fprintf(out, "\n== Review: %s ==\n%s\n", r.Rating, r.Summary)
	if len(r.Strengths) > 0 {
		fmt.Fprintln(out, "\nStrengths:")
		for _, s := range r.Strengths {
			fmt.Fprintf(out, "  + %s\n", s)
		}
	}
	if len(r.Improvements) > 0 {
		fmt.Fprintln(out, "\nTo improve:")
		for _, s := range r.Improvements {
			fmt.Fprintf(out, "  - %s\n", s)
		}
	}
	if len(errs) > 0 {
		fmt.Fprintf(out, "\nErrors (%d grammar, %d vocabulary, %d syntax):\n",
			r.Breakdown.Grammar, r.Breakdown.Vocabulary, r.Breakdown.Syntax)
		for _, e := range errs {
			fmt.Fprintf(out, "  turn %d, %s: %q -> %q. %s\n", e.TurnNumber, e.Category, e.Span, e.Replacement, e.Explanation)
		}
	}
}
