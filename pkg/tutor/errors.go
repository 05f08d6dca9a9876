package tutor

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels matched by the typed errors below. Callers classify with errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrModelInvocation   = errors.New("model invocation failed")
	ErrLanguageMismatch  = errors.New("generated text is not in the target language")
	ErrPersonaResolution = errors.New("persona resolution failed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionCompleted  = errors.New("session already completed")
	ErrTurnConflict      = errors.New("concurrent turn update")
	ErrReferenceNotFound = errors.New("reference content not found")
)

// InputValidationError is a malformed request. It is never retried.
type InputValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *InputValidationError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input: %s: %s", e.Field, e.Reason)
}

func (e *InputValidationError) Is(target error) bool { return target == ErrInvalidInput }
func (e *InputValidationError) Unwrap() error        { return e.Err }

func invalid(field, format string, args ...any) error {
	return &InputValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ModelInvocationError wraps the last failure of a model call once retries
// are exhausted.
type ModelInvocationError struct {
	Op  string
	Err error
}

func (e *ModelInvocationError) Error() string {
	return fmt.Sprintf("model invocation failed during %s: %v", e.Op, e.Err)
}

func (e *ModelInvocationError) Is(target error) bool { return target == ErrModelInvocation }
func (e *ModelInvocationError) Unwrap() error        { return e.Err }

// LanguageMismatchError is a generated utterance dominated by another
// supported language.
type LanguageMismatchError struct {
	Op       string
	Expected string
	Detected string
	Err      error
}

func (e *LanguageMismatchError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Op, e.Expected, e.Detected)
}

func (e *LanguageMismatchError) Is(target error) bool { return target == ErrLanguageMismatch }
func (e *LanguageMismatchError) Unwrap() error        { return e.Err }

// PersonaResolutionError is a roleplay setup that cannot assign the model a
// counterpart speaker.
type PersonaResolutionError struct {
	DialogID string
	Persona  string
	Speakers []string
}

func (e *PersonaResolutionError) Error() string {
	if len(e.Speakers) < 2 {
		return fmt.Sprintf("persona resolution: dialog %q needs two distinct speakers, has [%s]",
			e.DialogID, strings.Join(e.Speakers, ", "))
	}
	return fmt.Sprintf("persona resolution: %q is not a speaker of dialog %q (speakers: %s)",
		e.Persona, e.DialogID, strings.Join(e.Speakers, ", "))
}

func (e *PersonaResolutionError) Is(target error) bool { return target == ErrPersonaResolution }

// IsClientError reports whether err is the caller's fault: bad input, an
// unknown session or reference, a finished session, or a roleplay persona
// that cannot be resolved.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPersonaResolution) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrReferenceNotFound) ||
		errors.Is(err, ErrSessionCompleted) ||
		errors.Is(err, ErrTurnConflict)
}

// IsRetryable reports whether repeating the same call may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrModelInvocation) ||
		errors.Is(err, ErrLanguageMismatch) ||
		errors.Is(err, ErrTurnConflict)
}
