package compute

import (
	"fmt"
	"strings"
)

// ErrorKind classifies engine failures for API callers.
type ErrorKind string

const (
	// KindValidation covers definition-save failures: dependency cycles,
	// unparseable formulas, method/config mismatches. A definition that
	// fails validation is never persisted.
	KindValidation ErrorKind = "ValidationError"
	// KindEvaluation covers runtime failures: unregistered function names
	// and external-collaborator timeouts or errors.
	KindEvaluation ErrorKind = "EvaluationError"
	// KindData covers malformed input inside a pure function; it always
	// resolves to null and is surfaced only for observability.
	KindData ErrorKind = "DataError"
)

// Error is the engine's error payload: {kind, message, fieldId, cyclePath?}.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	FieldID   string    `json:"fieldId,omitempty"`
	CyclePath []string  `json:"cyclePath,omitempty"`
}

func (e *Error) Error() string {
	if len(e.CyclePath) > 0 {
		return fmt.Sprintf("%s: %s (cycle: %s)", e.Kind, e.Message, strings.Join(e.CyclePath, " -> "))
	}
	if e.FieldID != "" {
		return fmt.Sprintf("%s: field %s: %s", e.Kind, e.FieldID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func validationErr(fieldID, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, FieldID: fieldID, Message: fmt.Sprintf(format, args...)}
}

func evaluationErr(fieldID, format string, args ...any) *Error {
	return &Error{Kind: KindEvaluation, FieldID: fieldID, Message: fmt.Sprintf(format, args...)}
}

func cycleErr(fieldID string, path []string) *Error {
	return &Error{
		Kind:      KindValidation,
		FieldID:   fieldID,
		Message:   "CycleDetected: dependency cycle",
		CyclePath: path,
	}
}
