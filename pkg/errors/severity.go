// Package errors provides the structured error taxonomy of the estimation engine.
package errors

import (
	"fmt"
	"strings"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Kind names one of the four error families.
type Kind string

const (
	KindDefinition Kind = "definition"
	KindValidation Kind = "validation"
	KindEvaluation Kind = "evaluation"
	KindNotFound   Kind = "not_found"
)

// Error codes
const (
	ErrCodeInvalidDefinition  = "INVALID_DEFINITION"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeEvaluationFailed   = "EVALUATION_FAILED"
	ErrCodeCalculatorNotFound = "CALCULATOR_NOT_FOUND"
)

// Problem is one field-level finding. Field names the offending input field,
// definition attribute or step.
type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (p Problem) String() string {
	if p.Field == "" {
		return p.Message
	}
	return p.Field + ": " + p.Message
}

// DefinitionError reports a malformed calculator definition. The definition is
// rejected as a whole.
type DefinitionError struct {
	CalculatorID string    `json:"calculator_id"`
	Problems     []Problem `json:"problems"`
}

func (e *DefinitionError) Error() string {
	id := e.CalculatorID
	if id == "" {
		id = "<unnamed>"
	}
	return fmt.Sprintf("[%s] %s: calculator %s: %s", SeverityError, ErrCodeInvalidDefinition, id, joinProblems(e.Problems))
}

func (e *DefinitionError) Kind() Kind         { return KindDefinition }
func (e *DefinitionError) Code() string       { return ErrCodeInvalidDefinition }
func (e *DefinitionError) Severity() Severity { return SeverityError }

// Messages returns one message per problem.
func (e *DefinitionError) Messages() []string {
	return messages(e.Problems)
}

// ValidationError is the aggregated list of input problems for one evaluation.
// It is recoverable: the caller shows the messages and retries.
type ValidationError struct {
	CalculatorID string    `json:"calculator_id"`
	Fields       []Problem `json:"fields"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: calculator %s: %d invalid field(s): %s",
		SeverityWarning, ErrCodeInvalidInput, e.CalculatorID, len(e.Fields), joinProblems(e.Fields))
}

func (e *ValidationError) Kind() Kind         { return KindValidation }
func (e *ValidationError) Code() string       { return ErrCodeInvalidInput }
func (e *ValidationError) Severity() Severity { return SeverityWarning }

// Messages returns one message per invalid field.
func (e *ValidationError) Messages() []string {
	return messages(e.Fields)
}

// EvaluationError reports a calculation step that could not produce a finite value.
// It is fatal for the evaluation call only.
type EvaluationError struct {
	CalculatorID string `json:"calculator_id"`
	StepID       string `json:"step_id"`
	Message      string `json:"message"`
	Err          error  `json:"-"`
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("[%s] %s: calculator %s: step %s: %s",
		SeverityFatal, ErrCodeEvaluationFailed, e.CalculatorID, e.StepID, e.Message)
}

func (e *EvaluationError) Unwrap() error      { return e.Err }
func (e *EvaluationError) Kind() Kind         { return KindEvaluation }
func (e *EvaluationError) Code() string       { return ErrCodeEvaluationFailed }
func (e *EvaluationError) Severity() Severity { return SeverityFatal }

// NotFoundError reports an unknown calculator id.
type NotFoundError struct {
	CalculatorID string `json:"calculator_id"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("[%s] %s: no calculator registered with id %q", SeverityError, ErrCodeCalculatorNotFound, e.CalculatorID)
}

func (e *NotFoundError) Kind() Kind         { return KindNotFound }
func (e *NotFoundError) Code() string       { return ErrCodeCalculatorNotFound }
func (e *NotFoundError) Severity() Severity { return SeverityError }

// NewEvaluationError wraps cause as the failure of one step.
func NewEvaluationError(calculatorID, stepID string, cause error) *EvaluationError {
	return &EvaluationError{
		CalculatorID: calculatorID,
		StepID:       stepID,
		Message:      cause.Error(),
		Err:          cause,
	}
}

// NewNotFoundError creates an error for an unregistered calculator.
func NewNotFoundError(calculatorID string) *NotFoundError {
	return &NotFoundError{CalculatorID: calculatorID}
}

func messages(ps []Problem) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

func joinProblems(ps []Problem) string {
	return strings.Join(messages(ps), "; ")
}
