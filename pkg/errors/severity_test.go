package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessages(t *testing.T) {
	err := &ValidationError{
		CalculatorID: "concrete-slab",
		Fields: []Problem{
			{Field: "length_ft", Message: "is required"},
			{Field: "width_ft", Message: "must be at least 1"},
		},
	}

	assert.Equal(t, []string{"length_ft: is required", "width_ft: must be at least 1"}, err.Messages())
	assert.Contains(t, err.Error(), "2 invalid field(s)")
	assert.Equal(t, KindValidation, err.Kind())
	assert.Equal(t, SeverityWarning, err.Severity())
}

func TestEvaluationErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("unknown variable %q", "area")
	err := NewEvaluationError("paint", "walls", cause)

	wrapped := fmt.Errorf("estimate failed: %w", err)

	var evalErr *EvaluationError
	require.True(t, stderrors.As(wrapped, &evalErr))
	assert.Equal(t, "walls", evalErr.StepID)
	assert.True(t, stderrors.Is(wrapped, cause))
	assert.Contains(t, err.Error(), "step walls")
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("roofing")
	assert.Equal(t, ErrCodeCalculatorNotFound, err.Code())
	assert.Contains(t, err.Error(), `"roofing"`)
}

func TestSeverityString(t *testing.T) {
	assert.Equal(t, "fatal", SeverityFatal.String())
	assert.Equal(t, "unknown", Severity(42).String())
}
