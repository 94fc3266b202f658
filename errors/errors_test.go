package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			assert.Equal(t, test.expected, test.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"context canceled", context.Canceled, true},
		{"invalid entity id", ErrInvalidEntityID, false},
		{"timeout in message", fmt.Errorf("operation timeout occurred"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsTransient(test.err), "error: %v", test.err)
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"invalid entity id", ErrInvalidEntityID, true},
		{"schema validation", ErrSchemaValidation, true},
		{"command not found", ErrCommandNotFound, true},
		{"response required", ErrResponseRequired, true},
		{"wrapped schema validation", fmt.Errorf("call: %w", ErrSchemaValidation), true},
		{"connection timeout", ErrConnectionTimeout, false},
		{"classified invalid", &ClassifiedError{Class: ErrorInvalid, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, IsInvalid(test.err))
		})
	}
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrResourceExhausted))
	assert.False(t, IsFatal(ErrRuleRunOverflow))
	assert.True(t, IsFatal(&ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"nil error", nil, ErrorTransient},
		{"connection timeout", ErrConnectionTimeout, ErrorTransient},
		{"invalid config", ErrInvalidConfig, ErrorFatal},
		{"command not found", ErrCommandNotFound, ErrorInvalid},
		{"unknown error", fmt.Errorf("unknown error"), ErrorTransient},
		{"classified error", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, ErrorFatal},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expected, Classify(test.err))
		})
	}
}

func TestClassifiedError(t *testing.T) {
	baseErr := fmt.Errorf("base error")
	ce := newClassified(ErrorTransient, baseErr, "testComponent", "testOperation", "custom message")

	assert.Equal(t, ErrorTransient, ce.Class)
	assert.Equal(t, "testComponent", ce.Component)
	assert.Equal(t, "testOperation", ce.Operation)
	assert.Equal(t, "custom message", ce.Error())
	assert.True(t, errors.Is(ce, baseErr))

	bare := newClassified(ErrorTransient, baseErr, "c", "o", "")
	assert.Equal(t, "base error", bare.Error())
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(nil, "StateStore", "Set", "validate"))

	err := Wrap(ErrInvalidEntityID, "StateStore", "Set", "validate entity id")
	require.Error(t, err)
	assert.Equal(t, "StateStore.Set: validate entity id failed: invalid entity id", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidEntityID))
}

func TestWrapClassified(t *testing.T) {
	err := WrapInvalid(ErrCommandExists, "CommandRegistry", "Register", "duplicate check")
	assert.True(t, IsInvalid(err))
	assert.True(t, errors.Is(err, ErrCommandExists))

	var ce *ClassifiedError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "CommandRegistry", ce.Component)
	assert.Equal(t, "Register", ce.Operation)

	assert.True(t, IsFatal(WrapFatal(fmt.Errorf("x"), "a", "b", "c")))
	assert.True(t, IsTransient(WrapTransient(fmt.Errorf("x"), "a", "b", "c")))
	assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
}

func TestDetail(t *testing.T) {
	err := Detail(ErrInvalidEntityID, "domain %q contains invalid characters", "Light")
	assert.True(t, errors.Is(err, ErrInvalidEntityID))
	assert.Contains(t, err.Error(), `domain "Light"`)
}
