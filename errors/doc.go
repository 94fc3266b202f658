// Package errors provides standardized error handling for homecore components.
//
// # Overview
//
// Every kernel component (event bus, state store, command registry, rule
// engine, NATS bridge) reports failures through the same small vocabulary:
// a sentinel that identifies the condition, a classification that tells the
// caller how to react, and a wrapping format that records where it happened.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: temporary failures such as a lost NATS connection or a
//     cancelled context. The operation may succeed if retried.
//   - Invalid: the caller supplied bad input. A malformed entity id, a
//     command payload rejected by its schema, an unknown command.
//   - Fatal: configuration or resource failures that should stop the process.
//
// Use IsTransient, IsInvalid, IsFatal or Classify to inspect an error.
//
// # Wrapping Format
//
// Errors are wrapped with the pattern
//
//	"component.method: action failed: %w"
//
// via Wrap, WrapTransient, WrapInvalid and WrapFatal:
//
//	if err := ids.Validate(id); err != nil {
//	    return errors.WrapInvalid(err, "StateStore", "Set", "validate entity id")
//	}
//
// Detail attaches a free-form explanation to a sentinel while keeping it
// matchable:
//
//	return errors.Detail(errors.ErrSchemaValidation, "brightness: must be <= 255")
//
// # Sentinels
//
// The kernel sentinels are grouped by component:
//
//   - Entities: ErrInvalidEntityID, ErrStateValueTooLong
//   - Commands: ErrCommandNotFound, ErrCommandExists, ErrSchemaValidation,
//     ErrResponseRequired, ErrResponseNotSupported
//   - Rules: ErrConditionEvaluation, ErrTriggerHandlerFault, ErrRuleRunOverflow,
//     ErrLoopDetected, ErrRuleNotFound, ErrRuleExists, ErrRunStopped
//   - Lifecycle: ErrAlreadyStarted, ErrNotStarted, ErrShuttingDown
//
// All of them work with errors.Is through any number of wrapping layers.
//
// # Thread Safety
//
// Sentinels are immutable and ClassifiedError values are safe to share
// across goroutines after creation.
package errors
