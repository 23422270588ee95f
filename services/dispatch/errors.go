package dispatch

import "errors"

var (
	ErrEventNotFound    = errors.New("event not found")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrRunNotFound      = errors.New("effect run not found")
	ErrRunConflict      = errors.New("effect run changed concurrently")
	ErrUnknownAction    = errors.New("unknown action")
	ErrInvalidRule      = errors.New("invalid effect rule")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrHandlerTimeout   = errors.New("effect handler timed out")
	ErrHandlerPanic     = errors.New("effect handler panicked")
	ErrHandlerFailed    = errors.New("effect handler reported failure")
	ErrStaleRun         = errors.New("effect run exceeded staleness threshold")
	ErrDuplicateHandler = errors.New("effect handler already registered")
)
