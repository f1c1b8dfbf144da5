package debug

import "errors"

var (
	// ErrNotDebugging is returned by Step and Continue outside a session.
	ErrNotDebugging = errors.New("not debugging")

	// ErrEvaluationFailed means PRINT produced no recognisable value in time.
	ErrEvaluationFailed = errors.New("evaluation failed")

	// ErrStopped is returned by Start when Stop interrupts it.
	ErrStopped = errors.New("debug session stopped")
)
