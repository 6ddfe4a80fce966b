package engine

import "fmt"

// ActionFailure wraps a panic or error raised by a stage action. The tick
// that produced it catches this, CASes the instance to Error, and
// appends a history Error entry; it never propagates to the scheduler.
type ActionFailure struct {
	Stage string
	Err   error
}

func (e *ActionFailure) Error() string {
	return fmt.Sprintf("flowlite: action failed at stage %q: %v", e.Stage, e.Err)
}

func (e *ActionFailure) Unwrap() error { return e.Err }

// UnknownStage is raised when an instance record references a stage id
// absent from the currently registered flow definition. Treated
// identically to ActionFailure: the instance moves to Error.
type UnknownStage struct {
	Stage string
}

func (e *UnknownStage) Error() string {
	return fmt.Sprintf("flowlite: instance references undefined stage %q", e.Stage)
}
