package judge

import "fmt"

// State is a step of the submission pipeline. Transitions are strictly
// forward; Aborted is reachable from any state on an operational fault.
type State string

const (
	StateCreated  State = "CREATED"
	StateStaged   State = "STAGED"
	StateCompiled State = "COMPILED"
	StateSkipped  State = "SKIPPED"
	StateRun      State = "RUN"
	StateCompared State = "COMPARED"
	StateDone     State = "DONE"
	StateAborted  State = "ABORTED"
)

// FaultError is an operational fault: something went wrong with the judge
// itself rather than with the submitted program.
type FaultError struct {
	State State
	Err   error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("internal fault in state %s: %v", e.State, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}
