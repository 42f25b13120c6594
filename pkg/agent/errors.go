package agent

import "fmt"

// DiscoveryError reports a failed tool catalog fetch. It aborts Process
// immediately: without the catalog there is nothing useful to ask the model.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("tool discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// InvocationError reports a single failed tool call. It is folded into the
// conversation as an error tool-result turn rather than aborting the loop.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// ModelError reports a failed model turn after profile failover was
// exhausted. Process returns it together with whatever text had accumulated.
type ModelError struct {
	Provider string
	Err      error
}

func (e *ModelError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("model call failed: %v", e.Err)
	}
	return fmt.Sprintf("model call failed (%s): %v", e.Provider, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// LoopBoundError is the termination safety valve: the model kept requesting
// tools past the configured round bound. The accumulated text is still
// returned alongside it.
type LoopBoundError struct {
	Rounds int
}

func (e *LoopBoundError) Error() string {
	return fmt.Sprintf("tool loop exceeded %d rounds", e.Rounds)
}
