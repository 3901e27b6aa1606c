package execution

import (
	"fmt"
	"time"
)

// Event is a single transition of an attempt's state.
type Event interface {
	event()
}

type AttemptStarted struct {
	AttemptID string
	RouteID   string
	Strategy  string
	Owner     string
	Steps     []ExecutionStep
	At        time.Time
}

type StepActivated struct {
	Index int
}

// StepHashed attaches a transaction hash to a step. The attempt's TxHash keeps
// the first hash seen unless Latest is set.
type StepHashed struct {
	Index  int
	TxHash string
	Latest bool
}

type StepCompleted struct {
	Index   int
	Message string
}

type StepFailed struct {
	Index   int
	Message string
}

type AttemptSucceeded struct{}

type AttemptFailed struct {
	Err ExecError
}

func (AttemptStarted) event()   {}
func (StepActivated) event()    {}
func (StepHashed) event()       {}
func (StepCompleted) event()    {}
func (StepFailed) event()       {}
func (AttemptSucceeded) event() {}
func (AttemptFailed) event()    {}

// Apply returns the state that follows s after ev, or an error when the
// transition is not allowed. s is never modified.
func Apply(s State, ev Event) (State, error) {
	if start, ok := ev.(AttemptStarted); ok {
		if s.Status == SwapStatusExecuting {
			return s, fmt.Errorf("attempt %s is still executing", s.AttemptID)
		}
		steps := make([]ExecutionStep, len(start.Steps))
		for i, step := range start.Steps {
			step.Status = StepStatusPending
			step.TxHash = ""
			step.Message = ""
			steps[i] = step
		}
		return State{
			Version:   s.Version + 1,
			AttemptID: start.AttemptID,
			RouteID:   start.RouteID,
			Strategy:  start.Strategy,
			Owner:     start.Owner,
			Status:    SwapStatusExecuting,
			Steps:     steps,
			StartedAt: timestamp(start.At),
			UpdatedAt: timestamp(start.At),
		}, nil
	}

	if s.Status != SwapStatusExecuting {
		return s, fmt.Errorf("attempt is %s, not executing", s.Status)
	}
	next := s.clone()
	switch e := ev.(type) {
	case StepActivated:
		if err := checkIndex(next, e.Index); err != nil {
			return s, err
		}
		if next.Steps[e.Index].Status != StepStatusPending {
			return s, fmt.Errorf("step %d is %s, cannot activate", e.Index, next.Steps[e.Index].Status)
		}
		for i := 0; i < e.Index; i++ {
			if next.Steps[i].Status != StepStatusCompleted {
				return s, fmt.Errorf("step %d cannot start before step %d completes (%s)", e.Index, i, next.Steps[i].Status)
			}
		}
		next.Steps[e.Index].Status = StepStatusActive
	case StepHashed:
		if err := checkIndex(next, e.Index); err != nil {
			return s, err
		}
		step := &next.Steps[e.Index]
		if step.Status == StepStatusPending {
			return s, fmt.Errorf("step %d has not started", e.Index)
		}
		if e.TxHash == "" {
			return s, nil
		}
		if step.TxHash == "" || e.Latest {
			step.TxHash = e.TxHash
		}
		if next.TxHash == "" || e.Latest {
			next.TxHash = e.TxHash
		}
	case StepCompleted:
		if err := checkIndex(next, e.Index); err != nil {
			return s, err
		}
		if next.Steps[e.Index].Status != StepStatusActive {
			return s, fmt.Errorf("step %d is %s, cannot complete", e.Index, next.Steps[e.Index].Status)
		}
		next.Steps[e.Index].Status = StepStatusCompleted
		if e.Message != "" {
			next.Steps[e.Index].Message = e.Message
		}
	case StepFailed:
		if err := checkIndex(next, e.Index); err != nil {
			return s, err
		}
		if next.Steps[e.Index].Status != StepStatusActive {
			return s, fmt.Errorf("step %d is %s, cannot fail", e.Index, next.Steps[e.Index].Status)
		}
		next.Steps[e.Index].Status = StepStatusFailed
		next.Steps[e.Index].Message = e.Message
	case AttemptSucceeded:
		for i, step := range next.Steps {
			if step.Status != StepStatusCompleted {
				return s, fmt.Errorf("step %d is %s, attempt cannot succeed", i, step.Status)
			}
		}
		next.Status = SwapStatusSuccess
	case AttemptFailed:
		if next.ActiveIndex() >= 0 {
			return s, fmt.Errorf("step %d is still active", next.ActiveIndex())
		}
		failure := e.Err
		next.Status = SwapStatusError
		next.Err = &failure
	default:
		return s, fmt.Errorf("unknown event %T", ev)
	}
	next.Version = s.Version + 1
	return next, nil
}

func checkIndex(s State, index int) error {
	if index < 0 || index >= len(s.Steps) {
		return fmt.Errorf("step index %d out of range (%d steps)", index, len(s.Steps))
	}
	return nil
}
