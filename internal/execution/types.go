package execution

import (
	"time"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/model"
)

type SwapStatus string

type StepStatus string

type StepType string

const (
	SwapStatusIdle      SwapStatus = "idle"
	SwapStatusExecuting SwapStatus = "executing"
	SwapStatusSuccess   SwapStatus = "success"
	SwapStatusError     SwapStatus = "error"
)

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusActive    StepStatus = "active"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

const (
	StepTypeApproval StepType = "approval"
	StepTypeSwap     StepType = "swap"
	StepTypeBridge   StepType = "bridge"
)

func (s SwapStatus) Terminal() bool {
	return s == SwapStatusSuccess || s == SwapStatusError
}

func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed
}

// ExecutionStep is the runtime view of one unit of work. Status only moves
// pending -> active -> completed|failed.
type ExecutionStep struct {
	ID      string     `json:"id"`
	Type    StepType   `json:"type"`
	Status  StepStatus `json:"status"`
	TxHash  string     `json:"tx_hash,omitempty"`
	Message string     `json:"message,omitempty"`
}

// ExecError is the classified failure of an attempt.
type ExecError struct {
	Kind    string      `json:"kind"`
	Code    clierr.Code `json:"code"`
	Message string      `json:"message"`
}

func (e *ExecError) Error() string {
	return e.Message
}

// Err converts the classified failure back into a typed CLI error.
func (e *ExecError) Err() error {
	if e == nil {
		return nil
	}
	return clierr.New(e.Code, e.Message)
}

// State is one committed snapshot of an execution attempt. It is treated as
// an immutable value: transitions return a new State.
type State struct {
	Version   uint64          `json:"version"`
	AttemptID string          `json:"attempt_id,omitempty"`
	RouteID   string          `json:"route_id,omitempty"`
	Strategy  string          `json:"strategy,omitempty"`
	Owner     string          `json:"owner,omitempty"`
	Status    SwapStatus      `json:"status"`
	Steps     []ExecutionStep `json:"steps"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Err       *ExecError      `json:"error,omitempty"`
	StartedAt string          `json:"started_at,omitempty"`
	UpdatedAt string          `json:"updated_at,omitempty"`
}

// IdleState is the state of an engine with no attempt.
func IdleState() State {
	return State{Status: SwapStatusIdle, Steps: []ExecutionStep{}}
}

func (s State) clone() State {
	out := s
	out.Steps = append([]ExecutionStep(nil), s.Steps...)
	if out.Steps == nil {
		out.Steps = []ExecutionStep{}
	}
	if s.Err != nil {
		e := *s.Err
		out.Err = &e
	}
	return out
}

// ActiveIndex returns the index of the active step, or -1.
func (s State) ActiveIndex() int {
	for i, step := range s.Steps {
		if step.Status == StepStatusActive {
			return i
		}
	}
	return -1
}

func (s State) failed() bool {
	for _, step := range s.Steps {
		if step.Status == StepStatusFailed {
			return true
		}
	}
	return false
}

func stepTypeFor(step model.RouteStep) StepType {
	if step.Type == model.RouteStepBridge {
		return StepTypeBridge
	}
	return StepTypeSwap
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
