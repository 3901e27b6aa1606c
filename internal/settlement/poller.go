package settlement

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 60
)

type Status string

const (
	StatusDone     Status = "DONE"
	StatusFailed   Status = "FAILED"
	StatusPending  Status = "PENDING"
	StatusNotFound Status = "NOT_FOUND"
	StatusInvalid  Status = "INVALID"
)

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// NormalizeStatus upper-cases provider status strings.
func NormalizeStatus(v string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(v)))
}

// Query identifies one cross-chain transfer.
type Query struct {
	TxHash      string
	FromChainID int64
	ToChainID   int64
	Bridge      string
}

type Result struct {
	Status          Status `json:"status"`
	Substatus       string `json:"substatus,omitempty"`
	Message         string `json:"message,omitempty"`
	ReceivingTxHash string `json:"receivingTxHash,omitempty"`
}

type StatusSource interface {
	Status(ctx context.Context, q Query) (Result, error)
}

// Policy decides what happens when attempts run out before a terminal status.
type Policy string

const (
	PolicyFail     Policy = "fail"
	PolicyContinue Policy = "continue"
)

func ParsePolicy(v string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(v))) {
	case "", PolicyFail:
		return PolicyFail, nil
	case PolicyContinue:
		return PolicyContinue, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported settlement timeout policy %q (use fail|continue)", v))
	}
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func SystemClock() Clock { return realClock{} }

type Poller struct {
	Source      StatusSource
	Clock       Clock
	Interval    time.Duration
	MaxAttempts int
	Policy      Policy
	Logger      *zap.Logger
}

// Outcome describes how a Wait call ended.
type Outcome struct {
	Result   Result
	Attempts int
	TimedOut bool
	Elapsed  time.Duration
}

// Wait polls until the transfer reaches DONE or FAILED. Each attempt waits one
// interval first. Non-terminal statuses and query errors keep polling; only
// context cancellation interrupts the loop early.
func (p *Poller) Wait(ctx context.Context, q Query) (Outcome, error) {
	if p.Source == nil {
		return Outcome{}, clierr.New(clierr.CodeInternal, "settlement status source is not configured")
	}
	clock := p.Clock
	if clock == nil {
		clock = SystemClock()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	started := clock.Now()
	var out Outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			out.Elapsed = clock.Now().Sub(started)
			return out, clierr.Wrap(clierr.CodeActionTimeout, "settlement polling cancelled", ctx.Err())
		case <-clock.After(interval):
		}

		out.Attempts = attempt
		res, err := p.Source.Status(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				out.Elapsed = clock.Now().Sub(started)
				return out, clierr.Wrap(clierr.CodeActionTimeout, "settlement polling cancelled", ctx.Err())
			}
			logger.Warn("settlement.status_error",
				zap.String("tx_hash", q.TxHash),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		out.Result = res
		logger.Debug("settlement.status",
			zap.String("tx_hash", q.TxHash),
			zap.Int("attempt", attempt),
			zap.String("status", string(res.Status)),
			zap.String("substatus", res.Substatus),
		)
		switch res.Status {
		case StatusDone:
			out.Elapsed = clock.Now().Sub(started)
			return out, nil
		case StatusFailed:
			out.Elapsed = clock.Now().Sub(started)
			msg := "cross-chain settlement failed"
			if detail := strings.TrimSpace(firstNonEmpty(res.Message, res.Substatus)); detail != "" {
				msg += ": " + detail
			}
			return out, clierr.New(clierr.CodeStepFailed, msg)
		}
	}

	out.TimedOut = true
	out.Elapsed = clock.Now().Sub(started)
	if p.Policy == PolicyContinue {
		logger.Warn("settlement.timeout_continue",
			zap.String("tx_hash", q.TxHash),
			zap.Int("attempts", out.Attempts),
			zap.String("last_status", string(out.Result.Status)),
		)
		return out, nil
	}
	return out, clierr.New(clierr.CodeSettlementTimeout, fmt.Sprintf("settlement not confirmed after %d attempts (last status %s)", out.Attempts, lastStatus(out.Result)))
}

func lastStatus(res Result) string {
	if res.Status == "" {
		return "unknown"
	}
	return string(res.Status)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
