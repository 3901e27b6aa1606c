package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/quote"
)

// Strategy drives one signing model. Plan lays out the steps reported for a
// route; Run executes them and reports progress through the run.
type Strategy interface {
	Name() string
	Plan(route model.Route) []ExecutionStep
	Run(ctx context.Context, route model.Route, r *run) error
}

// RateChangeNotice is shown to the user when a step's realized rate moved
// since quoting.
type RateChangeNotice struct {
	StepIndex int
	FromToken model.Token
	ToToken   model.Token
	OldRate   decimal.Decimal
	NewRate   decimal.Decimal
	// Deviation is (new-old)/old as a fraction.
	Deviation decimal.Decimal
	Percent   string
}

// RatePrompt asks the user to accept or decline a rate change. It should
// return when ctx ends.
type RatePrompt interface {
	ConfirmRateChange(ctx context.Context, notice RateChangeNotice) (bool, error)
}

type RatePromptFunc func(ctx context.Context, notice RateChangeNotice) (bool, error)

func (f RatePromptFunc) ConfirmRateChange(ctx context.Context, notice RateChangeNotice) (bool, error) {
	return f(ctx, notice)
}

// eoaStrategy hands the route to the provider's executor and mirrors its
// progress onto a leading approval step plus one step per route step.
type eoaStrategy struct {
	executor providers.RouteExecutor
	wallet   signer.Wallet
	prompt   RatePrompt
	timeout  time.Duration
	logger   *zap.Logger
}

func (s *eoaStrategy) Name() string { return StrategyEOA }

func (s *eoaStrategy) Plan(route model.Route) []ExecutionStep {
	steps := make([]ExecutionStep, 0, len(route.Steps)+1)
	steps = append(steps, ExecutionStep{ID: uuid.NewString(), Type: StepTypeApproval, Status: StepStatusPending})
	for _, step := range route.Steps {
		steps = append(steps, ExecutionStep{
			ID:     uuid.NewString(),
			Type:   stepTypeFor(step),
			Status: StepStatusPending,
		})
	}
	return steps
}

func (s *eoaStrategy) Run(ctx context.Context, route model.Route, r *run) error {
	return s.executor.ExecuteRoute(ctx, route, s.wallet, providers.RouteHooks{
		UpdateRoute: func(u providers.StepUpdate) { s.update(r, u) },
		AcceptExchangeRateUpdate: func(ctx context.Context, change providers.RateChange) (bool, error) {
			return s.acceptRate(ctx, change)
		},
	})
}

// update maps provider progress onto execution steps. Allowance updates drive
// the approval step until it is finished; after that they belong to the
// route step they were reported for.
func (s *eoaStrategy) update(r *run, u providers.StepUpdate) {
	st := r.snapshot()
	target := u.Index + 1
	if u.Index < 0 || target >= len(st.Steps) {
		s.logger.Warn("eoa.update_out_of_range", zap.Int("index", u.Index), zap.String("status", string(u.Status)))
		return
	}

	if u.Phase == providers.PhaseAllowance {
		idx := target
		if !st.Steps[0].Status.Terminal() {
			idx = 0
		}
		switch u.Status {
		case providers.StatusDone:
			if idx == 0 {
				r.complete(0, u.TxHash, "", false)
			} else if u.TxHash != "" {
				r.activate(idx, u.TxHash, false)
			}
		case providers.StatusFailed:
			r.fail(idx, u.Message)
		default:
			r.activate(idx, u.TxHash, false)
		}
		return
	}

	switch u.Status {
	case providers.StatusDone:
		r.complete(target, u.TxHash, u.Message, false)
	case providers.StatusFailed:
		r.fail(target, u.Message)
	default:
		r.activate(target, u.TxHash, false)
	}
}

// acceptRate asks the prompt and treats a timeout or missing prompt as a
// decline. A change whose rates cannot be computed is declined with the
// reason attached.
func (s *eoaStrategy) acceptRate(ctx context.Context, change providers.RateChange) (bool, error) {
	notice, err := rateNotice(change)
	if err != nil {
		s.logger.Warn("eoa.rate_change_unreadable", zap.Int("step", change.StepIndex), zap.Error(err))
		return false, clierr.Wrap(clierr.CodeRateDeviationRejected, fmt.Sprintf("rate change for step %d declined: quoted rate could not be read", change.StepIndex), err)
	}
	s.logger.Info("eoa.rate_change",
		zap.Int("step", change.StepIndex),
		zap.String("old_rate", notice.OldRate.String()),
		zap.String("new_rate", notice.NewRate.String()),
		zap.String("deviation", notice.Percent),
	)
	if s.prompt == nil {
		return false, nil
	}
	promptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	accepted, err := s.prompt.ConfirmRateChange(promptCtx, notice)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger.Warn("eoa.rate_change_timeout", zap.Int("step", change.StepIndex), zap.Duration("timeout", s.timeout))
			return false, nil
		}
		return false, err
	}
	if promptCtx.Err() != nil && ctx.Err() == nil {
		return false, nil
	}
	return accepted, nil
}

func rateNotice(change providers.RateChange) (RateChangeNotice, error) {
	oldRate, err := quote.Rate(change.FromAmount, change.OldToAmount, change.FromToken.Decimals, change.ToToken.Decimals)
	if err != nil {
		return RateChangeNotice{}, err
	}
	newRate, err := quote.Rate(change.FromAmount, change.NewToAmount, change.FromToken.Decimals, change.ToToken.Decimals)
	if err != nil {
		return RateChangeNotice{}, err
	}
	deviation, err := quote.Deviation(oldRate, newRate)
	if err != nil {
		return RateChangeNotice{}, err
	}
	return RateChangeNotice{
		StepIndex: change.StepIndex,
		FromToken: change.FromToken,
		ToToken:   change.ToToken,
		OldRate:   oldRate,
		NewRate:   newRate,
		Deviation: deviation,
		Percent:   quote.FormatPercent(deviation),
	}, nil
}
