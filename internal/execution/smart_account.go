package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ggonzalez94/routex/internal/allowance"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/settlement"
)

// smartAccountStrategy submits each route step as one user operation that
// bundles an optional approval with the step call, then waits for the
// provider to report the step settled.
type smartAccountStrategy struct {
	account   signer.SmartAccount
	resolver  providers.StepResolver
	allowance *allowance.Checker
	poller    *settlement.Poller
	logger    *zap.Logger
}

func (s *smartAccountStrategy) Name() string { return StrategySmartAccount }

func (s *smartAccountStrategy) Plan(route model.Route) []ExecutionStep {
	steps := make([]ExecutionStep, 0, len(route.Steps))
	for _, step := range route.Steps {
		steps = append(steps, ExecutionStep{
			ID:     uuid.NewString(),
			Type:   stepTypeFor(step),
			Status: StepStatusPending,
		})
	}
	return steps
}

func (s *smartAccountStrategy) Run(ctx context.Context, route model.Route, r *run) error {
	for i, step := range route.Steps {
		r.activate(i, "", false)
		if err := s.runStep(ctx, i, step, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *smartAccountStrategy) runStep(ctx context.Context, index int, step model.RouteStep, r *run) error {
	resolved, err := s.resolver.GetStepTransaction(ctx, step)
	if err != nil {
		return err
	}
	calls, err := s.buildCalls(ctx, resolved)
	if err != nil {
		return err
	}
	hash, err := s.account.SendCalls(ctx, step.FromChainID, calls)
	if err != nil {
		return err
	}
	r.activate(index, hash.Hex(), true)
	s.logger.Info("smart_account.step_submitted",
		zap.Int("step", index),
		zap.Int("calls", len(calls)),
		zap.String("tx_hash", hash.Hex()),
	)

	out, err := s.poller.Wait(ctx, settlement.Query{
		TxHash:      hash.Hex(),
		FromChainID: step.FromChainID,
		ToChainID:   step.ToChainID,
		Bridge:      step.Tool,
	})
	if err != nil {
		return err
	}
	message := ""
	if out.TimedOut {
		message = fmt.Sprintf("settlement unconfirmed after %d status checks", out.Attempts)
	}
	r.complete(index, "", message, true)
	return nil
}

// buildCalls returns the step call, preceded by an approval for twice the
// required amount when the current allowance falls short.
func (s *smartAccountStrategy) buildCalls(ctx context.Context, step model.RouteStep) ([]signer.Call, error) {
	tx := step.TransactionRequest
	if tx == nil || !common.IsHexAddress(tx.To) {
		return nil, clierr.New(clierr.CodeStepUnresolvable, fmt.Sprintf("step %s has no executable transaction", step.ID))
	}
	data, err := evm.DecodeHex(tx.Data)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeStepUnresolvable, fmt.Sprintf("decode step %s calldata", step.ID), err)
	}
	value, err := signer.ParseValue(tx.Value)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeStepUnresolvable, fmt.Sprintf("parse step %s value", step.ID), err)
	}
	main := signer.Call{To: common.HexToAddress(tx.To), Data: data, Value: value}

	required, ok := new(big.Int).SetString(strings.TrimSpace(step.FromAmount), 10)
	if !ok {
		return nil, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("step %s has invalid fromAmount %q", step.ID, step.FromAmount))
	}
	spender := step.Estimate.ApprovalAddress
	if strings.TrimSpace(spender) == "" {
		spender = tx.To
	}
	approval, res, err := s.allowance.Plan(ctx, allowance.Request{
		ChainID:    step.FromChainID,
		Token:      step.FromToken,
		Owner:      s.account.Address().Hex(),
		Spender:    spender,
		Required:   required,
		Multiplier: allowance.BufferMultiplier,
	})
	if err != nil {
		return nil, err
	}
	if res.Warning != "" {
		s.logger.Warn("smart_account.allowance_warning", zap.String("step", step.ID), zap.String("warning", res.Warning))
	}
	if approval == nil {
		return []signer.Call{main}, nil
	}
	return []signer.Call{*approval, main}, nil
}
