package lifi

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ggonzalez94/routex/internal/allowance"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/settlement"
)

// ExecuteRoute runs every step of route in order with an externally-owned
// wallet. Each step first settles its allowance, then resolves and submits its
// transaction and, for cross-chain steps, waits for settlement. Progress is
// reported through hooks; the first failure stops the route.
func (c *Client) ExecuteRoute(ctx context.Context, route model.Route, wallet signer.Wallet, hooks providers.RouteHooks) error {
	if wallet == nil {
		return clierr.New(clierr.CodeSigner, "route execution requires a wallet")
	}
	if c.allowance == nil || c.poller == nil {
		return clierr.New(clierr.CodeInternal, "lifi route execution is not configured")
	}
	for i, step := range route.Steps {
		if err := c.executeStep(ctx, i, step, wallet, hooks); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) executeStep(ctx context.Context, index int, step model.RouteStep, wallet signer.Wallet, hooks providers.RouteHooks) error {
	fail := func(phase providers.StepPhase, err error) error {
		hooks.Report(providers.StepUpdate{Index: index, Phase: phase, Status: providers.StatusFailed, Message: err.Error()})
		c.logger.Warn("lifi.step_failed", zap.Int("step", index), zap.String("phase", string(phase)), zap.Error(err))
		return err
	}

	hooks.Report(providers.StepUpdate{Index: index, Phase: providers.PhaseAllowance, Status: providers.StatusStarted})
	approvalHash, err := c.ensureAllowance(ctx, step, wallet)
	if err != nil {
		return fail(providers.PhaseAllowance, err)
	}
	hooks.Report(providers.StepUpdate{Index: index, Phase: providers.PhaseAllowance, Status: providers.StatusDone, TxHash: approvalHash})

	hooks.Report(providers.StepUpdate{Index: index, Phase: providers.PhaseExecution, Status: providers.StatusPending})
	resolved, err := c.GetStepTransaction(ctx, step)
	if err != nil {
		return fail(providers.PhaseExecution, err)
	}
	if below(resolved.ToAmount, step.ToAmountMin) {
		accepted, err := hooks.Accept(ctx, providers.RateChange{
			StepIndex:   index,
			FromToken:   step.FromToken,
			ToToken:     step.ToToken,
			FromAmount:  step.FromAmount,
			OldToAmount: step.ToAmount,
			NewToAmount: resolved.ToAmount,
		})
		if err != nil {
			return fail(providers.PhaseExecution, err)
		}
		if !accepted {
			return fail(providers.PhaseExecution, clierr.New(clierr.CodeRateDeviationRejected, fmt.Sprintf("exchange rate update for step %d was declined", index)))
		}
	}

	if err := switchChain(ctx, wallet, step.FromChainID); err != nil {
		return fail(providers.PhaseExecution, err)
	}
	tx := resolved.TransactionRequest
	hash, err := wallet.SendTransaction(ctx, signer.TxRequest{
		ChainID: step.FromChainID,
		To:      tx.To,
		Data:    tx.Data,
		Value:   tx.Value,
	})
	if err != nil {
		return fail(providers.PhaseExecution, err)
	}
	hooks.Report(providers.StepUpdate{Index: index, Phase: providers.PhaseExecution, Status: providers.StatusPending, TxHash: hash.Hex()})

	if step.CrossChain() {
		out, err := c.poller.Wait(ctx, settlement.Query{
			TxHash:      hash.Hex(),
			FromChainID: step.FromChainID,
			ToChainID:   step.ToChainID,
			Bridge:      step.Tool,
		})
		if err != nil {
			return fail(providers.PhaseExecution, err)
		}
		c.logger.Info("lifi.step_settled",
			zap.Int("step", index),
			zap.Int("attempts", out.Attempts),
			zap.Bool("timed_out", out.TimedOut),
			zap.String("receiving_tx", out.Result.ReceivingTxHash),
		)
	}
	hooks.Report(providers.StepUpdate{Index: index, Phase: providers.PhaseExecution, Status: providers.StatusDone, TxHash: hash.Hex()})
	return nil
}

// ensureAllowance approves exactly the step amount when the current allowance
// is short and returns the approval hash, if one was sent.
func (c *Client) ensureAllowance(ctx context.Context, step model.RouteStep, wallet signer.Wallet) (string, error) {
	if registry.IsNativeAddress(step.FromToken.Address) {
		return "", nil
	}
	required, ok := new(big.Int).SetString(strings.TrimSpace(step.FromAmount), 10)
	if !ok {
		return "", clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("step %s has invalid fromAmount %q", step.ID, step.FromAmount))
	}
	spender := step.Estimate.ApprovalAddress
	if strings.TrimSpace(spender) == "" && step.TransactionRequest != nil {
		spender = step.TransactionRequest.To
	}
	call, res, err := c.allowance.Plan(ctx, allowance.Request{
		ChainID:  step.FromChainID,
		Token:    step.FromToken,
		Owner:    wallet.Address().Hex(),
		Spender:  spender,
		Required: required,
	})
	if err != nil {
		return "", err
	}
	if res.Warning != "" {
		c.logger.Warn("lifi.allowance_warning", zap.String("step", step.ID), zap.String("warning", res.Warning))
	}
	if call == nil {
		return "", nil
	}
	if err := switchChain(ctx, wallet, step.FromChainID); err != nil {
		return "", err
	}
	hash, err := wallet.SendTransaction(ctx, signer.TxRequest{
		ChainID: step.FromChainID,
		To:      call.To.Hex(),
		Data:    "0x" + common.Bytes2Hex(call.Data),
		Value:   "0",
	})
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func switchChain(ctx context.Context, wallet signer.Wallet, chainID int64) error {
	if wallet.ChainID() == chainID {
		return nil
	}
	if err := wallet.SwitchChain(ctx, chainID); err != nil {
		return clierr.Wrap(clierr.CodeSigner, fmt.Sprintf("switch wallet to chain %d", chainID), err)
	}
	return nil
}

// below reports whether got < floor; unparsable values never trigger.
func below(got, floor string) bool {
	g, ok := new(big.Int).SetString(strings.TrimSpace(got), 10)
	if !ok {
		return false
	}
	f, ok := new(big.Int).SetString(strings.TrimSpace(floor), 10)
	if !ok {
		return false
	}
	return g.Cmp(f) < 0
}
