package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/routex/internal/allowance"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/settlement"
)

const (
	ownerAddr   = "0x00000000000000000000000000000000000000AA"
	routerAddr  = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"
	usdcAddress = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

var (
	usdc   = model.Token{Address: usdcAddress, Symbol: "USDC", Decimals: 6, ChainID: 8453}
	native = model.Token{Address: registry.NativeZeroAddress, Symbol: "ETH", Decimals: 18, ChainID: 8453}
)

func routeStep(id string, from, to int64, token model.Token, amount string) model.RouteStep {
	return model.RouteStep{
		ID:          id,
		Type:        model.RouteStepSwap,
		Tool:        "across",
		FromChainID: from,
		ToChainID:   to,
		FromToken:   token,
		ToToken:     model.Token{Address: usdcAddress, Symbol: "USDC", Decimals: 6, ChainID: to},
		FromAmount:  amount,
		ToAmount:    "990000",
		ToAmountMin: "985000",
		Estimate:    model.StepEstimate{ApprovalAddress: routerAddr},
	}
}

func testRoute(id string, steps ...model.RouteStep) model.Route {
	return model.Route{
		ID:          id,
		FromChainID: steps[0].FromChainID,
		ToChainID:   steps[len(steps)-1].ToChainID,
		FromToken:   steps[0].FromToken,
		ToToken:     steps[len(steps)-1].ToToken,
		FromAmount:  steps[0].FromAmount,
		Steps:       steps,
	}
}

// recorder keeps every reported state and checks ordering and monotonicity
// as states arrive.
type recorder struct {
	t      *testing.T
	mu     sync.Mutex
	states []State
}

func (r *recorder) Report(st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.states); n > 0 {
		prev := r.states[n-1]
		if st.Version <= prev.Version {
			r.t.Errorf("version went from %d to %d", prev.Version, st.Version)
		}
		if prev.AttemptID == st.AttemptID && len(prev.Steps) == len(st.Steps) {
			for i := range st.Steps {
				if !legalStepMove(prev.Steps[i].Status, st.Steps[i].Status) {
					r.t.Errorf("step %d moved %s -> %s", i, prev.Steps[i].Status, st.Steps[i].Status)
				}
			}
		}
	}
	for i, step := range st.Steps {
		if step.Status == StepStatusPending {
			continue
		}
		for j := 0; j < i; j++ {
			if st.Steps[j].Status != StepStatusCompleted {
				r.t.Errorf("step %d is %s while step %d is %s", i, step.Status, j, st.Steps[j].Status)
			}
		}
	}
	r.states = append(r.states, st)
}

func legalStepMove(from, to StepStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StepStatusPending:
		return to == StepStatusActive
	case StepStatusActive:
		return to == StepStatusCompleted || to == StepStatusFailed
	}
	return false
}

// history is the distinct sequence of statuses step i went through.
func (r *recorder) history(i int) []StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []StepStatus
	for _, st := range r.states {
		if i >= len(st.Steps) {
			continue
		}
		s := st.Steps[i].Status
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func equalHistory(got []StepStatus, want ...StepStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

type fakeAccount struct {
	mu      sync.Mutex
	batches [][]signer.Call
	err     error
}

func (a *fakeAccount) Address() common.Address { return common.HexToAddress(ownerAddr) }

func (a *fakeAccount) SendCalls(_ context.Context, _ int64, calls []signer.Call) (common.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return common.Hash{}, a.err
	}
	a.batches = append(a.batches, calls)
	return common.BigToHash(big.NewInt(int64(0x100 + len(a.batches)))), nil
}

type fakeResolver struct {
	err error
}

func (f fakeResolver) GetStepTransaction(_ context.Context, step model.RouteStep) (model.RouteStep, error) {
	if f.err != nil {
		return model.RouteStep{}, f.err
	}
	out := step
	out.TransactionRequest = &model.TransactionRequest{To: routerAddr, Data: "0xabcdef01", Value: "0", ChainID: step.FromChainID}
	return out, nil
}

type fixedCaller struct{ allowance *big.Int }

func (c fixedCaller) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(c.allowance.Bytes(), 32), nil
}

type fixedSource struct{ allowance *big.Int }

func (s fixedSource) Caller(context.Context, int64) (ethereum.ContractCaller, error) {
	return fixedCaller{s.allowance}, nil
}

// scriptedStatus replays statuses; onCall sees the 1-based attempt number.
type scriptedStatus struct {
	mu       sync.Mutex
	statuses []settlement.Status
	calls    int
	onCall   func(int)
}

func (s *scriptedStatus) Status(context.Context, settlement.Query) (settlement.Result, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	status := settlement.StatusDone
	if n <= len(s.statuses) {
		status = s.statuses[n-1]
	}
	hook := s.onCall
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return settlement.Result{Status: status, Substatus: "BRIDGE_NOT_AVAILABLE"}, nil
}

type instantClock struct{}

func (instantClock) Now() time.Time { return time.Unix(0, 0) }
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

type fakeWallet struct{}

func (fakeWallet) Address() common.Address                  { return common.HexToAddress(ownerAddr) }
func (fakeWallet) ChainID() int64                           { return 8453 }
func (fakeWallet) SwitchChain(context.Context, int64) error { return nil }
func (fakeWallet) SendTransaction(context.Context, signer.TxRequest) (common.Hash, error) {
	return common.HexToHash("0x01"), nil
}

type executorFunc func(ctx context.Context, route model.Route, wallet signer.Wallet, hooks providers.RouteHooks) error

func (f executorFunc) ExecuteRoute(ctx context.Context, route model.Route, wallet signer.Wallet, hooks providers.RouteHooks) error {
	return f(ctx, route, wallet, hooks)
}

type fixedBalance struct{ amount *big.Int }

func (b fixedBalance) Balance(context.Context, model.Token, string) (*big.Int, error) {
	return b.amount, nil
}

func smartAccountEngine(t *testing.T, rec *recorder, currentAllowance *big.Int, status *scriptedStatus) *Engine {
	t.Helper()
	return NewEngine(Options{
		Resolver:  fakeResolver{},
		Allowance: allowance.NewChecker(fixedSource{currentAllowance}, nil),
		Poller:    &settlement.Poller{Source: status, Clock: instantClock{}, MaxAttempts: 60},
		Reporters: []Reporter{rec},
	})
}

func waitAttempt(t *testing.T, a *Attempt) (State, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := a.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatal("attempt did not finish")
	}
	return st, err
}

func TestSmartAccountNativeStepSkipsApproval(t *testing.T) {
	rec := &recorder{t: t}
	account := &fakeAccount{}
	engine := smartAccountEngine(t, rec, big.NewInt(0), &scriptedStatus{})

	attempt, err := engine.Execute(context.Background(), testRoute("r-native", routeStep("s1", 8453, 8453, native, "1000000000000000")), account)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if final.Status != SwapStatusSuccess || len(final.Steps) != 1 {
		t.Fatalf("unexpected final state %+v", final)
	}
	if len(account.batches) != 1 || len(account.batches[0]) != 1 {
		t.Fatalf("expected a single call without approval, got %+v", account.batches)
	}
	if got := rec.history(0); !equalHistory(got, StepStatusPending, StepStatusActive, StepStatusCompleted) {
		t.Fatalf("unexpected step history %v", got)
	}
	if final.TxHash == "" || final.Steps[0].TxHash != final.TxHash {
		t.Fatalf("expected step and attempt hash, got %+v", final)
	}
	if snap := engine.Snapshot(); snap.Status != SwapStatusSuccess {
		t.Fatalf("expected engine snapshot success, got %s", snap.Status)
	}
}

func TestSmartAccountPrependsBufferedApproval(t *testing.T) {
	rec := &recorder{t: t}
	account := &fakeAccount{}
	var engine *Engine
	var activeDuringPoll []StepStatus
	status := &scriptedStatus{
		statuses: []settlement.Status{settlement.StatusPending, settlement.StatusDone},
		onCall: func(int) {
			activeDuringPoll = append(activeDuringPoll, engine.Snapshot().Steps[0].Status)
		},
	}
	engine = smartAccountEngine(t, rec, big.NewInt(10), status)

	attempt, err := engine.Execute(context.Background(), testRoute("r-erc20", routeStep("s1", 8453, 42161, usdc, "1000000")), account)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	if len(account.batches) != 1 || len(account.batches[0]) != 2 {
		t.Fatalf("expected approval plus step call, got %+v", account.batches)
	}
	approve := account.batches[0][0]
	if approve.To != common.HexToAddress(usdcAddress) {
		t.Fatalf("approval must target the token, got %s", approve.To.Hex())
	}
	spender, amount, err := allowance.UnpackApprove(approve.Data)
	if err != nil {
		t.Fatalf("decode approval: %v", err)
	}
	if spender != common.HexToAddress(routerAddr) || amount.String() != "2000000" {
		t.Fatalf("expected 2x approval to router, got %s %s", spender.Hex(), amount)
	}
	if account.batches[0][1].To != common.HexToAddress(routerAddr) {
		t.Fatalf("unexpected main call %+v", account.batches[0][1])
	}
	if !equalHistory(activeDuringPoll, StepStatusActive, StepStatusActive) {
		t.Fatalf("step must stay active until settlement is DONE, got %v", activeDuringPoll)
	}
	if final.Steps[0].Status != StepStatusCompleted || final.Status != SwapStatusSuccess {
		t.Fatalf("unexpected final state %+v", final)
	}
}

func TestSmartAccountSettlementFailureHaltsRoute(t *testing.T) {
	rec := &recorder{t: t}
	account := &fakeAccount{}
	status := &scriptedStatus{statuses: []settlement.Status{settlement.StatusPending, settlement.StatusNotFound, settlement.StatusFailed}}
	engine := smartAccountEngine(t, rec, big.NewInt(0), status)

	route := testRoute("r-two",
		routeStep("s1", 8453, 42161, usdc, "1000000"),
		routeStep("s2", 42161, 42161, model.Token{Address: usdcAddress, Symbol: "USDC", Decimals: 6, ChainID: 42161}, "990000"),
	)
	attempt, err := engine.Execute(context.Background(), route, account)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeStepFailed) {
		t.Fatalf("expected step failure, got %v", err)
	}
	if status.calls != 3 {
		t.Fatalf("expected failure on attempt 3, got %d calls", status.calls)
	}
	if final.Status != SwapStatusError || final.Err == nil || final.Err.Kind != "step_failed" {
		t.Fatalf("unexpected final state %+v", final)
	}
	if final.Steps[0].Status != StepStatusFailed || final.Steps[1].Status != StepStatusPending {
		t.Fatalf("expected [failed pending], got [%s %s]", final.Steps[0].Status, final.Steps[1].Status)
	}
	if len(account.batches) != 1 {
		t.Fatalf("no further steps may be submitted, got %d batches", len(account.batches))
	}
}

func TestSmartAccountSignatureErrorNeedsExternalWallet(t *testing.T) {
	rec := &recorder{t: t}
	account := &fakeAccount{err: fmt.Errorf("AA23 reverted: invalid signature")}
	engine := smartAccountEngine(t, rec, big.NewInt(0), &scriptedStatus{})

	attempt, err := engine.Execute(context.Background(), testRoute("r-sig", routeStep("s1", 8453, 8453, native, "1")), account)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeRequiresExternalWallet) {
		t.Fatalf("expected external wallet error, got %v", err)
	}
	if final.Steps[0].Status != StepStatusFailed {
		t.Fatalf("expected failed step, got %s", final.Steps[0].Status)
	}
}

func TestSmartAccountUnresolvableStep(t *testing.T) {
	rec := &recorder{t: t}
	engine := NewEngine(Options{
		Resolver:  fakeResolver{err: clierr.New(clierr.CodeStepUnresolvable, "liquidity vanished")},
		Allowance: allowance.NewChecker(fixedSource{big.NewInt(0)}, nil),
		Poller:    &settlement.Poller{Source: &scriptedStatus{}, Clock: instantClock{}},
		Reporters: []Reporter{rec},
	})
	attempt, err := engine.Execute(context.Background(), testRoute("r-unres", routeStep("s1", 8453, 8453, usdc, "1")), &fakeAccount{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeStepUnresolvable) {
		t.Fatalf("expected unresolvable step, got %v", err)
	}
	if final.Err.Kind != "step_unresolvable" || final.Steps[0].Status != StepStatusFailed {
		t.Fatalf("unexpected final state %+v", final)
	}
}

func eoaEngine(rec *recorder, exec executorFunc, prompt RatePrompt, timeout time.Duration) *Engine {
	return NewEngine(Options{
		RouteExecutor:     exec,
		Prompt:            prompt,
		RateAcceptTimeout: timeout,
		Reporters:         []Reporter{rec},
	})
}

func TestEOARateChangeDeclined(t *testing.T) {
	rec := &recorder{t: t}
	var notice RateChangeNotice
	prompt := RatePromptFunc(func(_ context.Context, n RateChangeNotice) (bool, error) {
		notice = n
		return false, nil
	})
	exec := executorFunc(func(ctx context.Context, route model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseAllowance, Status: providers.StatusStarted})
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseAllowance, Status: providers.StatusDone, TxHash: "0xapprove"})
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending})
		ok, err := hooks.Accept(ctx, providers.RateChange{
			StepIndex:   0,
			FromToken:   model.Token{Symbol: "A", Decimals: 0},
			ToToken:     model.Token{Symbol: "B", Decimals: 0},
			FromAmount:  "1",
			OldToAmount: "100",
			NewToAmount: "97",
		})
		if err != nil {
			return err
		}
		if !ok {
			err := clierr.New(clierr.CodeRateDeviationRejected, "exchange rate update declined")
			hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusFailed, Message: err.Error()})
			return err
		}
		return nil
	})
	engine := eoaEngine(rec, exec, prompt, time.Second)

	route := testRoute("r-eoa", routeStep("s1", 8453, 8453, usdc, "1000000"), routeStep("s2", 8453, 42161, usdc, "990000"))
	attempt, err := engine.Execute(context.Background(), route, fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeRateDeviationRejected) {
		t.Fatalf("expected rate deviation rejection, got %v", err)
	}
	if notice.Percent != "-3.00%" {
		t.Fatalf("expected -3.00%% deviation, got %q", notice.Percent)
	}
	if final.Err == nil || final.Err.Kind != "rate_deviation_rejected" {
		t.Fatalf("unexpected error kind %+v", final.Err)
	}
	if len(final.Steps) != 3 || final.Steps[0].Type != StepTypeApproval {
		t.Fatalf("expected approval plus two steps, got %+v", final.Steps)
	}
	if final.Steps[0].Status != StepStatusCompleted || final.Steps[1].Status != StepStatusFailed || final.Steps[2].Status != StepStatusPending {
		t.Fatalf("unexpected step statuses %+v", final.Steps)
	}
	if final.TxHash != "0xapprove" {
		t.Fatalf("expected first hash recorded, got %q", final.TxHash)
	}
}

func TestEOAUnreadableRateChangeExplainsDecline(t *testing.T) {
	rec := &recorder{t: t}
	prompted := false
	prompt := RatePromptFunc(func(context.Context, RateChangeNotice) (bool, error) {
		prompted = true
		return true, nil
	})
	exec := executorFunc(func(ctx context.Context, _ model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseAllowance, Status: providers.StatusDone})
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending})
		_, err := hooks.Accept(ctx, providers.RateChange{
			StepIndex:   0,
			FromToken:   model.Token{Symbol: "A"},
			ToToken:     model.Token{Symbol: "B"},
			FromAmount:  "1",
			OldToAmount: "0",
			NewToAmount: "5",
		})
		if err != nil {
			hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusFailed, Message: err.Error()})
			return err
		}
		return nil
	})
	engine := eoaEngine(rec, exec, prompt, time.Second)
	attempt, err := engine.Execute(context.Background(), testRoute("r-zero-rate", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeRateDeviationRejected) {
		t.Fatalf("expected rate deviation rejection, got %v", err)
	}
	if prompted {
		t.Fatal("prompt must not run when the quoted rate is unreadable")
	}
	if !strings.Contains(final.Steps[1].Message, "previous rate is zero") {
		t.Fatalf("expected decline reason in step message, got %q", final.Steps[1].Message)
	}
}

func TestEOARatePromptTimeoutDeclines(t *testing.T) {
	rec := &recorder{t: t}
	prompt := RatePromptFunc(func(ctx context.Context, _ RateChangeNotice) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	var accepted bool
	exec := executorFunc(func(ctx context.Context, _ model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending})
		ok, err := hooks.Accept(ctx, providers.RateChange{FromAmount: "1", OldToAmount: "100", NewToAmount: "97"})
		if err != nil {
			return err
		}
		accepted = ok
		if !ok {
			return clierr.New(clierr.CodeRateDeviationRejected, "declined")
		}
		return nil
	})
	engine := eoaEngine(rec, exec, prompt, 20*time.Millisecond)

	attempt, err := engine.Execute(context.Background(), testRoute("r-timeout", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := waitAttempt(t, attempt); !clierr.HasCode(err, clierr.CodeRateDeviationRejected) {
		t.Fatalf("expected timeout to decline, got %v", err)
	}
	if accepted {
		t.Fatal("timeout must not accept the change")
	}
}

func TestEOASuccessCompletesAllSteps(t *testing.T) {
	rec := &recorder{t: t}
	exec := executorFunc(func(_ context.Context, _ model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseAllowance, Status: providers.StatusStarted})
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseAllowance, Status: providers.StatusDone})
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending, TxHash: "0xaaa"})
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusDone, TxHash: "0xaaa"})
		hooks.Report(providers.StepUpdate{Index: 1, Phase: providers.PhaseAllowance, Status: providers.StatusStarted})
		hooks.Report(providers.StepUpdate{Index: 1, Phase: providers.PhaseExecution, Status: providers.StatusPending, TxHash: "0xbbb"})
		return nil
	})
	engine := eoaEngine(rec, exec, nil, 0)
	route := testRoute("r-ok", routeStep("s1", 8453, 8453, usdc, "1000000"), routeStep("s2", 8453, 42161, usdc, "990000"))
	attempt, err := engine.Execute(context.Background(), route, fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	for i, step := range final.Steps {
		if step.Status != StepStatusCompleted {
			t.Fatalf("step %d is %s", i, step.Status)
		}
	}
	if final.TxHash != "0xaaa" || final.Steps[2].TxHash != "0xbbb" {
		t.Fatalf("unexpected hashes %+v", final)
	}
	if got := rec.history(2); !equalHistory(got, StepStatusPending, StepStatusActive, StepStatusCompleted) {
		t.Fatalf("unexpected last step history %v", got)
	}
}

func TestEOAWalletRejection(t *testing.T) {
	rec := &recorder{t: t}
	exec := executorFunc(func(context.Context, model.Route, signer.Wallet, providers.RouteHooks) error {
		return errors.New("MetaMask Tx Signature: User denied transaction signature.")
	})
	engine := eoaEngine(rec, exec, nil, 0)
	attempt, err := engine.Execute(context.Background(), testRoute("r-deny", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeUserRejected) {
		t.Fatalf("expected user rejection, got %v", err)
	}
	if final.Steps[0].Status != StepStatusFailed || final.Steps[1].Status != StepStatusPending {
		t.Fatalf("expected first step failed and the rest pending, got %+v", final.Steps)
	}
}

func TestExecuteWhileExecutingIsRejected(t *testing.T) {
	rec := &recorder{t: t}
	release := make(chan struct{})
	exec := executorFunc(func(ctx context.Context, _ model.Route, _ signer.Wallet, _ providers.RouteHooks) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	engine := eoaEngine(rec, exec, nil, 0)
	attempt, err := engine.Execute(context.Background(), testRoute("r-1", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	before := engine.Snapshot()

	_, err = engine.Execute(context.Background(), testRoute("r-2", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if !clierr.HasCode(err, clierr.CodeAlreadyExecuting) {
		t.Fatalf("expected already executing, got %v", err)
	}
	after := engine.Snapshot()
	if after.Version != before.Version || after.AttemptID != before.AttemptID {
		t.Fatalf("rejected call mutated state: %+v -> %+v", before, after)
	}

	close(release)
	if _, err := waitAttempt(t, attempt); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
}

func TestResetIsIdempotentAndDropsLateEvents(t *testing.T) {
	rec := &recorder{t: t}
	entered := make(chan providers.RouteHooks, 1)
	exec := executorFunc(func(ctx context.Context, _ model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending, TxHash: "0x1"})
		entered <- hooks
		<-ctx.Done()
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusDone, TxHash: "0x1"})
		return ctx.Err()
	})
	engine := eoaEngine(rec, exec, nil, 0)
	attempt, err := engine.Execute(context.Background(), testRoute("r-reset", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-entered

	engine.Reset()
	engine.Reset()
	if _, err := waitAttempt(t, attempt); err == nil {
		t.Fatal("expected cancelled attempt to report an error")
	}

	snap := engine.Snapshot()
	if snap.Status != SwapStatusIdle || len(snap.Steps) != 0 || snap.TxHash != "" || snap.Err != nil {
		t.Fatalf("expected clean idle state, got %+v", snap)
	}
	rec.mu.Lock()
	last := rec.states[len(rec.states)-1]
	rec.mu.Unlock()
	if last.Status != SwapStatusIdle {
		t.Fatalf("late events must not be reported after reset, last state %+v", last)
	}
}

func TestResetFromTerminalStatus(t *testing.T) {
	rec := &recorder{t: t}
	engine := smartAccountEngine(t, rec, big.NewInt(0), &scriptedStatus{})
	attempt, err := engine.Execute(context.Background(), testRoute("r-term", routeStep("s1", 8453, 8453, native, "1")), &fakeAccount{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := waitAttempt(t, attempt); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		engine.Reset()
		snap := engine.Snapshot()
		if snap.Status != SwapStatusIdle || len(snap.Steps) != 0 || snap.TxHash != "" || snap.Err != nil {
			t.Fatalf("reset %d left %+v", i, snap)
		}
	}
}

func TestRouteCannotBeExecutedTwice(t *testing.T) {
	rec := &recorder{t: t}
	engine := smartAccountEngine(t, rec, big.NewInt(0), &scriptedStatus{})
	route := testRoute("r-once", routeStep("s1", 8453, 8453, native, "1"))
	attempt, err := engine.Execute(context.Background(), route, &fakeAccount{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, err := waitAttempt(t, attempt); err != nil {
		t.Fatalf("attempt failed: %v", err)
	}
	engine.Reset()
	if _, err := engine.Execute(context.Background(), route, &fakeAccount{}); !clierr.HasCode(err, clierr.CodeRouteConsumed) {
		t.Fatalf("expected consumed route, got %v", err)
	}
}

func TestExecuteValidatesRoute(t *testing.T) {
	engine := smartAccountEngine(t, &recorder{t: t}, big.NewInt(0), &scriptedStatus{})

	broken := testRoute("r-gap", routeStep("s1", 8453, 42161, usdc, "1"), routeStep("s2", 10, 10, usdc, "1"))
	if _, err := engine.Execute(context.Background(), broken, &fakeAccount{}); !clierr.HasCode(err, clierr.CodeMalformedQuote) {
		t.Fatalf("expected malformed route, got %v", err)
	}
	rebound := testRoute("r-amount", routeStep("s1", 8453, 8453, usdc, "1"))
	rebound.FromAmount = "2"
	if _, err := engine.Execute(context.Background(), rebound, &fakeAccount{}); !clierr.HasCode(err, clierr.CodeRouteConsumed) {
		t.Fatalf("expected amount mismatch rejection, got %v", err)
	}
	if _, err := engine.Execute(context.Background(), model.Route{ID: "empty"}, &fakeAccount{}); !clierr.HasCode(err, clierr.CodeMalformedQuote) {
		t.Fatalf("expected empty route rejection, got %v", err)
	}
	if snap := engine.Snapshot(); snap.Status != SwapStatusIdle {
		t.Fatalf("validation failures must not start an attempt, got %s", snap.Status)
	}
}

func TestInsufficientBalanceStopsBeforeSubmission(t *testing.T) {
	rec := &recorder{t: t}
	account := &fakeAccount{}
	engine := NewEngine(Options{
		Resolver:  fakeResolver{},
		Allowance: allowance.NewChecker(fixedSource{big.NewInt(0)}, nil),
		Poller:    &settlement.Poller{Source: &scriptedStatus{}, Clock: instantClock{}},
		Balances:  fixedBalance{big.NewInt(5)},
		Reporters: []Reporter{rec},
	})
	attempt, err := engine.Execute(context.Background(), testRoute("r-poor", routeStep("s1", 8453, 8453, usdc, "1000000")), account)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	final, err := waitAttempt(t, attempt)
	if !clierr.HasCode(err, clierr.CodeInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if final.Err.Kind != "insufficient_balance" || final.Steps[0].Status != StepStatusPending {
		t.Fatalf("unexpected final state %+v", final)
	}
	if len(account.batches) != 0 {
		t.Fatal("nothing may be submitted without balance")
	}
}

func TestUnsupportedSigner(t *testing.T) {
	engine := smartAccountEngine(t, &recorder{t: t}, big.NewInt(0), &scriptedStatus{})
	type bare struct{ fakeAccountAddress }
	if _, err := engine.Execute(context.Background(), testRoute("r-x", routeStep("s1", 8453, 8453, native, "1")), bare{}); !clierr.HasCode(err, clierr.CodeSigner) {
		t.Fatalf("expected signer error, got %v", err)
	}
}

type fakeAccountAddress struct{}

func (fakeAccountAddress) Address() common.Address { return common.HexToAddress(ownerAddr) }

func TestReporterMaySnapshotDuringReset(t *testing.T) {
	var engine *Engine
	inReport := make(chan struct{}, 1)
	release := make(chan struct{})
	reporter := ReporterFunc(func(st State) {
		if st.Status == SwapStatusExecuting && hasTxHash(st, "0x1") {
			select {
			case inReport <- struct{}{}:
				<-release
			default:
			}
		}
		_ = engine.Snapshot()
	})
	exec := executorFunc(func(ctx context.Context, _ model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
		hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending, TxHash: "0x1"})
		<-ctx.Done()
		return ctx.Err()
	})
	engine = NewEngine(Options{RouteExecutor: exec, Reporters: []Reporter{reporter}})
	attempt, err := engine.Execute(context.Background(), testRoute("r-snap", routeStep("s1", 8453, 8453, usdc, "1")), fakeWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-inReport

	resetDone := make(chan struct{})
	go func() {
		engine.Reset()
		close(resetDone)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-resetDone:
	case <-time.After(2 * time.Second):
		t.Fatal("reset blocked behind a reporter reading the snapshot")
	}
	_, _ = waitAttempt(t, attempt)
	if snap := engine.Snapshot(); snap.Status != SwapStatusIdle {
		t.Fatalf("expected idle after reset, got %s", snap.Status)
	}
}

func hasTxHash(st State, hash string) bool {
	for _, step := range st.Steps {
		if step.TxHash == hash {
			return true
		}
	}
	return false
}
