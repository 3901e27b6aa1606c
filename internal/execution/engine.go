package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ggonzalez94/routex/internal/allowance"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/settlement"
)

const (
	StrategyEOA          = "eoa"
	StrategySmartAccount = "smart_account"

	DefaultRateAcceptTimeout = 30 * time.Second
)

// Reporter receives every committed state in commit order. Report runs while
// the engine serializes commits, so implementations must not call Execute or
// Reset. Snapshot is safe to call.
type Reporter interface {
	Report(State)
}

type ReporterFunc func(State)

func (f ReporterFunc) Report(s State) { f(s) }

// SignerContext is either a signer.SmartAccount or a signer.Wallet.
type SignerContext interface {
	Address() common.Address
}

// BalanceReader returns the owner's balance of token in base units.
type BalanceReader interface {
	Balance(ctx context.Context, token model.Token, owner string) (*big.Int, error)
}

type Options struct {
	// RouteExecutor drives wallet routes step by step.
	RouteExecutor providers.RouteExecutor
	// Resolver, Allowance and Poller serve smart-account routes.
	Resolver  providers.StepResolver
	Allowance *allowance.Checker
	Poller    *settlement.Poller
	// Balances enables the balance check before an attempt starts.
	Balances          BalanceReader
	Prompt            RatePrompt
	RateAcceptTimeout time.Duration
	Reporters         []Reporter
	Logger            *zap.Logger
	Now               func() time.Time
}

// Engine runs at most one attempt at a time and owns the reported state.
type Engine struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    State
	latest   atomic.Pointer[State]
	gen      uint64
	cancel   context.CancelFunc
	consumed map[string]struct{}

	reportMu sync.Mutex
}

func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.RateAcceptTimeout <= 0 {
		opts.RateAcceptTimeout = DefaultRateAcceptTimeout
	}
	e := &Engine{
		opts:     opts,
		logger:   logger,
		now:      now,
		consumed: map[string]struct{}{},
	}
	e.setStateLocked(IdleState())
	return e
}

// Snapshot returns the latest committed state. It takes no engine lock.
func (e *Engine) Snapshot() State {
	return e.latest.Load().clone()
}

// setStateLocked must be called with e.mu held.
func (e *Engine) setStateLocked(st State) {
	e.state = st
	snap := st.clone()
	e.latest.Store(&snap)
}

// Attempt is a handle on one Execute call.
type Attempt struct {
	ID   string
	done chan struct{}

	final State
	err   error
}

// Done is closed once the attempt reaches success or error.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the attempt finishes or ctx ends. The returned state is
// the attempt's own final state, even when the engine has since been reset.
func (a *Attempt) Wait(ctx context.Context) (State, error) {
	select {
	case <-a.done:
		return a.final.clone(), a.err
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Execute validates route, picks the strategy for signerCtx and starts the
// attempt in the background. Progress is delivered to the reporters.
func (e *Engine) Execute(ctx context.Context, route model.Route, signerCtx SignerContext) (*Attempt, error) {
	e.mu.Lock()
	if e.state.Status == SwapStatusExecuting {
		e.mu.Unlock()
		return nil, clierr.New(clierr.CodeAlreadyExecuting, fmt.Sprintf("attempt %s is still executing", e.state.AttemptID))
	}
	if err := validateRoute(route); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if _, ok := e.consumed[route.ID]; ok {
		e.mu.Unlock()
		return nil, clierr.New(clierr.CodeRouteConsumed, fmt.Sprintf("route %s was already executed; request a new quote", route.ID))
	}
	strategy, err := e.selectStrategy(signerCtx)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	attempt := &Attempt{ID: uuid.NewString(), done: make(chan struct{})}
	started, err := Apply(e.state, AttemptStarted{
		AttemptID: attempt.ID,
		RouteID:   route.ID,
		Strategy:  strategy.Name(),
		Owner:     signerCtx.Address().Hex(),
		Steps:     strategy.Plan(route),
		At:        e.now(),
	})
	if err != nil {
		e.mu.Unlock()
		return nil, clierr.Wrap(clierr.CodeInternal, "start attempt", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	e.cancel = cancel
	e.consumed[route.ID] = struct{}{}
	e.setStateLocked(started)
	r := &run{
		engine:   e,
		gen:      e.gen,
		strategy: strategy.Name(),
		state:    started,
		logger:   e.logger,
	}
	e.publishLocked(started)

	e.logger.Info("engine.attempt_started",
		zap.String("attempt_id", attempt.ID),
		zap.String("route_id", route.ID),
		zap.String("strategy", strategy.Name()),
		zap.Int("steps", len(route.Steps)),
	)

	go func() {
		defer cancel()
		err := e.drive(runCtx, r, route, signerCtx, strategy)
		attempt.final = r.snapshot()
		attempt.err = err
		close(attempt.done)
	}()
	return attempt, nil
}

func (e *Engine) drive(ctx context.Context, r *run, route model.Route, signerCtx SignerContext, strategy Strategy) error {
	if err := e.checkBalance(ctx, route, signerCtx.Address()); err != nil {
		return r.finish(err)
	}
	r.started = true
	if err := strategy.Run(ctx, route, r); err != nil {
		return r.finish(err)
	}
	return r.finish(nil)
}

// Reset returns the engine to idle. The in-flight attempt, if any, is
// cancelled and its later events are no longer reported.
func (e *Engine) Reset() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	next := IdleState()
	next.Version = e.state.Version + 1
	e.setStateLocked(next)
	e.publishLocked(next)
}

// commit publishes st when it belongs to the current generation.
func (e *Engine) commit(gen uint64, st State) bool {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return false
	}
	e.setStateLocked(st)
	e.publishLocked(st)
	return true
}

// publishLocked releases e.mu and fans st out to the reporters while holding
// reportMu, so reporters observe commits in order.
func (e *Engine) publishLocked(st State) {
	e.reportMu.Lock()
	e.mu.Unlock()
	defer e.reportMu.Unlock()
	for _, rep := range e.opts.Reporters {
		rep.Report(st.clone())
	}
}

func (e *Engine) selectStrategy(signerCtx SignerContext) (Strategy, error) {
	switch s := signerCtx.(type) {
	case nil:
		return nil, clierr.New(clierr.CodeSigner, "execution requires a wallet or smart account")
	case signer.SmartAccount:
		if e.opts.Resolver == nil || e.opts.Allowance == nil || e.opts.Poller == nil {
			return nil, clierr.New(clierr.CodeInternal, "smart account execution is not configured")
		}
		return &smartAccountStrategy{
			account:   s,
			resolver:  e.opts.Resolver,
			allowance: e.opts.Allowance,
			poller:    e.opts.Poller,
			logger:    e.logger,
		}, nil
	case signer.Wallet:
		if e.opts.RouteExecutor == nil {
			return nil, clierr.New(clierr.CodeInternal, "wallet execution is not configured")
		}
		return &eoaStrategy{
			executor: e.opts.RouteExecutor,
			wallet:   s,
			prompt:   e.opts.Prompt,
			timeout:  e.opts.RateAcceptTimeout,
			logger:   e.logger,
		}, nil
	default:
		return nil, clierr.New(clierr.CodeSigner, fmt.Sprintf("unsupported signer %T", signerCtx))
	}
}

func (e *Engine) checkBalance(ctx context.Context, route model.Route, owner common.Address) error {
	if e.opts.Balances == nil {
		return nil
	}
	required, ok := new(big.Int).SetString(strings.TrimSpace(route.FromAmount), 10)
	if !ok {
		return clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("route fromAmount %q is not an integer", route.FromAmount))
	}
	balance, err := e.opts.Balances.Balance(ctx, route.FromToken, owner.Hex())
	if err != nil {
		e.logger.Warn("engine.balance_unknown",
			zap.String("token", route.FromToken.Address),
			zap.Int64("chain_id", route.FromToken.ChainID),
			zap.Error(err),
		)
		return nil
	}
	if balance.Cmp(required) < 0 {
		return clierr.New(clierr.CodeInsufficientBalance, fmt.Sprintf("insufficient %s balance: have %s, need %s", route.FromToken.Symbol, balance, required))
	}
	return nil
}

func validateRoute(route model.Route) error {
	if strings.TrimSpace(route.ID) == "" {
		return clierr.New(clierr.CodeMalformedQuote, "route has no id")
	}
	if len(route.Steps) == 0 {
		return clierr.New(clierr.CodeMalformedQuote, "route has no steps")
	}
	for i := 1; i < len(route.Steps); i++ {
		if route.Steps[i].FromChainID != route.Steps[i-1].ToChainID {
			return clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("step %d starts on chain %d but step %d ends on chain %d", i, route.Steps[i].FromChainID, i-1, route.Steps[i-1].ToChainID))
		}
	}
	first := route.Steps[0]
	if strings.TrimSpace(first.FromAmount) != strings.TrimSpace(route.FromAmount) {
		return clierr.New(clierr.CodeRouteConsumed, fmt.Sprintf("route is bound to amount %s, step requests %s", route.FromAmount, first.FromAmount))
	}
	if route.FromToken.Address != "" && !first.FromToken.Same(route.FromToken) {
		return clierr.New(clierr.CodeRouteConsumed, fmt.Sprintf("route is bound to token %s, step spends %s", route.FromToken.Key(), first.FromToken.Key()))
	}
	return nil
}

// run is the bookkeeping of one attempt. It keeps its own copy of the state so
// events keep applying after a reset, even though they are no longer
// published.
type run struct {
	engine   *Engine
	gen      uint64
	strategy string
	logger   *zap.Logger
	started  bool

	mu    sync.Mutex
	state State
}

func (r *run) apply(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := Apply(r.state, ev)
	if err != nil {
		r.logger.Error("engine.illegal_transition", zap.String("event", fmt.Sprintf("%T", ev)), zap.Error(err))
		return err
	}
	next.UpdatedAt = timestamp(r.engine.now())
	r.state = next
	if !r.engine.commit(r.gen, next) {
		r.logger.Debug("engine.event_dropped", zap.String("attempt_id", next.AttemptID), zap.String("event", fmt.Sprintf("%T", ev)))
	}
	return nil
}

func (r *run) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

// advanceTo completes every unfinished step before index so that index may
// start. It reports false when an earlier step has failed.
func (r *run) advanceTo(index int) bool {
	st := r.snapshot()
	for i := 0; i < index && i < len(st.Steps); i++ {
		switch st.Steps[i].Status {
		case StepStatusFailed:
			return false
		case StepStatusPending:
			if r.apply(StepActivated{Index: i}) != nil {
				return false
			}
			fallthrough
		case StepStatusActive:
			if r.apply(StepCompleted{Index: i}) != nil {
				return false
			}
		}
	}
	return true
}

func (r *run) activate(index int, txHash string, latest bool) {
	if !r.advanceTo(index) {
		return
	}
	if r.snapshot().Steps[index].Status == StepStatusPending {
		_ = r.apply(StepActivated{Index: index})
	}
	if txHash != "" {
		_ = r.apply(StepHashed{Index: index, TxHash: txHash, Latest: latest})
	}
}

func (r *run) complete(index int, txHash, message string, latest bool) {
	r.activate(index, txHash, latest)
	if r.snapshot().Steps[index].Status == StepStatusActive {
		_ = r.apply(StepCompleted{Index: index, Message: message})
	}
}

func (r *run) fail(index int, message string) {
	r.activate(index, "", false)
	if r.snapshot().Steps[index].Status == StepStatusActive {
		_ = r.apply(StepFailed{Index: index, Message: message})
	}
}

// finish moves the attempt to its terminal status.
func (r *run) finish(err error) error {
	st := r.snapshot()
	if err == nil {
		if len(st.Steps) > 0 {
			r.complete(len(st.Steps)-1, "", "", false)
		}
		if applyErr := r.apply(AttemptSucceeded{}); applyErr != nil {
			return clierr.Wrap(clierr.CodeInternal, "finish attempt", applyErr)
		}
		r.logger.Info("engine.attempt_succeeded", zap.String("attempt_id", st.AttemptID), zap.String("tx_hash", r.snapshot().TxHash))
		return nil
	}

	classified := Classify(err, r.strategy)
	switch idx := st.ActiveIndex(); {
	case idx >= 0:
		r.fail(idx, classified.Message)
	case r.started && !st.failed():
		for i, step := range st.Steps {
			if !step.Status.Terminal() {
				r.fail(i, classified.Message)
				break
			}
		}
	}
	if applyErr := r.apply(AttemptFailed{Err: classified}); applyErr != nil {
		r.logger.Error("engine.finish_failed", zap.Error(applyErr))
	}
	r.logger.Warn("engine.attempt_failed",
		zap.String("attempt_id", st.AttemptID),
		zap.String("kind", classified.Kind),
		zap.Error(err),
	)
	return classified.Err()
}
