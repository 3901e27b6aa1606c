package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ggonzalez94/routex/internal/allowance"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/schema"
	"github.com/ggonzalez94/routex/internal/settlement"
)

const (
	walletEOA   = "eoa"
	walletSmart = "smart"

	interruptGrace = 10 * time.Second
)

var walletStrategies = map[string]string{
	walletEOA:   execution.StrategyEOA,
	walletSmart: execution.StrategySmartAccount,
}

type executeFlags struct {
	swap              swapFlags
	wallet            string
	keySource         string
	privateKey        string
	confirmAddress    string
	smartAccount      string
	routeIndex        int
	yes               bool
	acceptRateChanges bool
	simulate          bool
}

func (s *runtimeState) newExecuteCommand() *cobra.Command {
	var flags executeFlags
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Quote and execute a swap or bridge route",
		Annotations: map[string]string{
			schema.AnnotationMutating: "true",
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.runExecute(trimRootPath(cmd.CommandPath()), flags)
		},
	}
	flags.swap.bind(cmd)
	cmd.Flags().StringVar(&flags.wallet, "wallet", walletEOA, "Signing wallet (eoa|smart)")
	cmd.Flags().StringVar(&flags.keySource, "key-source", signer.KeySourceAuto, "Private key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&flags.privateKey, "private-key", "", "Hex private key (overrides --key-source; prefer env or key file)")
	cmd.Flags().StringVar(&flags.confirmAddress, "confirm-address", "", "Abort unless the signer resolves to this address")
	cmd.Flags().StringVar(&flags.smartAccount, "smart-account", "", "Smart account address (defaults to config)")
	cmd.Flags().IntVar(&flags.routeIndex, "route-index", -1, "Execute this entry from 'routes' instead of the best quote")
	cmd.Flags().BoolVar(&flags.yes, "yes", false, "Confirm that transactions should be signed and broadcast")
	cmd.Flags().BoolVar(&flags.acceptRateChanges, "accept-rate-changes", false, "Accept rate changes without prompting")
	cmd.Flags().BoolVar(&flags.simulate, "simulate", true, "Simulate each transaction before broadcast")
	return cmd
}

func (s *runtimeState) runExecute(path string, flags executeFlags) error {
	if !flags.yes {
		return clierr.New(clierr.CodeUsage, "execute signs and broadcasts transactions; pass --yes to confirm")
	}
	strategy, ok := walletStrategies[strings.ToLower(strings.TrimSpace(flags.wallet))]
	if !ok {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported wallet %q (use %s|%s)", flags.wallet, walletEOA, walletSmart))
	}

	local, err := signer.NewLocalSignerFromInputs(flags.keySource, flags.privateKey)
	if err != nil {
		return clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	if want := strings.TrimSpace(flags.confirmAddress); want != "" {
		if !common.IsHexAddress(want) || !strings.EqualFold(common.HexToAddress(want).Hex(), local.Address().Hex()) {
			return clierr.New(clierr.CodeSigner, fmt.Sprintf("signer address %s does not match --confirm-address %s", local.Address().Hex(), want))
		}
	}

	s.logger.Debug("execute.signer_loaded", zap.String("address", local.Address().Hex()), zap.String("origin", local.Origin()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	signerCtx, sender, closeSigner, err := s.buildSignerContext(strategy, local, flags)
	if err != nil {
		return err
	}
	defer closeSigner()

	swap := flags.swap
	if strings.TrimSpace(swap.fromAddress) == "" {
		swap.fromAddress = sender
	} else if !strings.EqualFold(swap.fromAddress, sender) {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("--from-address %s does not match the executing account %s", swap.fromAddress, sender))
	}

	route, statuses, err := s.fetchRoute(ctx, swap, flags.routeIndex)
	if err != nil {
		s.captureCommandDiagnostics(nil, statuses)
		return err
	}

	checker := allowance.NewChecker(s.clients, s.logger.Named("allowance"))
	poller := &settlement.Poller{
		Source:      providers.SettlementSource(s.lifi),
		Clock:       settlement.SystemClock(),
		Interval:    s.settings.PollInterval,
		MaxAttempts: s.settings.PollAttempts,
		Policy:      s.settings.SettlementPolicy,
		Logger:      s.logger.Named("settlement"),
	}
	s.lifi.WithExecution(checker, poller)

	prompt := execution.RatePrompt(newTerminalPrompt(s.runner.stdin, s.runner.stderr))
	if flags.acceptRateChanges {
		prompt = acceptAllPrompt()
	}
	reporters := []execution.Reporter{newProgressReporter(s.runner.stderr)}
	if s.journal != nil {
		reporters = append([]execution.Reporter{s.journal}, reporters...)
	}

	engine := execution.NewEngine(execution.Options{
		RouteExecutor:     s.lifi,
		Resolver:          s.lifi,
		Allowance:         checker,
		Poller:            poller,
		Balances:          s.tokens,
		Prompt:            prompt,
		RateAcceptTimeout: s.settings.RateAcceptTimeout,
		Reporters:         reporters,
		Logger:            s.logger.Named("engine"),
		Now:               s.runner.now,
	})

	attempt, err := engine.Execute(ctx, route, signerCtx)
	if err != nil {
		s.captureCommandDiagnostics(nil, statuses)
		return err
	}
	final, err := attempt.Wait(ctx)
	if err != nil && final.AttemptID == "" {
		journalInterrupted(engine, attempt, s.journal, s.logger)
		s.captureCommandDiagnostics(nil, statuses)
		return clierr.Wrap(clierr.CodeActionTimeout, fmt.Sprintf("attempt %s interrupted", attempt.ID), err)
	}
	if final.Err != nil {
		s.captureCommandDiagnostics([]string{fmt.Sprintf("attempt %s recorded; inspect with 'history get %s'", final.AttemptID, final.AttemptID)}, statuses)
		return final.Err.Err()
	}
	return s.emitSuccess(path, final, nil, cacheMetaBypass(), statuses)
}

// journalInterrupted resets the engine and records the cancelled attempt's
// final state, which the reset keeps from reaching the reporters.
func journalInterrupted(engine *execution.Engine, attempt *execution.Attempt, journal *execution.Store, logger *zap.Logger) {
	engine.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), interruptGrace)
	defer cancel()
	final, _ := attempt.Wait(ctx)
	if final.AttemptID == "" || journal == nil {
		return
	}
	if err := journal.Save(final); err != nil {
		logger.Warn("execute.journal_interrupted_failed", zap.String("attempt_id", final.AttemptID), zap.Error(err))
	}
}

// buildSignerContext returns the engine's signer context and the address that
// sends the route's transactions.
func (s *runtimeState) buildSignerContext(strategy string, local *signer.LocalSigner, flags executeFlags) (execution.SignerContext, string, func(), error) {
	if strategy == execution.StrategyEOA {
		opts := evm.DefaultSubmitOptions()
		opts.Simulate = flags.simulate
		if s.settings.ReceiptTimeout > 0 {
			opts.ReceiptTimeout = s.settings.ReceiptTimeout
		}
		if s.settings.GasMultiplier > 0 {
			opts.GasMultiplier = s.settings.GasMultiplier
		}
		submitter := evm.NewSubmitter(s.clients, opts, s.logger.Named("submitter"))
		chainID, err := s.chains.Parse(flags.swap.fromChain)
		if err != nil {
			return nil, "", nil, err
		}
		wallet := signer.NewLocalWallet(local, submitter, chainID.ID)
		return wallet, local.Address().Hex(), func() {}, nil
	}

	accountArg := strings.TrimSpace(flags.smartAccount)
	if accountArg == "" {
		accountArg = s.settings.SmartAccountAddress
	}
	if !common.IsHexAddress(accountArg) {
		return nil, "", nil, clierr.New(clierr.CodeUsage, "--wallet smart requires --smart-account or ROUTEX_SMART_ACCOUNT")
	}
	if strings.TrimSpace(s.settings.BundlerURL) == "" {
		return nil, "", nil, clierr.New(clierr.CodeUsage, "--wallet smart requires a bundler URL (ROUTEX_BUNDLER_URL)")
	}
	cfg := signer.BundlerConfig{
		Owner:          local,
		Account:        common.HexToAddress(accountArg),
		BundlerURL:     s.settings.BundlerURL,
		PollInterval:   s.settings.PollInterval,
		ReceiptTimeout: s.settings.ReceiptTimeout,
	}
	if common.IsHexAddress(s.settings.EntryPoint) {
		cfg.EntryPoint = common.HexToAddress(s.settings.EntryPoint)
	}
	account, err := signer.NewBundlerAccount(cfg, s.clients, s.logger.Named("bundler"))
	if err != nil {
		return nil, "", nil, err
	}
	return account, account.Address().Hex(), account.Close, nil
}

// fetchRoute requests a fresh route for the swap. A non-negative index picks
// from the alternative routes instead of the single best quote.
func (s *runtimeState) fetchRoute(ctx context.Context, swap swapFlags, index int) (model.Route, []model.ProviderStatus, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	req, err := s.request(reqCtx, swap)
	if err != nil {
		return model.Route{}, nil, err
	}

	name := s.lifi.Info().Name
	if index < 0 {
		q, err := s.lifi.Quote(reqCtx, req)
		statuses := []model.ProviderStatus{{Name: name, Status: statusFromErr(err)}}
		if err != nil {
			return model.Route{}, statuses, err
		}
		return q.Route, statuses, nil
	}

	raws, err := s.lifi.GetRoutes(reqCtx, req)
	statuses := []model.ProviderStatus{{Name: name, Status: statusFromErr(err)}}
	if err != nil {
		return model.Route{}, statuses, err
	}
	if index >= len(raws) {
		return model.Route{}, statuses, clierr.New(clierr.CodeUsage, fmt.Sprintf("route index %d out of range (%d routes)", index, len(raws)))
	}
	route, err := s.lifi.ConvertQuoteToRoute(raws[index])
	if err != nil {
		return model.Route{}, statuses, err
	}
	s.logger.Debug("execute.route_selected", zap.String("route_id", route.ID), zap.Int("index", index))
	return route, statuses, nil
}
