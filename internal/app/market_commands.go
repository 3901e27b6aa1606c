package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggonzalez94/routex/internal/amount"
	"github.com/ggonzalez94/routex/internal/cache"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/settlement"
)

const chainsTTL = time.Hour

// swapFlags are shared by quote, routes and execute.
type swapFlags struct {
	fromChain   string
	toChain     string
	fromToken   string
	toToken     string
	amount      string
	amountBase  string
	fromAddress string
	toAddress   string
	slippage    float64
}

func (f *swapFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.fromChain, "from-chain", "", "Source chain (id, key or CAIP-2)")
	cmd.Flags().StringVar(&f.toChain, "to-chain", "", "Destination chain (defaults to --from-chain)")
	cmd.Flags().StringVar(&f.fromToken, "from-token", "", "Source token symbol or address")
	cmd.Flags().StringVar(&f.toToken, "to-token", "", "Destination token symbol or address")
	cmd.Flags().StringVar(&f.amount, "amount", "", "Amount in decimal units (e.g. 1.5)")
	cmd.Flags().StringVar(&f.amountBase, "amount-base", "", "Amount in base units")
	cmd.Flags().StringVar(&f.fromAddress, "from-address", "", "Sender address")
	cmd.Flags().StringVar(&f.toAddress, "to-address", "", "Recipient address (defaults to sender)")
	cmd.Flags().Float64Var(&f.slippage, "slippage", 0, "Max slippage as a fraction (default from config, 0.005)")
	_ = cmd.MarkFlagRequired("from-chain")
	_ = cmd.MarkFlagRequired("from-token")
	_ = cmd.MarkFlagRequired("to-token")
}

// request resolves chains, tokens and the amount into a provider request.
func (s *runtimeState) request(ctx context.Context, f swapFlags) (providers.QuoteRequest, error) {
	fromChain, err := s.chains.Parse(f.fromChain)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	toChain := fromChain
	if strings.TrimSpace(f.toChain) != "" {
		if toChain, err = s.chains.Parse(f.toChain); err != nil {
			return providers.QuoteRequest{}, err
		}
	}
	fromToken, err := s.tokens.Find(ctx, fromChain.ID, f.fromToken)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	toToken, err := s.tokens.Find(ctx, toChain.ID, f.toToken)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	base, _, err := amount.Normalize(f.amountBase, f.amount, fromToken.Decimals)
	if err != nil {
		return providers.QuoteRequest{}, err
	}
	slippage := f.slippage
	if slippage <= 0 {
		slippage = s.settings.Slippage
	}
	return providers.QuoteRequest{
		FromChainID: fromChain.ID,
		ToChainID:   toChain.ID,
		FromToken:   fromToken.Address,
		ToToken:     toToken.Address,
		FromAmount:  base,
		FromAddress: strings.TrimSpace(f.fromAddress),
		ToAddress:   strings.TrimSpace(f.toAddress),
		Slippage:    slippage,
	}, nil
}

func (s *runtimeState) newChainsCommand() *cobra.Command {
	root := &cobra.Command{Use: "chains", Short: "Supported chains"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List EVM chains supported by the route provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			start := time.Now()
			policy := cache.Policy{TTL: chainsTTL, MaxStale: s.settings.MaxStale, NoStale: s.settings.NoStale}
			payload, cacheStatus, err := s.cache.ReadThrough(ctx, cache.Key("chains", nil), policy, func(ctx context.Context) ([]byte, error) {
				fetched, err := s.lifi.Chains(ctx)
				if err != nil {
					return nil, err
				}
				return json.Marshal(fetched)
			})
			statuses := []model.ProviderStatus{{Name: s.lifi.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			var warnings []string
			if err != nil {
				if !clierr.HasCode(err, clierr.CodeUnavailable) && !clierr.HasCode(err, clierr.CodeRateLimited) {
					s.captureCommandDiagnostics(nil, statuses)
					return err
				}
				warnings = append(warnings, "route provider unavailable; showing built-in chain list")
				return s.emitSuccess(path, s.chains.All(), warnings, cacheStatus, statuses)
			}
			var fetched []registry.Chain
			if err := json.Unmarshal(payload, &fetched); err != nil {
				return clierr.Wrap(clierr.CodeInternal, "decode chain list", err)
			}
			if cacheStatus.Stale {
				warnings = append(warnings, "provider fetch failed; serving stale data within max-stale budget")
			}
			s.chains = s.chains.Merge(fetched)
			return s.emitSuccess(path, s.chains.All(), warnings, cacheStatus, statuses)
		},
	}
	root.AddCommand(list)
	return root
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	root := &cobra.Command{Use: "tokens", Short: "Token lists and balances"}
	var chainArg, ownerArg, symbolArg string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List tokens on a chain, optionally with an owner's balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			chain, err := s.chains.Parse(chainArg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()

			start := time.Now()
			list, cacheStatus, err := s.tokens.Tokens(ctx, chain.ID)
			statuses := []model.ProviderStatus{{Name: s.lifi.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses)
				return err
			}
			list = filterTokens(list, symbolArg, limit)

			if strings.TrimSpace(ownerArg) == "" {
				return s.emitSuccess(path, list, nil, cacheStatus, statuses)
			}
			withBalances, warnings, err := s.tokens.WithBalances(ctx, ownerArg, list)
			if err != nil {
				s.captureCommandDiagnostics(warnings, statuses)
				return err
			}
			return s.emitSuccess(path, withBalances, warnings, cacheStatus, statuses)
		},
	}
	list.Flags().StringVar(&chainArg, "chain", "", "Chain (id, key or CAIP-2)")
	list.Flags().StringVar(&ownerArg, "owner", "", "Read balances for this address")
	list.Flags().StringVar(&symbolArg, "symbol", "", "Filter by symbol (case-insensitive substring)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum tokens to return (0 for all)")
	_ = list.MarkFlagRequired("chain")
	root.AddCommand(list)
	return root
}

func filterTokens(list []model.Token, symbol string, limit int) []model.Token {
	symbol = strings.ToLower(strings.TrimSpace(symbol))
	out := make([]model.Token, 0, len(list))
	for _, tok := range list {
		if symbol != "" && !strings.Contains(strings.ToLower(tok.Symbol), symbol) {
			continue
		}
		out = append(out, tok)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (s *runtimeState) newQuoteCommand() *cobra.Command {
	var flags swapFlags
	cmd := &cobra.Command{
		Use:   "quote",
		Short: "Get the best quote for a swap or bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			req, err := s.request(ctx, flags)
			if err != nil {
				return err
			}
			start := time.Now()
			q, err := s.lifi.Quote(ctx, req)
			statuses := []model.ProviderStatus{{Name: s.lifi.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses)
				return err
			}
			return s.emitSuccess(path, q, nil, cacheMetaBypass(), statuses)
		},
	}
	flags.bind(cmd)
	return cmd
}

func (s *runtimeState) newRoutesCommand() *cobra.Command {
	var flags swapFlags
	var limit int
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "List alternative multi-step routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			req, err := s.request(ctx, flags)
			if err != nil {
				return err
			}
			start := time.Now()
			raws, err := s.lifi.GetRoutes(ctx, req)
			statuses := []model.ProviderStatus{{Name: s.lifi.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses)
				return err
			}
			var warnings []string
			routes := make([]model.Route, 0, len(raws))
			for _, raw := range raws {
				route, err := s.lifi.ConvertQuoteToRoute(raw)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("skipped route %s: %v", raw.ID, err))
					continue
				}
				routes = append(routes, route)
				if limit > 0 && len(routes) == limit {
					break
				}
			}
			return s.emitSuccess(path, routes, warnings, cacheMetaBypass(), statuses)
		},
	}
	flags.bind(cmd)
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum routes to return (0 for all)")
	return cmd
}

func (s *runtimeState) newStatusCommand() *cobra.Command {
	var txHash, fromChain, toChain, bridge string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check the settlement status of a submitted transaction",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			q := settlement.Query{TxHash: strings.TrimSpace(txHash), Bridge: strings.TrimSpace(bridge)}
			if strings.TrimSpace(fromChain) != "" {
				chain, err := s.chains.Parse(fromChain)
				if err != nil {
					return err
				}
				q.FromChainID = chain.ID
			}
			if strings.TrimSpace(toChain) != "" {
				chain, err := s.chains.Parse(toChain)
				if err != nil {
					return err
				}
				q.ToChainID = chain.ID
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.settings.Timeout)
			defer cancel()
			start := time.Now()
			res, err := s.lifi.GetStatus(ctx, q)
			statuses := []model.ProviderStatus{{Name: s.lifi.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
			if err != nil {
				s.captureCommandDiagnostics(nil, statuses)
				return err
			}
			return s.emitSuccess(path, res, nil, cacheMetaBypass(), statuses)
		},
	}
	cmd.Flags().StringVar(&txHash, "tx-hash", "", "Source transaction hash")
	cmd.Flags().StringVar(&fromChain, "from-chain", "", "Source chain")
	cmd.Flags().StringVar(&toChain, "to-chain", "", "Destination chain")
	cmd.Flags().StringVar(&bridge, "bridge", "", "Bridge tool name")
	_ = cmd.MarkFlagRequired("tx-hash")
	return cmd
}
