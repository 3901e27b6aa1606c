package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/routex/internal/cache"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/registry"
)

const (
	DefaultTTL = 10 * time.Minute

	balanceConcurrency = 8
)

var erc20ABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(registry.ERC20MinimalABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Source lists tokens per chain.
type Source interface {
	Tokens(ctx context.Context, chainIDs []int64) (map[int64][]model.Token, error)
}

// ReaderSource hands out a state reader per chain.
type ReaderSource interface {
	StateReader(ctx context.Context, chainID int64) (evm.StateReader, error)
}

type Catalog struct {
	source  Source
	readers ReaderSource
	chains  *registry.Catalog
	store   *cache.Store
	policy  cache.Policy
	logger  *zap.Logger

	mu     sync.RWMutex
	loaded map[int64][]model.Token
}

func NewCatalog(source Source, readers ReaderSource, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{
		source:  source,
		readers: readers,
		chains:  registry.DefaultCatalog(),
		policy:  cache.Policy{TTL: DefaultTTL, MaxStale: -1},
		logger:  logger,
		loaded:  map[int64][]model.Token{},
	}
}

// WithCache stores token lists in the response cache.
func (c *Catalog) WithCache(store *cache.Store, maxStale time.Duration, noStale bool) *Catalog {
	c.store = store
	c.policy = cache.Policy{TTL: DefaultTTL, MaxStale: maxStale, NoStale: noStale}
	return c
}

func (c *Catalog) WithChains(chains *registry.Catalog) *Catalog {
	if chains != nil {
		c.chains = chains
	}
	return c
}

// Tokens returns the token list for chainID. The chain's native token is
// always present. The returned slice is a copy.
func (c *Catalog) Tokens(ctx context.Context, chainID int64) ([]model.Token, model.CacheStatus, error) {
	if c.source == nil {
		return nil, model.CacheStatus{}, clierr.New(clierr.CodeUnsupported, "token catalog has no source")
	}
	key := cache.Key("tokens", map[string]any{"chain_id": chainID})
	payload, status, err := c.store.ReadThrough(ctx, key, c.policy, func(ctx context.Context) ([]byte, error) {
		byChain, err := c.source.Tokens(ctx, []int64{chainID})
		if err != nil {
			return nil, err
		}
		return json.Marshal(byChain[chainID])
	})
	if err != nil {
		return nil, status, err
	}
	var list []model.Token
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, status, clierr.Wrap(clierr.CodeInternal, "decode token list", err)
	}
	list = c.withNative(chainID, list)

	c.mu.Lock()
	c.loaded[chainID] = list
	c.mu.Unlock()
	return append([]model.Token(nil), list...), status, nil
}

func (c *Catalog) withNative(chainID int64, list []model.Token) []model.Token {
	chain, ok := c.chains.Chain(chainID)
	if !ok {
		return list
	}
	for _, tok := range list {
		if registry.IsNativeAddress(tok.Address) {
			return list
		}
	}
	return append([]model.Token{chain.NativeToken}, list...)
}

// Find resolves a symbol or address on chainID. Addresses match
// case-insensitively; a symbol shared by several tokens is ambiguous.
func (c *Catalog) Find(ctx context.Context, chainID int64, symbolOrAddress string) (model.Token, error) {
	query := strings.TrimSpace(symbolOrAddress)
	if query == "" {
		return model.Token{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	c.mu.RLock()
	list, ok := c.loaded[chainID]
	c.mu.RUnlock()
	if !ok {
		var err error
		if list, _, err = c.Tokens(ctx, chainID); err != nil {
			return model.Token{}, err
		}
	}

	if common.IsHexAddress(query) {
		want := model.TokenKey(chainID, query)
		for _, tok := range list {
			if tok.Key() == want {
				return tok, nil
			}
			if registry.IsNativeAddress(query) && registry.IsNativeAddress(tok.Address) {
				return tok, nil
			}
		}
		return model.Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("token %s not found on chain %d", query, chainID))
	}

	var matches []model.Token
	for _, tok := range list {
		if strings.EqualFold(tok.Symbol, query) {
			matches = append(matches, tok)
		}
	}
	switch len(matches) {
	case 0:
		return model.Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("token %s not found on chain %d", query, chainID))
	case 1:
		return matches[0], nil
	default:
		return model.Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("token symbol %s is ambiguous on chain %d; pass the address", query, chainID))
	}
}

// Balance reads the owner's balance of token in base units.
func (c *Catalog) Balance(ctx context.Context, token model.Token, owner string) (*big.Int, error) {
	if c.readers == nil {
		return nil, clierr.New(clierr.CodeUnsupported, "token catalog has no chain reader")
	}
	if !common.IsHexAddress(owner) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid owner address %q", owner))
	}
	reader, err := c.readers.StateReader(ctx, token.ChainID)
	if err != nil {
		return nil, err
	}
	account := common.HexToAddress(owner)
	if registry.IsNativeAddress(token.Address) {
		bal, err := reader.BalanceAt(ctx, account, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "read native balance", err)
		}
		return bal, nil
	}

	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack balanceOf", err)
	}
	tokenAddr := common.HexToAddress(token.Address)
	out, err := reader.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read token balance", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode token balance", err)
	}
	bal, ok := values[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "decode token balance: unexpected type")
	}
	return bal, nil
}

// WithBalances reads balances for every token concurrently and returns a new
// slice in input order. A failed read yields a zero balance and a warning.
func (c *Catalog) WithBalances(ctx context.Context, owner string, list []model.Token) ([]model.TokenWithBalance, []string, error) {
	out := make([]model.TokenWithBalance, len(list))
	failures := make([]string, len(list))

	var g errgroup.Group
	g.SetLimit(balanceConcurrency)
	for i, tok := range list {
		i, tok := i, tok
		g.Go(func() error {
			entry := model.TokenWithBalance{Token: tok, Balance: "0"}
			bal, err := c.Balance(ctx, tok, owner)
			if err != nil {
				c.logger.Warn("tokens.balance_failed",
					zap.Int64("chain_id", tok.ChainID),
					zap.String("token", tok.Address),
					zap.String("owner", owner),
					zap.Error(err),
				)
				failures[i] = fmt.Sprintf("balance read failed for %s on chain %d: %v", tok.Symbol, tok.ChainID, err)
			} else {
				entry.Balance = bal.String()
				entry.BalanceUSD = balanceUSD(bal, tok)
			}
			out[i] = entry
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeActionTimeout, "read balances", err)
	}

	var warnings []string
	for _, w := range failures {
		if w != "" {
			warnings = append(warnings, w)
		}
	}
	return out, warnings, nil
}

func balanceUSD(bal *big.Int, tok model.Token) string {
	price, err := decimal.NewFromString(strings.TrimSpace(tok.PriceUSD))
	if err != nil {
		return ""
	}
	amount := decimal.NewFromBigInt(bal, int32(-tok.Decimals))
	return amount.Mul(price).StringFixed(2)
}
