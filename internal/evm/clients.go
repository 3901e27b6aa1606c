package evm

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/registry"
)

// Backend is the slice of the JSON-RPC client the engine relies on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

type DialFunc func(ctx context.Context, rpcURL string) (Backend, error)

func dialEthclient(ctx context.Context, rpcURL string) (Backend, error) {
	return ethclient.DialContext(ctx, rpcURL)
}

// Clients hands out one RPC backend per chain, dialed lazily and reused.
type Clients struct {
	mu        sync.Mutex
	overrides map[int64]string
	dial      DialFunc
	backends  map[int64]Backend
	logger    *zap.Logger
}

func NewClients(overrides map[int64]string, logger *zap.Logger) *Clients {
	if logger == nil {
		logger = zap.NewNop()
	}
	copied := make(map[int64]string, len(overrides))
	for k, v := range overrides {
		copied[k] = v
	}
	return &Clients{
		overrides: copied,
		dial:      dialEthclient,
		backends:  map[int64]Backend{},
		logger:    logger,
	}
}

// WithDialer replaces how backends are created. Intended for tests and
// alternative transports.
func (c *Clients) WithDialer(dial DialFunc) *Clients {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dial = dial
	return c
}

func (c *Clients) Backend(ctx context.Context, chainID int64) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.backends[chainID]; ok {
		return b, nil
	}
	rpcURL, err := registry.ResolveRPCURL(c.overrides, chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	b, err := c.dial(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	c.logger.Debug("evm.dial", zap.Int64("chain_id", chainID), zap.String("rpc_url", rpcURL))
	c.backends[chainID] = b
	return b, nil
}

// Caller satisfies allowance and balance readers that only need eth_call.
func (c *Clients) Caller(ctx context.Context, chainID int64) (ethereum.ContractCaller, error) {
	return c.Backend(ctx, chainID)
}

// StateReader covers the reads needed for balances: eth_getBalance and eth_call.
type StateReader interface {
	ethereum.ContractCaller
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

func (c *Clients) StateReader(ctx context.Context, chainID int64) (StateReader, error) {
	return c.Backend(ctx, chainID)
}

func (c *Clients) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, b := range c.backends {
		if closer, ok := b.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(c.backends, id)
	}
}
