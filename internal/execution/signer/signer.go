package signer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ggonzalez94/routex/internal/evm"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// MessageSigner produces EIP-191 personal signatures.
type MessageSigner interface {
	Address() common.Address
	SignPersonal(data []byte) ([]byte, error)
}

// TxRequest is an executable step payload as returned by the quote provider.
type TxRequest struct {
	ChainID int64
	To      string
	Data    string
	Value   string
}

// Wallet is an externally-owned account that signs and submits one
// transaction at a time on its active chain.
type Wallet interface {
	Address() common.Address
	ChainID() int64
	SwitchChain(ctx context.Context, chainID int64) error
	SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error)
}

type Call = evm.Call

// SmartAccount submits a set of calls as one atomic user operation.
type SmartAccount interface {
	Address() common.Address
	SendCalls(ctx context.Context, chainID int64, calls []Call) (common.Hash, error)
}
