package signer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
)

// LocalWallet is a Wallet backed by a local key. Chain switching only moves
// the active chain pointer since the key signs for any chain.
type LocalWallet struct {
	signer    Signer
	submitter *evm.Submitter

	mu      sync.Mutex
	chainID int64
}

func NewLocalWallet(s Signer, submitter *evm.Submitter, chainID int64) *LocalWallet {
	return &LocalWallet{signer: s, submitter: submitter, chainID: chainID}
}

func (w *LocalWallet) Address() common.Address {
	return w.signer.Address()
}

func (w *LocalWallet) ChainID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID
}

func (w *LocalWallet) SwitchChain(_ context.Context, chainID int64) error {
	if chainID <= 0 {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid chain id %d", chainID))
	}
	w.mu.Lock()
	w.chainID = chainID
	w.mu.Unlock()
	return nil
}

func (w *LocalWallet) SendTransaction(ctx context.Context, req TxRequest) (common.Hash, error) {
	active := w.ChainID()
	if req.ChainID != 0 && req.ChainID != active {
		return common.Hash{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("wallet is on chain %d but transaction targets chain %d", active, req.ChainID))
	}
	if !common.IsHexAddress(req.To) {
		return common.Hash{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid transaction target %q", req.To))
	}
	data, err := evm.DecodeHex(req.Data)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUsage, "decode transaction data", err)
	}
	value, err := ParseValue(req.Value)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUsage, "parse transaction value", err)
	}
	return w.submitter.Send(ctx, active, w.signer, evm.Call{
		To:    common.HexToAddress(req.To),
		Data:  data,
		Value: value,
	})
}

// ParseValue accepts decimal or 0x-prefixed hex wei values. Empty means zero.
func ParseValue(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return new(big.Int), nil
	}
	base := 10
	if strings.HasPrefix(clean, "0x") || strings.HasPrefix(clean, "0X") {
		clean = clean[2:]
		base = 16
		if clean == "" {
			return new(big.Int), nil
		}
	}
	out, ok := new(big.Int).SetString(clean, base)
	if !ok || out.Sign() < 0 {
		return nil, fmt.Errorf("invalid value %q", v)
	}
	return out, nil
}
