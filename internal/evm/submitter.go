package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

// TxSigner signs transactions for a single address.
type TxSigner interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Call is one contract call or value transfer.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

type SubmitOptions struct {
	Simulate           bool
	PollInterval       time.Duration
	ReceiptTimeout     time.Duration
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultSubmitOptions() SubmitOptions {
	return SubmitOptions{
		Simulate:       true,
		PollInterval:   2 * time.Second,
		ReceiptTimeout: 5 * time.Minute,
		GasMultiplier:  1.2,
	}
}

// Submitter builds, signs and broadcasts EIP-1559 transactions and waits for
// their receipts.
type Submitter struct {
	clients *Clients
	opts    SubmitOptions
	logger  *zap.Logger
}

func NewSubmitter(clients *Clients, opts SubmitOptions, logger *zap.Logger) *Submitter {
	defaults := DefaultSubmitOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaults.ReceiptTimeout
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = defaults.GasMultiplier
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{clients: clients, opts: opts, logger: logger}
}

// Send submits call on chainID and blocks until it is mined. A reverted
// receipt is reported as a failed step.
func (s *Submitter) Send(ctx context.Context, chainID int64, txSigner TxSigner, call Call) (common.Hash, error) {
	if txSigner == nil {
		return common.Hash{}, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if call.To == (common.Address{}) {
		return common.Hash{}, clierr.New(clierr.CodeUsage, "missing transaction target")
	}
	client, err := s.clients.Backend(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	rpcChainID, err := client.ChainID(ctx)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if rpcChainID.Int64() != chainID {
		return common.Hash{}, clierr.New(clierr.CodeActionPlan, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", chainID, rpcChainID.Int64()))
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	from := txSigner.Address()
	msg := ethereum.CallMsg{From: from, To: &call.To, Value: value, Data: call.Data}

	if s.opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionSim, "simulate transaction (eth_call)", err)
		}
	}
	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * s.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, client, s.opts.MaxPriorityFeeGwei)
	if err != nil {
		return common.Hash{}, err
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, s.opts.MaxFeeGwei)
	if err != nil {
		return common.Hash{}, err
	}

	unlock := acquireSignerNonceLock(rpcChainID, from)
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		unlock()
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   rpcChainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &call.To,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := txSigner.SignTx(rpcChainID, tx)
	if err != nil {
		unlock()
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		unlock()
		return common.Hash{}, wrapEVMExecutionError(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	unlock()
	s.logger.Info("evm.tx_submitted",
		zap.Int64("chain_id", chainID),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce),
	)

	if err := s.waitReceipt(ctx, client, signed.Hash()); err != nil {
		return signed.Hash(), err
	}
	return signed.Hash(), nil
}

func (s *Submitter) waitReceipt(ctx context.Context, client Backend, hash common.Hash) error {
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return clierr.New(clierr.CodeStepFailed, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
		}
		if waitCtx.Err() != nil {
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func resolveTipCap(ctx context.Context, client Backend, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max priority fee", err)
		}
		return v, nil
	}
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse max fee", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "max fee must be >= max priority fee")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}

// DecodeHex accepts 0x-prefixed or bare hex and odd-length input.
func DecodeHex(v string) ([]byte, error) {
	return hexDecode(v)
}

func hexDecode(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(clean, "0x")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
