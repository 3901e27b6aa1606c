package signer

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
	"github.com/ggonzalez94/routex/internal/registry"
)

var (
	smartAccountABI = mustABI(registry.SmartAccountABI)
	entryPointABI   = mustABI(registry.EntryPointABI)

	// dummySignature has the shape of an ECDSA signature so bundlers can
	// simulate validation during gas estimation.
	dummySignature = common.FromHex("0xfffffffffffffffffffffffffffffff0000000000000000000000000000000007aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa1c")
)

// UserOperation is the ERC-4337 v0.6 user operation in bundler JSON form.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// Hash is the EntryPoint v0.6 userOpHash for entryPoint on chainID.
func (op *UserOperation) Hash(entryPoint common.Address, chainID int64) common.Hash {
	packed := make([]byte, 0, 32*10)
	packed = append(packed, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	packed = append(packed, word(op.Nonce)...)
	packed = append(packed, crypto.Keccak256(op.InitCode)...)
	packed = append(packed, crypto.Keccak256(op.CallData)...)
	packed = append(packed, word(op.CallGasLimit)...)
	packed = append(packed, word(op.VerificationGasLimit)...)
	packed = append(packed, word(op.PreVerificationGas)...)
	packed = append(packed, word(op.MaxFeePerGas)...)
	packed = append(packed, word(op.MaxPriorityFeePerGas)...)
	packed = append(packed, crypto.Keccak256(op.PaymasterAndData)...)

	outer := make([]byte, 0, 32*3)
	outer = append(outer, crypto.Keccak256(packed)...)
	outer = append(outer, common.LeftPadBytes(entryPoint.Bytes(), 32)...)
	outer = append(outer, common.BigToHash(big.NewInt(chainID)).Bytes()...)
	return crypto.Keccak256Hash(outer)
}

func word(v *hexutil.Big) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.BigToHash(v.ToInt()).Bytes()
}

type gasEstimate struct {
	PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit         *hexutil.Big `json:"callGasLimit"`
}

type userOpReceipt struct {
	UserOpHash common.Hash `json:"userOpHash"`
	Success    bool        `json:"success"`
	Reason     string      `json:"reason"`
	Receipt    struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipt"`
}

type BundlerConfig struct {
	Owner   MessageSigner
	Account common.Address
	// EntryPoint defaults to the canonical v0.6 deployment.
	EntryPoint common.Address
	// BundlerURL may contain a {chainId} placeholder.
	BundlerURL     string
	BundlerURLs    map[int64]string
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
}

// BundlerAccount is a SmartAccount that submits batches through an ERC-4337
// bundler and waits for their inclusion.
type BundlerAccount struct {
	cfg     BundlerConfig
	clients *evm.Clients
	logger  *zap.Logger

	mu      sync.Mutex
	sendMu  sync.Mutex
	bundles map[int64]*rpc.Client
}

func NewBundlerAccount(cfg BundlerConfig, clients *evm.Clients, logger *zap.Logger) (*BundlerAccount, error) {
	if cfg.Owner == nil {
		return nil, clierr.New(clierr.CodeSigner, "smart account requires an owner signer")
	}
	if cfg.Account == (common.Address{}) {
		return nil, clierr.New(clierr.CodeUsage, "smart account address is required")
	}
	if cfg.EntryPoint == (common.Address{}) {
		cfg.EntryPoint = common.HexToAddress(registry.DefaultEntryPointAddress)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BundlerAccount{cfg: cfg, clients: clients, logger: logger, bundles: map[int64]*rpc.Client{}}, nil
}

func (a *BundlerAccount) Address() common.Address {
	return a.cfg.Account
}

// SendCalls packs calls into one user operation, submits it and returns the
// hash of the bundle transaction that included it.
func (a *BundlerAccount) SendCalls(ctx context.Context, chainID int64, calls []Call) (common.Hash, error) {
	if len(calls) == 0 {
		return common.Hash{}, clierr.New(clierr.CodeUsage, "smart account batch has no calls")
	}
	callData, err := packCalls(calls)
	if err != nil {
		return common.Hash{}, err
	}
	bundler, err := a.bundler(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}
	backend, err := a.clients.Backend(ctx, chainID)
	if err != nil {
		return common.Hash{}, err
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	nonce, err := a.entryPointNonce(ctx, backend)
	if err != nil {
		return common.Hash{}, err
	}
	tipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(1_000_000_000)
	}
	header, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap)

	op := &UserOperation{
		Sender:               a.cfg.Account,
		Nonce:                (*hexutil.Big)(nonce),
		InitCode:             hexutil.Bytes{},
		CallData:             callData,
		CallGasLimit:         (*hexutil.Big)(new(big.Int)),
		VerificationGasLimit: (*hexutil.Big)(new(big.Int)),
		PreVerificationGas:   (*hexutil.Big)(new(big.Int)),
		MaxFeePerGas:         (*hexutil.Big)(feeCap),
		MaxPriorityFeePerGas: (*hexutil.Big)(tipCap),
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            dummySignature,
	}
	entryPoint := a.cfg.EntryPoint.Hex()

	var est gasEstimate
	if err := bundler.CallContext(ctx, &est, "eth_estimateUserOperationGas", op, entryPoint); err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeActionSim, "estimate user operation gas", err)
	}
	if est.CallGasLimit == nil || est.VerificationGasLimit == nil || est.PreVerificationGas == nil {
		return common.Hash{}, clierr.New(clierr.CodeActionSim, "bundler returned an incomplete gas estimate")
	}
	op.CallGasLimit = est.CallGasLimit
	op.VerificationGasLimit = est.VerificationGasLimit
	op.PreVerificationGas = est.PreVerificationGas

	opHash := op.Hash(a.cfg.EntryPoint, chainID)
	sig, err := a.cfg.Owner.SignPersonal(opHash.Bytes())
	if err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeSigner, "sign user operation", err)
	}
	op.Signature = sig

	var submitted common.Hash
	if err := bundler.CallContext(ctx, &submitted, "eth_sendUserOperation", op, entryPoint); err != nil {
		return common.Hash{}, clierr.Wrap(clierr.CodeUnavailable, "send user operation", err)
	}
	a.logger.Info("smart_account.user_op_submitted",
		zap.Int64("chain_id", chainID),
		zap.String("user_op_hash", submitted.Hex()),
		zap.Int("calls", len(calls)),
	)
	return a.waitForInclusion(ctx, bundler, submitted)
}

func (a *BundlerAccount) waitForInclusion(ctx context.Context, bundler *rpc.Client, opHash common.Hash) (common.Hash, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var receipt *userOpReceipt
		err := bundler.CallContext(waitCtx, &receipt, "eth_getUserOperationReceipt", opHash)
		if err == nil && receipt != nil {
			if !receipt.Success {
				msg := "user operation reverted"
				if strings.TrimSpace(receipt.Reason) != "" {
					msg += ": " + receipt.Reason
				}
				return receipt.Receipt.TransactionHash, clierr.New(clierr.CodeStepFailed, msg)
			}
			return receipt.Receipt.TransactionHash, nil
		}
		if err != nil {
			a.logger.Debug("smart_account.receipt_poll_error", zap.String("user_op_hash", opHash.Hex()), zap.Error(err))
		}
		select {
		case <-waitCtx.Done():
			return common.Hash{}, clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for user operation receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (a *BundlerAccount) entryPointNonce(ctx context.Context, backend evm.Backend) (*big.Int, error) {
	data, err := entryPointABI.Pack("getNonce", a.cfg.Account, new(big.Int))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack getNonce call", err)
	}
	raw, err := backend.CallContract(ctx, ethereum.CallMsg{To: &a.cfg.EntryPoint, Data: data}, nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read entry point nonce", err)
	}
	out, err := entryPointABI.Unpack("getNonce", raw)
	if err != nil || len(out) == 0 {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "decode entry point nonce", err)
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, clierr.New(clierr.CodeUnavailable, "invalid entry point nonce type")
	}
	return nonce, nil
}

func (a *BundlerAccount) bundler(ctx context.Context, chainID int64) (*rpc.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.bundles[chainID]; ok {
		return c, nil
	}
	url := strings.TrimSpace(a.cfg.BundlerURLs[chainID])
	if url == "" {
		url = strings.ReplaceAll(strings.TrimSpace(a.cfg.BundlerURL), "{chainId}", strconv.FormatInt(chainID, 10))
	}
	if url == "" {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("no bundler url configured for chain %d", chainID))
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect bundler", err)
	}
	a.bundles[chainID] = c
	return c, nil
}

func (a *BundlerAccount) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, c := range a.bundles {
		c.Close()
		delete(a.bundles, id)
	}
}

// packCalls encodes a single call with execute and larger sets with
// executeBatch.
func packCalls(calls []Call) ([]byte, error) {
	if len(calls) == 1 {
		c := calls[0]
		data, err := smartAccountABI.Pack("execute", c.To, valueOrZero(c.Value), nonNilBytes(c.Data))
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeInternal, "pack execute calldata", err)
		}
		return data, nil
	}
	targets := make([]common.Address, 0, len(calls))
	values := make([]*big.Int, 0, len(calls))
	payloads := make([][]byte, 0, len(calls))
	for _, c := range calls {
		targets = append(targets, c.To)
		values = append(values, valueOrZero(c.Value))
		payloads = append(payloads, nonNilBytes(c.Data))
	}
	data, err := smartAccountABI.Pack("executeBatch", targets, values, payloads)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack executeBatch calldata", err)
	}
	return data, nil
}

func valueOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
