package allowance

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/evm"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/registry"
)

// BufferMultiplier sizes smart-account approvals at twice the required amount
// so repeat swaps of the same token and spender skip a fresh approval.
const BufferMultiplier = 2

var erc20ABI = mustABI(registry.ERC20MinimalABI)

// CallerSource hands out a read-only client for a chain.
type CallerSource interface {
	Caller(ctx context.Context, chainID int64) (ethereum.ContractCaller, error)
}

type Checker struct {
	source CallerSource
	logger *zap.Logger
}

func NewChecker(source CallerSource, logger *zap.Logger) *Checker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{source: source, logger: logger}
}

// Result is the outcome of one allowance read. Amount is nil for native assets.
type Result struct {
	Amount  *big.Int
	Native  bool
	Warning string
}

// Covers reports whether the allowance satisfies required.
func (r Result) Covers(required *big.Int) bool {
	if r.Native {
		return true
	}
	if r.Amount == nil {
		return required == nil || required.Sign() <= 0
	}
	return r.Amount.Cmp(required) >= 0
}

// Allowance reads allowance(owner, spender) on token. Native assets never need
// one. Read failures are reported as a zero allowance plus a warning so the
// caller approves rather than under-approves.
func (c *Checker) Allowance(ctx context.Context, chainID int64, token, owner, spender string) Result {
	if registry.IsNativeAddress(token) {
		return Result{Native: true}
	}
	amount, err := c.read(ctx, chainID, token, owner, spender)
	if err != nil {
		warning := fmt.Sprintf("allowance read failed for token %s on chain %d; assuming zero: %v", token, chainID, err)
		c.logger.Warn("allowance.read_failed",
			zap.Int64("chain_id", chainID),
			zap.String("token", token),
			zap.String("owner", owner),
			zap.String("spender", spender),
			zap.Error(err),
		)
		return Result{Amount: new(big.Int), Warning: warning}
	}
	return Result{Amount: amount}
}

func (c *Checker) read(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	if c.source == nil {
		return nil, fmt.Errorf("no rpc client source configured")
	}
	if !common.IsHexAddress(token) || !common.IsHexAddress(owner) || !common.IsHexAddress(spender) {
		return nil, fmt.Errorf("invalid token, owner or spender address")
	}
	caller, err := c.source.Caller(ctx, chainID)
	if err != nil {
		return nil, err
	}
	tokenAddr := common.HexToAddress(token)
	ownerAddr := common.HexToAddress(owner)
	data, err := erc20ABI.Pack("allowance", ownerAddr, common.HexToAddress(spender))
	if err != nil {
		return nil, fmt.Errorf("pack allowance call: %w", err)
	}
	raw, err := caller.CallContract(ctx, ethereum.CallMsg{From: ownerAddr, To: &tokenAddr, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := erc20ABI.Unpack("allowance", raw)
	if err != nil || len(out) == 0 {
		return nil, fmt.Errorf("decode allowance: %v", err)
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("invalid allowance response type")
	}
	return v, nil
}

// Request describes the approval a step needs before its main call.
type Request struct {
	ChainID  int64
	Token    model.Token
	Owner    string
	Spender  string
	Required *big.Int
	// Multiplier scales the approved amount; values below 1 approve exactly.
	Multiplier int64
}

// Plan returns the approve call the request needs, or nil when the current
// allowance already covers it or the token is native.
func (c *Checker) Plan(ctx context.Context, req Request) (*evm.Call, Result, error) {
	if registry.IsNativeAddress(req.Token.Address) {
		return nil, Result{Native: true}, nil
	}
	if req.Required == nil || req.Required.Sign() < 0 {
		return nil, Result{}, clierr.New(clierr.CodeUsage, "approval amount must be non-negative")
	}
	if !common.IsHexAddress(req.Spender) {
		return nil, Result{}, clierr.New(clierr.CodeStepUnresolvable, fmt.Sprintf("step has no valid approval address (%q)", req.Spender))
	}
	if !common.IsHexAddress(req.Token.Address) {
		return nil, Result{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid token address %q", req.Token.Address))
	}
	res := c.Allowance(ctx, req.ChainID, req.Token.Address, req.Owner, req.Spender)
	if res.Covers(req.Required) {
		return nil, res, nil
	}
	amount := ApprovalAmount(req.Required, req.Multiplier)
	data, err := PackApprove(common.HexToAddress(req.Spender), amount)
	if err != nil {
		return nil, res, err
	}
	return &evm.Call{
		To:    common.HexToAddress(req.Token.Address),
		Data:  data,
		Value: new(big.Int),
	}, res, nil
}

// ApprovalAmount is required scaled by multiplier, never below required.
func ApprovalAmount(required *big.Int, multiplier int64) *big.Int {
	if multiplier < 1 {
		multiplier = 1
	}
	return new(big.Int).Mul(required, big.NewInt(multiplier))
}

func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	return data, nil
}

// UnpackApprove decodes approve calldata into spender and amount.
func UnpackApprove(data []byte) (common.Address, *big.Int, error) {
	if len(data) < 4 {
		return common.Address{}, nil, fmt.Errorf("calldata too short")
	}
	method, err := erc20ABI.MethodById(data[:4])
	if err != nil || method.Name != "approve" {
		return common.Address{}, nil, fmt.Errorf("not an approve call")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return common.Address{}, nil, fmt.Errorf("decode approve args: %v", err)
	}
	spender, ok := args[0].(common.Address)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("invalid spender type")
	}
	amount, ok := args[1].(*big.Int)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("invalid amount type")
	}
	return spender, amount, nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
