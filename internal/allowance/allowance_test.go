package allowance

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/registry"
)

const (
	owner   = "0x00000000000000000000000000000000000000aa"
	spender = "0x1231DEB6f5749EF6cE6943a275A1D3E7486F4EaE"
	usdc    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
)

type fakeCaller struct {
	allowance *big.Int
	err       error
	calls     int
	lastTo    common.Address
}

func (f *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	if msg.To != nil {
		f.lastTo = *msg.To
	}
	if f.err != nil {
		return nil, f.err
	}
	return erc20ABI.Methods["allowance"].Outputs.Pack(f.allowance)
}

type fakeSource struct{ caller *fakeCaller }

func (s fakeSource) Caller(context.Context, int64) (ethereum.ContractCaller, error) {
	return s.caller, nil
}

func TestAllowanceNativeSkipsRPC(t *testing.T) {
	caller := &fakeCaller{}
	c := NewChecker(fakeSource{caller}, nil)
	for _, addr := range []string{registry.NativeZeroAddress, "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"} {
		res := c.Allowance(context.Background(), 1, addr, owner, spender)
		if !res.Native || !res.Covers(big.NewInt(1_000_000)) {
			t.Fatalf("expected native allowance to cover any amount for %s", addr)
		}
	}
	if caller.calls != 0 {
		t.Fatalf("expected no rpc calls for native assets, got %d", caller.calls)
	}
}

func TestAllowanceReadsContract(t *testing.T) {
	caller := &fakeCaller{allowance: big.NewInt(500)}
	c := NewChecker(fakeSource{caller}, nil)
	res := c.Allowance(context.Background(), 8453, usdc, owner, spender)
	if res.Amount.Cmp(big.NewInt(500)) != 0 || res.Warning != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if caller.lastTo != common.HexToAddress(usdc) {
		t.Fatalf("expected call to token contract, got %s", caller.lastTo.Hex())
	}
	if res.Covers(big.NewInt(501)) || !res.Covers(big.NewInt(500)) {
		t.Fatal("unexpected coverage decision")
	}
}

func TestAllowanceFailureTreatedAsZero(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	c := NewChecker(fakeSource{&fakeCaller{err: errors.New("rpc unavailable")}}, zap.New(core))
	res := c.Allowance(context.Background(), 8453, usdc, owner, spender)
	if res.Amount == nil || res.Amount.Sign() != 0 {
		t.Fatalf("expected zero allowance on failure, got %+v", res)
	}
	if res.Warning == "" {
		t.Fatal("expected warning to be surfaced")
	}
	if logs.FilterMessage("allowance.read_failed").Len() != 1 {
		t.Fatalf("expected one warning log, got %d", logs.Len())
	}
}

func TestPlanPrependsBufferedApproval(t *testing.T) {
	c := NewChecker(fakeSource{&fakeCaller{allowance: big.NewInt(10)}}, nil)
	required := big.NewInt(1_000_000)
	call, _, err := c.Plan(context.Background(), Request{
		ChainID:    8453,
		Token:      model.Token{Address: usdc, ChainID: 8453, Decimals: 6},
		Owner:      owner,
		Spender:    spender,
		Required:   required,
		Multiplier: BufferMultiplier,
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if call == nil {
		t.Fatal("expected approval call")
	}
	if call.To != common.HexToAddress(usdc) {
		t.Fatalf("approval must target the token, got %s", call.To.Hex())
	}
	gotSpender, amount, err := UnpackApprove(call.Data)
	if err != nil {
		t.Fatalf("UnpackApprove failed: %v", err)
	}
	if gotSpender != common.HexToAddress(spender) {
		t.Fatalf("unexpected spender %s", gotSpender.Hex())
	}
	if amount.Cmp(big.NewInt(2_000_000)) != 0 {
		t.Fatalf("expected 2x approval, got %s", amount)
	}
}

func TestPlanSkipsWhenCoveredOrNative(t *testing.T) {
	c := NewChecker(fakeSource{&fakeCaller{allowance: big.NewInt(5_000_000)}}, nil)
	call, _, err := c.Plan(context.Background(), Request{
		ChainID:  8453,
		Token:    model.Token{Address: usdc},
		Owner:    owner,
		Spender:  spender,
		Required: big.NewInt(1_000_000),
	})
	if err != nil || call != nil {
		t.Fatalf("expected no approval, got call=%v err=%v", call, err)
	}
	call, res, err := c.Plan(context.Background(), Request{
		ChainID:  1,
		Token:    model.Token{Address: registry.NativeSentinelAddress},
		Owner:    owner,
		Spender:  "",
		Required: big.NewInt(1),
	})
	if err != nil || call != nil || !res.Native {
		t.Fatalf("expected native skip, got call=%v res=%+v err=%v", call, res, err)
	}
}

func TestApprovalAmountNeverBelowRequired(t *testing.T) {
	required := big.NewInt(42)
	if ApprovalAmount(required, 0).Cmp(required) != 0 {
		t.Fatal("expected exact approval for multiplier below 1")
	}
	if ApprovalAmount(required, BufferMultiplier).Cmp(big.NewInt(84)) != 0 {
		t.Fatal("expected doubled approval")
	}
}
