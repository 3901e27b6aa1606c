package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/ggonzalez94/routex/internal/execution"
	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
)

type idleWallet struct{}

func (idleWallet) Address() common.Address {
	return common.HexToAddress("0x000000000000000000000000000000000000dEaD")
}
func (idleWallet) ChainID() int64                           { return 8453 }
func (idleWallet) SwitchChain(context.Context, int64) error { return nil }
func (idleWallet) SendTransaction(context.Context, signer.TxRequest) (common.Hash, error) {
	return common.HexToHash("0x01"), nil
}

type blockingExecutor struct{ started chan struct{} }

func (b blockingExecutor) ExecuteRoute(ctx context.Context, _ model.Route, _ signer.Wallet, hooks providers.RouteHooks) error {
	hooks.Report(providers.StepUpdate{Index: 0, Phase: providers.PhaseExecution, Status: providers.StatusPending, TxHash: "0xabc"})
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestJournalInterruptedRecordsTerminalState(t *testing.T) {
	dir := t.TempDir()
	journal, err := execution.OpenStore(filepath.Join(dir, "journal.db"), filepath.Join(dir, "journal.lock"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })

	exec := blockingExecutor{started: make(chan struct{})}
	engine := execution.NewEngine(execution.Options{
		RouteExecutor: exec,
		Reporters:     []execution.Reporter{journal},
	})
	token := model.Token{Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Symbol: "USDC", Decimals: 6, ChainID: 8453}
	route := model.Route{
		ID:          "route-int",
		FromChainID: 8453,
		ToChainID:   8453,
		FromToken:   token,
		ToToken:     token,
		FromAmount:  "1000000",
		Steps: []model.RouteStep{{
			ID: "s1", Type: model.RouteStepSwap, Tool: "lifi",
			FromChainID: 8453, ToChainID: 8453,
			FromToken: token, ToToken: token,
			FromAmount: "1000000", ToAmount: "990000", ToAmountMin: "985000",
		}},
	}
	attempt, err := engine.Execute(context.Background(), route, idleWallet{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	<-exec.started

	journalInterrupted(engine, attempt, journal, zap.NewNop())

	got, err := journal.Get(attempt.ID)
	if err != nil {
		t.Fatalf("journal get: %v", err)
	}
	if got.Status != execution.SwapStatusError {
		t.Fatalf("expected interrupted attempt to be journaled as error, got %s", got.Status)
	}
	if got.Err == nil {
		t.Fatal("expected interrupted attempt to carry an error")
	}
	if snap := engine.Snapshot(); snap.Status != execution.SwapStatusIdle {
		t.Fatalf("expected engine reset to idle, got %s", snap.Status)
	}
}
