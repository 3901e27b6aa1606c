package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestABIConstantsParse(t *testing.T) {
	for _, raw := range []string{ERC20MinimalABI, SmartAccountABI, EntryPointABI} {
		if _, err := abi.JSON(strings.NewReader(raw)); err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
	}
}

func TestCatalogParse(t *testing.T) {
	catalog := DefaultCatalog()
	for _, input := range []string{"8453", "eip155:8453", "base", "BAS", "Base"} {
		chain, err := catalog.Parse(input)
		if err != nil {
			t.Fatalf("parse %q: %v", input, err)
		}
		if chain.ID != 8453 {
			t.Fatalf("expected base for %q, got %d", input, chain.ID)
		}
	}
	if _, err := catalog.Parse("999999"); err == nil {
		t.Fatal("expected unsupported chain id error")
	}
	if _, err := catalog.Parse(""); err == nil {
		t.Fatal("expected empty chain error")
	}
}

func TestCatalogMergeKeepsAliases(t *testing.T) {
	merged := DefaultCatalog().Merge([]Chain{
		{ID: 8453, Key: "bas", Name: "Base Mainnet"},
		{ID: 7777777, Key: "zor", Name: "Zora"},
	})
	base, ok := merged.Chain(8453)
	if !ok || base.Name != "Base Mainnet" {
		t.Fatalf("expected fetched base metadata, got %+v", base)
	}
	if _, err := merged.Parse("base"); err != nil {
		t.Fatalf("expected alias to survive merge: %v", err)
	}
	if _, err := merged.Parse("zora"); err != nil {
		t.Fatalf("expected fetched chain: %v", err)
	}
	if _, ok := DefaultCatalog().Chain(7777777); ok {
		t.Fatal("merge must not mutate the source catalog")
	}
}

func TestIsNativeAddress(t *testing.T) {
	if !IsNativeAddress("0x0000000000000000000000000000000000000000") {
		t.Fatal("zero address is native")
	}
	if !IsNativeAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee") {
		t.Fatal("lowercase sentinel is native")
	}
	if IsNativeAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48") {
		t.Fatal("usdc is not native")
	}
}

func TestResolveRPCURL(t *testing.T) {
	got, err := ResolveRPCURL(map[int64]string{1: " http://127.0.0.1:8545 "}, 1)
	if err != nil || got != "http://127.0.0.1:8545" {
		t.Fatalf("expected override, got %q err=%v", got, err)
	}
	if rpc, err := ResolveRPCURL(nil, 8453); err != nil || rpc == "" {
		t.Fatalf("expected base default, got %q err=%v", rpc, err)
	}
	if _, err := ResolveRPCURL(nil, 999999); err == nil {
		t.Fatal("expected missing rpc error")
	}
}
