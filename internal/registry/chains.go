package registry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/model"
)

const (
	NativeZeroAddress     = "0x0000000000000000000000000000000000000000"
	NativeSentinelAddress = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"
)

type Chain struct {
	ID          int64       `json:"id"`
	Key         string      `json:"key"`
	Name        string      `json:"name"`
	NativeToken model.Token `json:"nativeToken"`
	Aliases     []string    `json:"aliases,omitempty"`
	RPCURL      string      `json:"rpcUrl,omitempty"`
}

func (c Chain) CAIP2() string {
	return fmt.Sprintf("eip155:%d", c.ID)
}

func nativeToken(chainID int64, symbol, name string) model.Token {
	return model.Token{
		Address:  NativeZeroAddress,
		Symbol:   symbol,
		Name:     name,
		Decimals: 18,
		ChainID:  chainID,
	}
}

var defaultChains = []Chain{
	{ID: 1, Key: "eth", Name: "Ethereum", NativeToken: nativeToken(1, "ETH", "Ether"), Aliases: []string{"ethereum", "mainnet"}, RPCURL: "https://eth.llamarpc.com"},
	{ID: 10, Key: "opt", Name: "Optimism", NativeToken: nativeToken(10, "ETH", "Ether"), Aliases: []string{"optimism"}, RPCURL: "https://mainnet.optimism.io"},
	{ID: 56, Key: "bsc", Name: "BSC", NativeToken: nativeToken(56, "BNB", "BNB"), Aliases: []string{"bnb"}, RPCURL: "https://bsc-dataseed.binance.org"},
	{ID: 100, Key: "dai", Name: "Gnosis", NativeToken: nativeToken(100, "xDAI", "xDAI"), Aliases: []string{"gnosis"}, RPCURL: "https://rpc.gnosischain.com"},
	{ID: 137, Key: "pol", Name: "Polygon", NativeToken: nativeToken(137, "POL", "Polygon Ecosystem Token"), Aliases: []string{"polygon", "matic"}, RPCURL: "https://polygon-rpc.com"},
	{ID: 324, Key: "era", Name: "zkSync", NativeToken: nativeToken(324, "ETH", "Ether"), Aliases: []string{"zksync"}, RPCURL: "https://mainnet.era.zksync.io"},
	{ID: 8453, Key: "bas", Name: "Base", NativeToken: nativeToken(8453, "ETH", "Ether"), Aliases: []string{"base"}, RPCURL: "https://mainnet.base.org"},
	{ID: 42161, Key: "arb", Name: "Arbitrum", NativeToken: nativeToken(42161, "ETH", "Ether"), Aliases: []string{"arbitrum"}, RPCURL: "https://arb1.arbitrum.io/rpc"},
	{ID: 43114, Key: "ava", Name: "Avalanche", NativeToken: nativeToken(43114, "AVAX", "Avalanche"), Aliases: []string{"avalanche", "avax"}, RPCURL: "https://api.avax.network/ext/bc/C/rpc"},
	{ID: 59144, Key: "lna", Name: "Linea", NativeToken: nativeToken(59144, "ETH", "Ether"), Aliases: []string{"linea"}, RPCURL: "https://rpc.linea.build"},
	{ID: 81457, Key: "bls", Name: "Blast", NativeToken: nativeToken(81457, "ETH", "Ether"), Aliases: []string{"blast"}, RPCURL: "https://rpc.blast.io"},
	{ID: 534352, Key: "scl", Name: "Scroll", NativeToken: nativeToken(534352, "ETH", "Ether"), Aliases: []string{"scroll"}, RPCURL: "https://rpc.scroll.io"},
}

// Catalog is a read-only lookup over supported chains. A fetched catalog can
// be merged over the static defaults.
type Catalog struct {
	byID  map[int64]Chain
	byKey map[string]Chain
}

func NewCatalog(chains []Chain) *Catalog {
	c := &Catalog{byID: map[int64]Chain{}, byKey: map[string]Chain{}}
	for _, chain := range chains {
		c.add(chain)
	}
	return c
}

func DefaultCatalog() *Catalog {
	return NewCatalog(defaultChains)
}

func (c *Catalog) add(chain Chain) {
	c.byID[chain.ID] = chain
	c.byKey[strings.ToLower(chain.Key)] = chain
	c.byKey[strings.ToLower(chain.Name)] = chain
	for _, alias := range chain.Aliases {
		c.byKey[strings.ToLower(alias)] = chain
	}
}

// Merge returns a new catalog with fetched chains layered over c.
func (c *Catalog) Merge(fetched []Chain) *Catalog {
	out := NewCatalog(c.All())
	for _, chain := range fetched {
		if existing, ok := out.byID[chain.ID]; ok {
			if len(chain.Aliases) == 0 {
				chain.Aliases = existing.Aliases
			}
			if chain.RPCURL == "" {
				chain.RPCURL = existing.RPCURL
			}
		}
		out.add(chain)
	}
	return out
}

func (c *Catalog) Chain(id int64) (Chain, bool) {
	chain, ok := c.byID[id]
	return chain, ok
}

func (c *Catalog) All() []Chain {
	out := make([]Chain, 0, len(c.byID))
	for _, chain := range c.byID {
		out = append(out, chain)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Parse resolves a numeric id, CAIP-2 id, key, name or alias.
func (c *Catalog) Parse(input string) (Chain, error) {
	clean := strings.ToLower(strings.TrimSpace(input))
	if clean == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	clean = strings.TrimPrefix(clean, "eip155:")
	if n, err := strconv.ParseInt(clean, 10, 64); err == nil {
		if chain, ok := c.byID[n]; ok {
			return chain, nil
		}
		return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain id %d", n))
	}
	if chain, ok := c.byKey[clean]; ok {
		return chain, nil
	}
	return Chain{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", input))
}

// IsNativeAddress reports whether addr is one of the native asset sentinels.
func IsNativeAddress(addr string) bool {
	clean := strings.TrimSpace(addr)
	return strings.EqualFold(clean, NativeZeroAddress) || strings.EqualFold(clean, NativeSentinelAddress)
}
