package registry

import (
	"fmt"
	"strings"
)

var defaultCatalog = DefaultCatalog()

// ResolveRPCURL prefers a configured override for chainID over the built-in
// public endpoint.
func ResolveRPCURL(overrides map[int64]string, chainID int64) (string, error) {
	if v := strings.TrimSpace(overrides[chainID]); v != "" {
		return v, nil
	}
	if chain, ok := defaultCatalog.Chain(chainID); ok && chain.RPCURL != "" {
		return chain.RPCURL, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d; set rpc.%d in config", chainID, chainID)
}
