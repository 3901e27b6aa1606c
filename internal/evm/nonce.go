package evm

import (
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var nonceLocks sync.Map

// acquireSignerNonceLock serializes nonce reads and broadcasts for one signer on
// one chain within this process.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := chainID.String() + ":" + strings.ToLower(addr.Hex())
	v, _ := nonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
