package evm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

// decodeRevertData turns revert bytes into a readable reason. Unknown custom
// errors are reported by selector.
func decodeRevertData(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		return fmt.Sprintf("custom error %s", common.Bytes2Hex(data[:4]))
	}
	return "0x" + common.Bytes2Hex(data)
}

func decodeRevertFromError(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return ""
	}
	switch v := dataErr.ErrorData().(type) {
	case string:
		return decodeRevertData(common.FromHex(v))
	case []byte:
		return decodeRevertData(v)
	default:
		return ""
	}
}

func wrapEVMExecutionError(code clierr.Code, message string, err error) error {
	if reason := decodeRevertFromError(err); reason != "" {
		message = message + ": " + reason
	}
	return clierr.Wrap(code, message, err)
}

func normalizeTxHash(v string) (common.Hash, bool) {
	clean := strings.TrimSpace(v)
	if !strings.HasPrefix(clean, "0x") || len(clean) != 66 {
		return common.Hash{}, false
	}
	if _, err := hexDecode(clean); err != nil {
		return common.Hash{}, false
	}
	return common.HexToHash(clean), true
}
