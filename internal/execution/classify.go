package execution

import (
	"context"
	"errors"
	"strings"

	clierr "github.com/ggonzalez94/routex/internal/errors"
)

const externalWalletMessage = "this route needs a signature the smart account cannot produce; move the funds to an external wallet and swap from there"

var rejectionMarkers = []string{"user rejected", "user denied", "rejected the request", "request rejected", "denied transaction", "user cancelled", "user canceled"}

var signatureMarkers = []string{"signature", "signer", "unauthorized"}

var balanceMarkers = []string{"insufficient funds", "insufficient balance", "exceeds balance"}

// Classify maps an execution failure to an error kind. Swap-specific codes
// already attached to err are kept; anything else is matched on its message.
func Classify(err error, strategy string) ExecError {
	if err == nil {
		return ExecError{}
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if typed, ok := clierr.As(err); ok && typed.Code >= clierr.CodeMalformedQuote && typed.Code <= clierr.CodeRouteConsumed {
		return newExecError(typed.Code, msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newExecError(clierr.CodeActionTimeout, msg)
	}
	switch {
	case containsAny(lower, rejectionMarkers):
		return newExecError(clierr.CodeUserRejected, msg)
	case strategy == StrategySmartAccount && containsAny(lower, signatureMarkers):
		return newExecError(clierr.CodeRequiresExternalWallet, externalWalletMessage)
	case containsAny(lower, balanceMarkers):
		return newExecError(clierr.CodeInsufficientBalance, msg)
	}
	if typed, ok := clierr.As(err); ok && typed.Code == clierr.CodeActionTimeout {
		return newExecError(typed.Code, msg)
	}
	return newExecError(clierr.CodeStepFailed, msg)
}

func newExecError(code clierr.Code, msg string) ExecError {
	return ExecError{Kind: clierr.Type(code), Code: code, Message: msg}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
