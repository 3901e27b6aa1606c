package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess       Code = 0
	CodeInternal      Code = 1
	CodeUsage         Code = 2
	CodeAuth          Code = 10
	CodeRateLimited   Code = 11
	CodeUnavailable   Code = 12
	CodeUnsupported   Code = 13
	CodeStale         Code = 14
	CodeBlocked       Code = 16
	CodeSigner        Code = 17
	CodeActionPlan    Code = 18
	CodeActionSim     Code = 19
	CodeActionTimeout Code = 20

	// Swap execution outcomes.
	CodeMalformedQuote         Code = 30
	CodeStepUnresolvable       Code = 31
	CodeInsufficientBalance    Code = 32
	CodeUserRejected           Code = 33
	CodeRequiresExternalWallet Code = 34
	CodeStepFailed             Code = 35
	CodeRateDeviationRejected  Code = 36
	CodeAlreadyExecuting       Code = 37
	CodeSettlementTimeout      Code = 38
	CodeRouteConsumed          Code = 39
)

var codeTypes = map[Code]string{
	CodeInternal:               "internal_error",
	CodeUsage:                  "usage_error",
	CodeAuth:                   "auth_error",
	CodeRateLimited:            "rate_limited",
	CodeUnavailable:            "provider_unavailable",
	CodeUnsupported:            "unsupported",
	CodeStale:                  "stale_data",
	CodeBlocked:                "command_blocked",
	CodeSigner:                 "signer_error",
	CodeActionPlan:             "action_plan_error",
	CodeActionSim:              "simulation_failed",
	CodeActionTimeout:          "action_timeout",
	CodeMalformedQuote:         "malformed_quote",
	CodeStepUnresolvable:       "step_unresolvable",
	CodeInsufficientBalance:    "insufficient_balance",
	CodeUserRejected:           "user_rejected",
	CodeRequiresExternalWallet: "route_requires_external_wallet",
	CodeStepFailed:             "step_failed",
	CodeRateDeviationRejected:  "rate_deviation_rejected",
	CodeAlreadyExecuting:       "already_executing",
	CodeSettlementTimeout:      "settlement_timeout",
	CodeRouteConsumed:          "route_consumed",
}

// Type returns the snake_case name of a code, used in error envelopes.
func Type(code Code) string {
	if v, ok := codeTypes[code]; ok {
		return v
	}
	return "internal_error"
}

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether any typed error in the chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var target *Error
		if !errors.As(err, &target) {
			return false
		}
		if target.Code == code {
			return true
		}
		err = target.Cause
	}
	return false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}
