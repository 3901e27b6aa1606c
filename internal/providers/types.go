package providers

import (
	"context"

	"github.com/ggonzalez94/routex/internal/execution/signer"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/settlement"
)

type Info struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	RequiresKey  bool     `json:"requires_key"`
	Capabilities []string `json:"capabilities"`
}

type Provider interface {
	Info() Info
}

type QuoteRequest struct {
	FromChainID int64
	ToChainID   int64
	FromToken   string
	ToToken     string
	// FromAmount is in base units (wei for 18-decimal tokens).
	FromAmount  string
	FromAddress string
	ToAddress   string
	// Slippage is a fraction, 0.005 for 0.5%.
	Slippage float64
}

type QuoteProvider interface {
	Provider
	GetQuote(ctx context.Context, req QuoteRequest) (model.RawQuote, error)
	ConvertQuoteToRoute(raw model.RawQuote) (model.Route, error)
}

// RoutesProvider returns alternative multi-step routes for the same request.
type RoutesProvider interface {
	Provider
	GetRoutes(ctx context.Context, req QuoteRequest) ([]model.RawQuote, error)
}

type StepResolver interface {
	GetStepTransaction(ctx context.Context, step model.RouteStep) (model.RouteStep, error)
}

type StatusProvider interface {
	GetStatus(ctx context.Context, q settlement.Query) (settlement.Result, error)
}

type CatalogProvider interface {
	Provider
	Tokens(ctx context.Context, chainIDs []int64) (map[int64][]model.Token, error)
	Chains(ctx context.Context) ([]registry.Chain, error)
}

// StepPhase separates the allowance sub-stage of a step from the step's own
// transaction.
type StepPhase string

const (
	PhaseAllowance StepPhase = "allowance"
	PhaseExecution StepPhase = "execution"
)

type StepStatus string

const (
	StatusStarted        StepStatus = "STARTED"
	StatusPending        StepStatus = "PENDING"
	StatusActionRequired StepStatus = "ACTION_REQUIRED"
	StatusDone           StepStatus = "DONE"
	StatusFailed         StepStatus = "FAILED"
)

// StepUpdate is one progress report for route step Index.
type StepUpdate struct {
	Index   int
	Phase   StepPhase
	Status  StepStatus
	TxHash  string
	Message string
}

// RateChange describes a step whose realized output dropped below its quote.
type RateChange struct {
	StepIndex   int
	FromToken   model.Token
	ToToken     model.Token
	FromAmount  string
	OldToAmount string
	NewToAmount string
}

type RouteHooks struct {
	UpdateRoute func(StepUpdate)
	// AcceptExchangeRateUpdate blocks until the change is accepted or
	// declined. A nil hook declines every change.
	AcceptExchangeRateUpdate func(ctx context.Context, change RateChange) (bool, error)
}

func (h RouteHooks) Report(u StepUpdate) {
	if h.UpdateRoute != nil {
		h.UpdateRoute(u)
	}
}

func (h RouteHooks) Accept(ctx context.Context, change RateChange) (bool, error) {
	if h.AcceptExchangeRateUpdate == nil {
		return false, nil
	}
	return h.AcceptExchangeRateUpdate(ctx, change)
}

// RouteExecutor runs a whole route with an externally-owned wallet.
type RouteExecutor interface {
	ExecuteRoute(ctx context.Context, route model.Route, wallet signer.Wallet, hooks RouteHooks) error
}

// SettlementSource adapts a StatusProvider to the settlement poller.
func SettlementSource(p StatusProvider) settlement.StatusSource {
	return statusSource{p}
}

type statusSource struct{ p StatusProvider }

func (s statusSource) Status(ctx context.Context, q settlement.Query) (settlement.Result, error) {
	return s.p.GetStatus(ctx, q)
}
