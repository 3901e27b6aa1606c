package model

import "encoding/json"

type RouteStepType string

const (
	RouteStepSwap   RouteStepType = "swap"
	RouteStepBridge RouteStepType = "bridge"
)

// CostItem is one gas or fee line of a provider estimate.
type CostItem struct {
	Name      string `json:"name,omitempty"`
	Amount    string `json:"amount,omitempty"`
	AmountUSD string `json:"amountUSD,omitempty"`
	Token     Token  `json:"token"`
}

type TransactionRequest struct {
	From     string `json:"from,omitempty"`
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value,omitempty"`
	ChainID  int64  `json:"chainId,omitempty"`
	GasLimit string `json:"gasLimit,omitempty"`
	GasPrice string `json:"gasPrice,omitempty"`
}

type StepEstimate struct {
	Tool              string     `json:"tool,omitempty"`
	ApprovalAddress   string     `json:"approvalAddress,omitempty"`
	FromAmount        string     `json:"fromAmount,omitempty"`
	ToAmount          string     `json:"toAmount"`
	ToAmountMin       string     `json:"toAmountMin"`
	ExecutionDuration float64    `json:"executionDuration"`
	GasCosts          []CostItem `json:"gasCosts,omitempty"`
	FeeCosts          []CostItem `json:"feeCosts,omitempty"`
	PriceImpact       string     `json:"priceImpact,omitempty"`
}

type RouteStep struct {
	ID                 string              `json:"id"`
	Type               RouteStepType       `json:"type"`
	Tool               string              `json:"tool"`
	FromChainID        int64               `json:"fromChainId"`
	ToChainID          int64               `json:"toChainId"`
	FromToken          Token               `json:"fromToken"`
	ToToken            Token               `json:"toToken"`
	FromAmount         string              `json:"fromAmount"`
	ToAmount           string              `json:"toAmount"`
	ToAmountMin        string              `json:"toAmountMin"`
	FromAddress        string              `json:"fromAddress,omitempty"`
	ToAddress          string              `json:"toAddress,omitempty"`
	Estimate           StepEstimate        `json:"executionEstimate"`
	TransactionRequest *TransactionRequest `json:"transactionRequest,omitempty"`
	// Payload is the provider's own step object, replayed when resolving the
	// step transaction.
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s RouteStep) CrossChain() bool {
	return s.FromChainID != s.ToChainID
}

// Route is bound to one (fromToken, toToken, fromAmount) triple.
type Route struct {
	ID          string      `json:"id"`
	FromChainID int64       `json:"fromChainId"`
	ToChainID   int64       `json:"toChainId"`
	FromToken   Token       `json:"fromToken"`
	ToToken     Token       `json:"toToken"`
	FromAmount  string      `json:"fromAmount"`
	ToAmount    string      `json:"toAmount"`
	ToAmountMin string      `json:"toAmountMin"`
	FromAddress string      `json:"fromAddress,omitempty"`
	ToAddress   string      `json:"toAddress,omitempty"`
	Steps       []RouteStep `json:"steps"`
}

type Fee struct {
	Name      string `json:"name"`
	Amount    string `json:"amount"`
	AmountUSD string `json:"amountUSD,omitempty"`
	Token     Token  `json:"token"`
}

// Quote is immutable once returned; a different amount or pair needs a new one.
type Quote struct {
	ID                   string `json:"id"`
	FromToken            Token  `json:"fromToken"`
	ToToken              Token  `json:"toToken"`
	FromAmount           string `json:"fromAmount"`
	ToAmount             string `json:"toAmount"`
	ToAmountMin          string `json:"toAmountMin"`
	ExchangeRate         string `json:"exchangeRate"`
	PriceImpact          string `json:"priceImpact"`
	EstimatedGas         string `json:"estimatedGas"`
	EstimatedGasUSD      string `json:"estimatedGasUSD,omitempty"`
	EstimatedTimeSeconds int64  `json:"estimatedTimeSeconds"`
	Route                Route  `json:"route"`
	Fees                 []Fee  `json:"fees"`
}

// RawAction is the provider's description of what a step moves.
type RawAction struct {
	FromChainID int64   `json:"fromChainId"`
	ToChainID   int64   `json:"toChainId"`
	FromToken   Token   `json:"fromToken"`
	ToToken     Token   `json:"toToken"`
	FromAmount  string  `json:"fromAmount"`
	FromAddress string  `json:"fromAddress,omitempty"`
	ToAddress   string  `json:"toAddress,omitempty"`
	Slippage    float64 `json:"slippage,omitempty"`
}

// RawStep mirrors an aggregator step before normalization.
type RawStep struct {
	ID                 string              `json:"id"`
	Type               string              `json:"type"`
	Tool               string              `json:"tool"`
	Action             RawAction           `json:"action"`
	Estimate           StepEstimate        `json:"estimate"`
	IncludedSteps      []RawStep           `json:"includedSteps,omitempty"`
	TransactionRequest *TransactionRequest `json:"transactionRequest,omitempty"`
	Payload            json.RawMessage     `json:"-"`
}

// RawQuote is what a QuoteProvider returns before mapping.
type RawQuote struct {
	ID          string    `json:"id"`
	FromAmount  string    `json:"fromAmount"`
	ToAmount    string    `json:"toAmount"`
	ToAmountMin string    `json:"toAmountMin"`
	FromAddress string    `json:"fromAddress,omitempty"`
	ToAddress   string    `json:"toAddress,omitempty"`
	Steps       []RawStep `json:"steps"`
}
