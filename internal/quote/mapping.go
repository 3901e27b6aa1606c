package quote

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/model"
)

// Map normalizes a provider quote into the engine's Quote and Route. It does no
// I/O and only fails on malformed input.
func Map(raw model.RawQuote, fromToken, toToken model.Token) (model.Quote, error) {
	route, err := ToRoute(raw, fromToken, toToken)
	if err != nil {
		return model.Quote{}, err
	}
	rate, err := ExchangeRate(route.FromAmount, route.ToAmount, fromToken.Decimals, toToken.Decimals)
	if err != nil {
		return model.Quote{}, malformed("compute exchange rate", err)
	}

	gas := new(big.Int)
	gasUSD := decimal.Zero
	var seconds float64
	fees := make([]model.Fee, 0)
	for i, step := range route.Steps {
		for _, cost := range step.Estimate.GasCosts {
			if strings.TrimSpace(cost.Amount) != "" {
				amount, err := parseBaseUnits(cost.Amount)
				if err != nil {
					return model.Quote{}, malformed(fmt.Sprintf("step %d gas cost", i), err)
				}
				gas.Add(gas, amount)
			}
			if v, err := decimal.NewFromString(strings.TrimSpace(cost.AmountUSD)); err == nil {
				gasUSD = gasUSD.Add(v)
			}
		}
		for _, cost := range step.Estimate.FeeCosts {
			fees = append(fees, model.Fee{
				Name:      cost.Name,
				Amount:    cost.Amount,
				AmountUSD: cost.AmountUSD,
				Token:     cost.Token,
			})
		}
		if step.Estimate.ExecutionDuration < 0 || math.IsNaN(step.Estimate.ExecutionDuration) {
			return model.Quote{}, clierr.New(clierr.CodeMalformedQuote, fmt.Sprintf("step %d has invalid execution duration", i))
		}
		seconds += step.Estimate.ExecutionDuration
	}

	priceImpact := "0"
	if v := strings.TrimSpace(route.Steps[0].Estimate.PriceImpact); v != "" {
		priceImpact = v
	}

	q := model.Quote{
		ID:                   route.ID,
		FromToken:            fromToken,
		ToToken:              toToken,
		FromAmount:           route.FromAmount,
		ToAmount:             route.ToAmount,
		ToAmountMin:          route.ToAmountMin,
		ExchangeRate:         rate,
		PriceImpact:          priceImpact,
		EstimatedGas:         gas.String(),
		EstimatedTimeSeconds: int64(math.Round(seconds)),
		Route:                route,
		Fees:                 fees,
	}
	if !gasUSD.IsZero() {
		q.EstimatedGasUSD = gasUSD.StringFixed(2)
	}
	return q, nil
}

// ToRoute converts a provider quote into an executable route without pricing
// summaries.
func ToRoute(raw model.RawQuote, fromToken, toToken model.Token) (model.Route, error) {
	if strings.TrimSpace(raw.ID) == "" {
		return model.Route{}, clierr.New(clierr.CodeMalformedQuote, "quote is missing an id")
	}
	if len(raw.Steps) == 0 {
		return model.Route{}, clierr.New(clierr.CodeMalformedQuote, "quote has no steps")
	}
	if fromToken.Decimals < 0 || toToken.Decimals < 0 {
		return model.Route{}, clierr.New(clierr.CodeMalformedQuote, "token decimals must be non-negative")
	}
	if _, err := parseBaseUnits(raw.FromAmount); err != nil {
		return model.Route{}, malformed("quote fromAmount", err)
	}
	if _, err := parseBaseUnits(raw.ToAmount); err != nil {
		return model.Route{}, malformed("quote toAmount", err)
	}
	toAmountMin := firstNonEmpty(raw.ToAmountMin, raw.ToAmount)
	if _, err := parseBaseUnits(toAmountMin); err != nil {
		return model.Route{}, malformed("quote toAmountMin", err)
	}

	steps := make([]model.RouteStep, 0, len(raw.Steps))
	for i, rs := range raw.Steps {
		step, err := stepFromRaw(rs)
		if err != nil {
			return model.Route{}, malformed(fmt.Sprintf("step %d", i), err)
		}
		steps = append(steps, step)
	}

	return model.Route{
		ID:          raw.ID,
		FromChainID: fromToken.ChainID,
		ToChainID:   toToken.ChainID,
		FromToken:   fromToken,
		ToToken:     toToken,
		FromAmount:  strings.TrimSpace(raw.FromAmount),
		ToAmount:    strings.TrimSpace(raw.ToAmount),
		ToAmountMin: strings.TrimSpace(toAmountMin),
		FromAddress: raw.FromAddress,
		ToAddress:   raw.ToAddress,
		Steps:       steps,
	}, nil
}

func stepFromRaw(rs model.RawStep) (model.RouteStep, error) {
	if rs.Action.FromChainID == 0 || rs.Action.ToChainID == 0 {
		return model.RouteStep{}, fmt.Errorf("missing chain ids")
	}
	if _, err := parseBaseUnits(rs.Action.FromAmount); err != nil {
		return model.RouteStep{}, fmt.Errorf("fromAmount: %w", err)
	}
	if _, err := parseBaseUnits(rs.Estimate.ToAmount); err != nil {
		return model.RouteStep{}, fmt.Errorf("toAmount: %w", err)
	}
	toAmountMin := firstNonEmpty(rs.Estimate.ToAmountMin, rs.Estimate.ToAmount)
	if _, err := parseBaseUnits(toAmountMin); err != nil {
		return model.RouteStep{}, fmt.Errorf("toAmountMin: %w", err)
	}
	fromToken := rs.Action.FromToken
	if fromToken.ChainID == 0 {
		fromToken.ChainID = rs.Action.FromChainID
	}
	toToken := rs.Action.ToToken
	if toToken.ChainID == 0 {
		toToken.ChainID = rs.Action.ToChainID
	}
	return model.RouteStep{
		ID:                 rs.ID,
		Type:               stepType(rs),
		Tool:               firstNonEmpty(rs.Tool, rs.Estimate.Tool),
		FromChainID:        rs.Action.FromChainID,
		ToChainID:          rs.Action.ToChainID,
		FromToken:          fromToken,
		ToToken:            toToken,
		FromAmount:         strings.TrimSpace(rs.Action.FromAmount),
		ToAmount:           strings.TrimSpace(rs.Estimate.ToAmount),
		ToAmountMin:        strings.TrimSpace(toAmountMin),
		FromAddress:        rs.Action.FromAddress,
		ToAddress:          rs.Action.ToAddress,
		Estimate:           rs.Estimate,
		TransactionRequest: rs.TransactionRequest,
		Payload:            rs.Payload,
	}, nil
}

func stepType(rs model.RawStep) model.RouteStepType {
	if rs.Action.FromChainID != rs.Action.ToChainID || strings.EqualFold(rs.Type, "cross") {
		return model.RouteStepBridge
	}
	for _, inner := range rs.IncludedSteps {
		if strings.EqualFold(inner.Type, "cross") {
			return model.RouteStepBridge
		}
	}
	return model.RouteStepSwap
}

func malformed(what string, err error) error {
	return clierr.Wrap(clierr.CodeMalformedQuote, "malformed quote: "+what, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
