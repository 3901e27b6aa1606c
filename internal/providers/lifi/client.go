package lifi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ggonzalez94/routex/internal/allowance"
	clierr "github.com/ggonzalez94/routex/internal/errors"
	"github.com/ggonzalez94/routex/internal/httpx"
	"github.com/ggonzalez94/routex/internal/model"
	"github.com/ggonzalez94/routex/internal/providers"
	"github.com/ggonzalez94/routex/internal/quote"
	"github.com/ggonzalez94/routex/internal/registry"
	"github.com/ggonzalez94/routex/internal/settlement"
)

const DefaultSlippage = 0.005

type Client struct {
	http       *httpx.Client
	baseURL    string
	integrator string
	logger     *zap.Logger

	allowance *allowance.Checker
	poller    *settlement.Poller
}

func New(httpClient *httpx.Client) *Client {
	return &Client{
		http:    httpClient,
		baseURL: registry.LiFiBaseURL,
		logger:  zap.NewNop(),
	}
}

func (c *Client) WithBaseURL(baseURL string) *Client {
	if v := strings.TrimRight(strings.TrimSpace(baseURL), "/"); v != "" {
		c.baseURL = v
	}
	return c
}

func (c *Client) WithIntegrator(integrator string) *Client {
	c.integrator = strings.TrimSpace(integrator)
	return c
}

func (c *Client) WithLogger(logger *zap.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithExecution wires the allowance checker and settlement poller used by
// ExecuteRoute.
func (c *Client) WithExecution(checker *allowance.Checker, poller *settlement.Poller) *Client {
	c.allowance = checker
	c.poller = poller
	return c
}

func (c *Client) Info() providers.Info {
	return providers.Info{
		Name:        "lifi",
		Type:        "aggregator",
		RequiresKey: false,
		Capabilities: []string{
			"quote",
			"routes",
			"step.transaction",
			"status",
			"tokens",
			"chains",
			"route.execute",
		},
	}
}

// stepEstimateUSD carries the USD amounts LiFi reports next to an estimate.
type stepEstimateUSD struct {
	FromAmountUSD string `json:"fromAmountUSD"`
	ToAmountUSD   string `json:"toAmountUSD"`
}

type stepEnvelope struct {
	Estimate stepEstimateUSD `json:"estimate"`
}

func decodeStep(raw json.RawMessage) (model.RawStep, error) {
	var step model.RawStep
	if err := json.Unmarshal(raw, &step); err != nil {
		return model.RawStep{}, clierr.Wrap(clierr.CodeMalformedQuote, "decode lifi step", err)
	}
	var env stepEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && strings.TrimSpace(step.Estimate.PriceImpact) == "" {
		step.Estimate.PriceImpact = priceImpact(env.Estimate.FromAmountUSD, env.Estimate.ToAmountUSD)
	}
	step.Payload = append(json.RawMessage(nil), raw...)
	return step, nil
}

// priceImpact is (fromUSD-toUSD)/fromUSD, empty when either side is unknown.
func priceImpact(fromUSD, toUSD string) string {
	from, err := decimal.NewFromString(strings.TrimSpace(fromUSD))
	if err != nil || from.IsZero() {
		return ""
	}
	to, err := decimal.NewFromString(strings.TrimSpace(toUSD))
	if err != nil {
		return ""
	}
	return from.Sub(to).Div(from).StringFixed(4)
}

func (c *Client) quoteValues(req providers.QuoteRequest) (url.Values, error) {
	if req.FromChainID <= 0 || req.ToChainID <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "quote requires source and destination chain ids")
	}
	if strings.TrimSpace(req.FromToken) == "" || strings.TrimSpace(req.ToToken) == "" {
		return nil, clierr.New(clierr.CodeUsage, "quote requires source and destination tokens")
	}
	if strings.TrimSpace(req.FromAmount) == "" {
		return nil, clierr.New(clierr.CodeUsage, "quote requires an amount")
	}
	slippage := req.Slippage
	if slippage <= 0 {
		slippage = DefaultSlippage
	}
	if slippage >= 1 {
		return nil, clierr.New(clierr.CodeUsage, "slippage must be a fraction below 1")
	}
	fromAddress := strings.TrimSpace(req.FromAddress)
	if fromAddress == "" {
		fromAddress = "0x0000000000000000000000000000000000000001"
	}
	vals := url.Values{}
	vals.Set("fromChain", strconv.FormatInt(req.FromChainID, 10))
	vals.Set("toChain", strconv.FormatInt(req.ToChainID, 10))
	vals.Set("fromToken", req.FromToken)
	vals.Set("toToken", req.ToToken)
	vals.Set("fromAmount", req.FromAmount)
	vals.Set("fromAddress", fromAddress)
	if v := strings.TrimSpace(req.ToAddress); v != "" {
		vals.Set("toAddress", v)
	}
	vals.Set("slippage", strconv.FormatFloat(slippage, 'f', -1, 64))
	if c.integrator != "" {
		vals.Set("integrator", c.integrator)
	}
	return vals, nil
}

// GetQuote requests a single best route, returned as a one-step quote whose
// step carries the provider's included sub-steps.
func (c *Client) GetQuote(ctx context.Context, req providers.QuoteRequest) (model.RawQuote, error) {
	vals, err := c.quoteValues(req)
	if err != nil {
		return model.RawQuote{}, err
	}
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/quote?"+vals.Encode(), nil)
	if err != nil {
		return model.RawQuote{}, clierr.Wrap(clierr.CodeInternal, "build lifi quote request", err)
	}
	var raw json.RawMessage
	if _, err := c.http.DoJSON(ctx, hReq, &raw); err != nil {
		return model.RawQuote{}, err
	}
	step, err := decodeStep(raw)
	if err != nil {
		return model.RawQuote{}, err
	}
	if strings.TrimSpace(step.Estimate.ToAmount) == "" {
		return model.RawQuote{}, clierr.New(clierr.CodeMalformedQuote, "lifi quote missing output amount")
	}
	return model.RawQuote{
		ID:          step.ID,
		FromAmount:  step.Action.FromAmount,
		ToAmount:    step.Estimate.ToAmount,
		ToAmountMin: firstNonEmpty(step.Estimate.ToAmountMin, step.Estimate.ToAmount),
		FromAddress: step.Action.FromAddress,
		ToAddress:   step.Action.ToAddress,
		Steps:       []model.RawStep{step},
	}, nil
}

type routesRequest struct {
	FromChainID      int64         `json:"fromChainId"`
	ToChainID        int64         `json:"toChainId"`
	FromTokenAddress string        `json:"fromTokenAddress"`
	ToTokenAddress   string        `json:"toTokenAddress"`
	FromAmount       string        `json:"fromAmount"`
	FromAddress      string        `json:"fromAddress,omitempty"`
	ToAddress        string        `json:"toAddress,omitempty"`
	Options          routesOptions `json:"options"`
}

type routesOptions struct {
	Slippage   float64 `json:"slippage"`
	Integrator string  `json:"integrator,omitempty"`
	Order      string  `json:"order,omitempty"`
}

type routesResponse struct {
	Routes []struct {
		ID          string            `json:"id"`
		FromAmount  string            `json:"fromAmount"`
		ToAmount    string            `json:"toAmount"`
		ToAmountMin string            `json:"toAmountMin"`
		FromAddress string            `json:"fromAddress"`
		ToAddress   string            `json:"toAddress"`
		Steps       []json.RawMessage `json:"steps"`
	} `json:"routes"`
}

// GetRoutes asks for alternative routes, each possibly spanning several steps.
func (c *Client) GetRoutes(ctx context.Context, req providers.QuoteRequest) ([]model.RawQuote, error) {
	if _, err := c.quoteValues(req); err != nil {
		return nil, err
	}
	slippage := req.Slippage
	if slippage <= 0 {
		slippage = DefaultSlippage
	}
	body, err := json.Marshal(routesRequest{
		FromChainID:      req.FromChainID,
		ToChainID:        req.ToChainID,
		FromTokenAddress: req.FromToken,
		ToTokenAddress:   req.ToToken,
		FromAmount:       req.FromAmount,
		FromAddress:      strings.TrimSpace(req.FromAddress),
		ToAddress:        strings.TrimSpace(req.ToAddress),
		Options:          routesOptions{Slippage: slippage, Integrator: c.integrator, Order: "CHEAPEST"},
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "encode lifi routes request", err)
	}
	var resp routesResponse
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/advanced/routes", body, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.RawQuote, 0, len(resp.Routes))
	for _, r := range resp.Routes {
		steps := make([]model.RawStep, 0, len(r.Steps))
		for _, raw := range r.Steps {
			step, err := decodeStep(raw)
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		}
		out = append(out, model.RawQuote{
			ID:          r.ID,
			FromAmount:  r.FromAmount,
			ToAmount:    r.ToAmount,
			ToAmountMin: firstNonEmpty(r.ToAmountMin, r.ToAmount),
			FromAddress: r.FromAddress,
			ToAddress:   r.ToAddress,
			Steps:       steps,
		})
	}
	return out, nil
}

// ConvertQuoteToRoute takes the route's tokens from its first and last steps.
func (c *Client) ConvertQuoteToRoute(raw model.RawQuote) (model.Route, error) {
	from, to, err := routeTokens(raw)
	if err != nil {
		return model.Route{}, err
	}
	return quote.ToRoute(raw, from, to)
}

// Quote fetches and maps a quote in one call.
func (c *Client) Quote(ctx context.Context, req providers.QuoteRequest) (model.Quote, error) {
	raw, err := c.GetQuote(ctx, req)
	if err != nil {
		return model.Quote{}, err
	}
	from, to, err := routeTokens(raw)
	if err != nil {
		return model.Quote{}, err
	}
	return quote.Map(raw, from, to)
}

func routeTokens(raw model.RawQuote) (model.Token, model.Token, error) {
	if len(raw.Steps) == 0 {
		return model.Token{}, model.Token{}, clierr.New(clierr.CodeMalformedQuote, "quote has no steps")
	}
	first := raw.Steps[0].Action
	last := raw.Steps[len(raw.Steps)-1].Action
	from := first.FromToken
	if from.ChainID == 0 {
		from.ChainID = first.FromChainID
	}
	to := last.ToToken
	if to.ChainID == 0 {
		to.ChainID = last.ToChainID
	}
	if strings.TrimSpace(from.Address) == "" || strings.TrimSpace(to.Address) == "" {
		return model.Token{}, model.Token{}, clierr.New(clierr.CodeMalformedQuote, "quote steps are missing token addresses")
	}
	return from, to, nil
}

// GetStepTransaction asks the provider to populate the step's transaction
// request. Any failure leaves the step unresolvable.
func (c *Client) GetStepTransaction(ctx context.Context, step model.RouteStep) (model.RouteStep, error) {
	body := step.Payload
	if len(body) == 0 {
		var err error
		body, err = json.Marshal(stepPayload(step))
		if err != nil {
			return model.RouteStep{}, clierr.Wrap(clierr.CodeInternal, "encode lifi step", err)
		}
	}
	var raw json.RawMessage
	if _, err := httpx.DoBodyJSON(ctx, c.http, http.MethodPost, c.baseURL+"/advanced/stepTransaction", body, nil, &raw); err != nil {
		return model.RouteStep{}, clierr.Wrap(clierr.CodeStepUnresolvable, fmt.Sprintf("resolve step %s", step.ID), err)
	}
	resolved, err := decodeStep(raw)
	if err != nil {
		return model.RouteStep{}, clierr.Wrap(clierr.CodeStepUnresolvable, fmt.Sprintf("resolve step %s", step.ID), err)
	}
	tx := resolved.TransactionRequest
	if tx == nil || strings.TrimSpace(tx.To) == "" || strings.TrimSpace(tx.Data) == "" {
		return model.RouteStep{}, clierr.New(clierr.CodeStepUnresolvable, fmt.Sprintf("lifi returned no executable transaction for step %s", step.ID))
	}
	if tx.ChainID != 0 && tx.ChainID != step.FromChainID {
		return model.RouteStep{}, clierr.New(clierr.CodeStepUnresolvable, fmt.Sprintf("step %s transaction targets chain %d, expected %d", step.ID, tx.ChainID, step.FromChainID))
	}

	out := step
	out.TransactionRequest = tx
	out.Payload = resolved.Payload
	if v := strings.TrimSpace(resolved.Estimate.ToAmount); v != "" {
		out.Estimate = resolved.Estimate
		out.ToAmount = v
		out.ToAmountMin = firstNonEmpty(resolved.Estimate.ToAmountMin, v)
	}
	if out.Estimate.ApprovalAddress == "" {
		out.Estimate.ApprovalAddress = step.Estimate.ApprovalAddress
	}
	return out, nil
}

type lifiStepPayload struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Tool     string             `json:"tool"`
	Action   model.RawAction    `json:"action"`
	Estimate model.StepEstimate `json:"estimate"`
}

func stepPayload(step model.RouteStep) lifiStepPayload {
	return lifiStepPayload{
		ID:   step.ID,
		Type: "lifi",
		Tool: step.Tool,
		Action: model.RawAction{
			FromChainID: step.FromChainID,
			ToChainID:   step.ToChainID,
			FromToken:   step.FromToken,
			ToToken:     step.ToToken,
			FromAmount:  step.FromAmount,
			FromAddress: step.FromAddress,
			ToAddress:   step.ToAddress,
		},
		Estimate: step.Estimate,
	}
}

type statusResponse struct {
	Status           string `json:"status"`
	Substatus        string `json:"substatus"`
	SubstatusMessage string `json:"substatusMessage"`
	Receiving        struct {
		TxHash string `json:"txHash"`
	} `json:"receiving"`
}

func (c *Client) GetStatus(ctx context.Context, q settlement.Query) (settlement.Result, error) {
	if strings.TrimSpace(q.TxHash) == "" {
		return settlement.Result{}, clierr.New(clierr.CodeUsage, "status requires a transaction hash")
	}
	vals := url.Values{}
	vals.Set("txHash", strings.TrimSpace(q.TxHash))
	if q.Bridge != "" {
		vals.Set("bridge", q.Bridge)
	}
	if q.FromChainID > 0 {
		vals.Set("fromChain", strconv.FormatInt(q.FromChainID, 10))
	}
	if q.ToChainID > 0 {
		vals.Set("toChain", strconv.FormatInt(q.ToChainID, 10))
	}
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status?"+vals.Encode(), nil)
	if err != nil {
		return settlement.Result{}, clierr.Wrap(clierr.CodeInternal, "build lifi status request", err)
	}
	var resp statusResponse
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return settlement.Result{}, err
	}
	status := settlement.NormalizeStatus(resp.Status)
	if status == "" {
		status = settlement.StatusNotFound
	}
	return settlement.Result{
		Status:          status,
		Substatus:       resp.Substatus,
		Message:         resp.SubstatusMessage,
		ReceivingTxHash: resp.Receiving.TxHash,
	}, nil
}

func (c *Client) Tokens(ctx context.Context, chainIDs []int64) (map[int64][]model.Token, error) {
	vals := url.Values{}
	if len(chainIDs) > 0 {
		ids := make([]string, 0, len(chainIDs))
		for _, id := range chainIDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		vals.Set("chains", strings.Join(ids, ","))
	}
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tokens?"+vals.Encode(), nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build lifi tokens request", err)
	}
	var resp struct {
		Tokens map[string][]model.Token `json:"tokens"`
	}
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return nil, err
	}
	out := make(map[int64][]model.Token, len(resp.Tokens))
	for key, list := range resp.Tokens {
		chainID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			c.logger.Warn("lifi.tokens_bad_chain_key", zap.String("key", key))
			continue
		}
		for i := range list {
			if list[i].ChainID == 0 {
				list[i].ChainID = chainID
			}
		}
		out[chainID] = list
	}
	return out, nil
}

func (c *Client) Chains(ctx context.Context) ([]registry.Chain, error) {
	hReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/chains?chainTypes=EVM", nil)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "build lifi chains request", err)
	}
	var resp struct {
		Chains []struct {
			ID          int64       `json:"id"`
			Key         string      `json:"key"`
			Name        string      `json:"name"`
			NativeToken model.Token `json:"nativeToken"`
		} `json:"chains"`
	}
	if _, err := c.http.DoJSON(ctx, hReq, &resp); err != nil {
		return nil, err
	}
	out := make([]registry.Chain, 0, len(resp.Chains))
	for _, ch := range resp.Chains {
		native := ch.NativeToken
		if native.ChainID == 0 {
			native.ChainID = ch.ID
		}
		out = append(out, registry.Chain{ID: ch.ID, Key: ch.Key, Name: ch.Name, NativeToken: native})
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
