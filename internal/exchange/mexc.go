package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/spotdesk/assistant/internal/metrics"
	"github.com/spotdesk/assistant/internal/model"
)

// DefaultBaseURL is the MEXC spot REST endpoint. Its v3 API follows the
// Binance spot API, so the go-binance spot client is reused with a base
// URL override.
const DefaultBaseURL = "https://api.mexc.com"

// fallbackStep is used when the exchange omits a tick or step filter.
var fallbackStep = decimal.New(1, -8)

// Options configures the MEXC client.
type Options struct {
	BaseURL           string
	APIKey            string
	APISecret         string
	RequestsPerSecond float64
	Burst             int
	HTTPTimeout       time.Duration
	StableAssets      []string
}

// MEXC implements Client against the MEXC spot v3 API.
type MEXC struct {
	client   *binance.Client
	limiter  *rate.Limiter
	stable   []string
	isStable map[string]bool
	signed   bool
}

// NewMEXC creates a MEXC client. Missing credentials are allowed; signed
// calls then fail with ErrMissingCredentials.
func NewMEXC(opts Options) *MEXC {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 20 * time.Second
	}
	if len(opts.StableAssets) == 0 {
		opts.StableAssets = []string{"USDT", "USD"}
	}

	c := binance.NewClient(opts.APIKey, opts.APISecret)
	c.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	c.HTTPClient = &http.Client{
		Timeout:   opts.HTTPTimeout,
		Transport: apiKeyHeader{base: http.DefaultTransport},
	}

	isStable := make(map[string]bool, len(opts.StableAssets))
	stable := make([]string, 0, len(opts.StableAssets))
	for _, a := range opts.StableAssets {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" || isStable[a] {
			continue
		}
		isStable[a] = true
		stable = append(stable, a)
	}

	return &MEXC{
		client:   c,
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		stable:   stable,
		isStable: isStable,
		signed:   opts.APIKey != "" && opts.APISecret != "",
	}
}

// apiKeyHeader mirrors go-binance's API key header under the name MEXC
// expects.
type apiKeyHeader struct {
	base http.RoundTripper
}

func (t apiKeyHeader) RoundTrip(req *http.Request) (*http.Response, error) {
	if key := req.Header.Get("X-MBX-APIKEY"); key != "" {
		req = req.Clone(req.Context())
		req.Header.Set("X-MEXC-APIKEY", key)
	}
	return t.base.RoundTrip(req)
}

// QuoteStableAssets returns the configured quote-stable asset codes.
func (m *MEXC) QuoteStableAssets() []string {
	out := make([]string, len(m.stable))
	copy(out, m.stable)
	return out
}

// SettlementAsset is the quote currency used to price holdings.
func (m *MEXC) SettlementAsset() string {
	return m.stable[0]
}

func (m *MEXC) wait(ctx context.Context, endpoint string) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", endpoint, err)
	}
	return nil
}

// done records the call result and classifies the error.
func (m *MEXC) done(endpoint string, err error) error {
	if err == nil {
		metrics.ExchangeRequests.WithLabelValues(endpoint, "ok").Inc()
		return nil
	}
	metrics.ExchangeRequests.WithLabelValues(endpoint, "error").Inc()
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, endpoint, err)
}

// FetchTrades calls GET /api/v3/myTrades for one window.
func (m *MEXC) FetchTrades(ctx context.Context, symbol string, startMs, endMs int64, limit int) ([]model.RawTrade, error) {
	if !m.signed {
		return nil, ErrMissingCredentials
	}
	const endpoint = "myTrades"
	if err := m.wait(ctx, endpoint); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("startTime", strconv.FormatInt(startMs, 10))
	params.Set("endTime", strconv.FormatInt(endMs, 10))
	params.Set("limit", strconv.Itoa(limit))

	var trades []mexcTrade
	err := m.callSigned(ctx, http.MethodGet, "/api/v3/myTrades", params, &trades)
	if err := m.done(endpoint, err); err != nil {
		return nil, err
	}

	out := make([]model.RawTrade, 0, len(trades))
	for _, t := range trades {
		out = append(out, model.RawTrade{
			ID:              t.ID,
			Symbol:          t.Symbol,
			IsBuyer:         t.IsBuyer,
			Quantity:        t.Quantity,
			Price:           t.Price,
			QuoteQuantity:   t.QuoteQuantity,
			Commission:      t.Commission,
			CommissionAsset: t.CommissionAsset,
			TimeMs:          t.Time,
		})
	}
	return out, nil
}

// Price returns the last price. Stable assets (USDT or USDTUSDT) price at 1.
func (m *MEXC) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	for _, a := range m.stable {
		if s == a || s == a+a {
			return decimal.NewFromInt(1), nil
		}
	}

	const endpoint = "ticker/price"
	if err := m.wait(ctx, endpoint); err != nil {
		return decimal.Zero, err
	}
	prices, err := m.client.NewListPricesService().Symbol(s).Do(ctx)
	if err := m.done(endpoint, err); err != nil {
		return decimal.Zero, err
	}
	for _, p := range prices {
		if p.Symbol != s {
			continue
		}
		px, err := decimal.NewFromString(p.Price)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse price for %s: %w", s, err)
		}
		return px, nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s", ErrSymbolNotFound, s)
}

// Balances returns assets with free+locked > 0.
func (m *MEXC) Balances(ctx context.Context) ([]model.Balance, error) {
	if !m.signed {
		return nil, ErrMissingCredentials
	}
	const endpoint = "account"
	if err := m.wait(ctx, endpoint); err != nil {
		return nil, err
	}
	acc, err := m.client.NewGetAccountService().Do(ctx)
	if err := m.done(endpoint, err); err != nil {
		return nil, err
	}

	out := make([]model.Balance, 0, len(acc.Balances))
	for _, b := range acc.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil {
			slog.Warn("skipping unparsable balance", "asset", b.Asset, "free", b.Free)
			continue
		}
		locked, err := decimal.NewFromString(b.Locked)
		if err != nil {
			locked = decimal.Zero
		}
		bal := model.Balance{Asset: strings.ToUpper(b.Asset), Free: free, Locked: locked}
		if bal.Total().IsPositive() {
			out = append(out, bal)
		}
	}
	return out, nil
}

// Filters returns tick size, step size and min notional for a symbol.
func (m *MEXC) Filters(ctx context.Context, symbol string) (model.SymbolFilters, error) {
	s := strings.ToUpper(symbol)
	const endpoint = "exchangeInfo"
	if err := m.wait(ctx, endpoint); err != nil {
		return model.SymbolFilters{}, err
	}
	info, err := m.client.NewExchangeInfoService().Symbol(s).Do(ctx)
	if err := m.done(endpoint, err); err != nil {
		return model.SymbolFilters{}, err
	}
	if len(info.Symbols) == 0 {
		return model.SymbolFilters{}, fmt.Errorf("%w: %s", ErrSymbolNotFound, s)
	}
	return parseFilters(s, info.Symbols[0].Filters), nil
}

func parseFilters(symbol string, filters []map[string]interface{}) model.SymbolFilters {
	out := model.SymbolFilters{Symbol: symbol}
	field := func(f map[string]interface{}, key string) decimal.Decimal {
		s, _ := f[key].(string)
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return v
	}

	for _, f := range filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			out.TickSize = field(f, "tickSize")
		case "LOT_SIZE":
			out.StepSize = field(f, "stepSize")
		case "NOTIONAL", "MIN_NOTIONAL":
			out.MinNotional = field(f, "minNotional")
		}
	}
	if !out.TickSize.IsPositive() {
		out.TickSize = fallbackStep
	}
	if !out.StepSize.IsPositive() {
		out.StepSize = fallbackStep
	}
	return out
}

// Stats24h returns the rolling 24h ticker for every listed symbol.
func (m *MEXC) Stats24h(ctx context.Context) ([]model.TickerStats, error) {
	const endpoint = "ticker/24hr"
	if err := m.wait(ctx, endpoint); err != nil {
		return nil, err
	}
	stats, err := m.client.NewListPriceChangeStatsService().Do(ctx)
	if err := m.done(endpoint, err); err != nil {
		return nil, err
	}

	out := make([]model.TickerStats, 0, len(stats))
	for _, st := range stats {
		ts, ok := parseStats(st)
		if !ok {
			continue
		}
		out = append(out, ts)
	}
	return out, nil
}

func parseStats(st *binance.PriceChangeStats) (model.TickerStats, bool) {
	vals := make([]decimal.Decimal, 6)
	for i, s := range []string{
		st.PriceChangePercent, st.QuoteVolume, st.LastPrice,
		st.OpenPrice, st.HighPrice, st.LowPrice,
	} {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return model.TickerStats{}, false
		}
		vals[i] = v
	}
	return model.TickerStats{
		Symbol:             strings.ToUpper(st.Symbol),
		PriceChangePercent: vals[0],
		QuoteVolume:        vals[1],
		LastPrice:          vals[2],
		OpenPrice:          vals[3],
		HighPrice:          vals[4],
		LowPrice:           vals[5],
	}, true
}

// MarketBuy places a MARKET BUY for quantity units of the base asset.
func (m *MEXC) MarketBuy(ctx context.Context, symbol string, quantity decimal.Decimal) (model.OrderFill, error) {
	if !m.signed {
		return model.OrderFill{}, ErrMissingCredentials
	}
	const endpoint = "order"
	if err := m.wait(ctx, endpoint); err != nil {
		return model.OrderFill{}, err
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("side", string(binance.SideTypeBuy))
	params.Set("type", string(binance.OrderTypeMarket))
	params.Set("quantity", quantity.String())

	var res mexcOrder
	err := m.callSigned(ctx, http.MethodPost, "/api/v3/order", params, &res)
	if err := m.done(endpoint, err); err != nil {
		return model.OrderFill{}, err
	}

	executed, _ := decimal.NewFromString(res.ExecutedQuantity)
	quote, _ := decimal.NewFromString(res.CummulativeQuoteQuantity)
	return model.OrderFill{
		OrderID:          res.OrderID,
		Symbol:           res.Symbol,
		Side:             res.Side,
		Status:           res.Status,
		ExecutedQuantity: executed,
		QuoteQuantity:    quote,
		TransactTime:     time.UnixMilli(res.TransactTime).UTC(),
	}, nil
}

// mexcTrade is one myTrades row. MEXC trade and order IDs are hex strings.
type mexcTrade struct {
	ID              string `json:"id"`
	OrderID         string `json:"orderId"`
	Symbol          string `json:"symbol"`
	Price           string `json:"price"`
	Quantity        string `json:"qty"`
	QuoteQuantity   string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
	IsBuyer         bool   `json:"isBuyer"`
}

// mexcOrder is the POST /api/v3/order acknowledgement. The fill fields are
// only present once the order has matched.
type mexcOrder struct {
	Symbol                   string `json:"symbol"`
	OrderID                  string `json:"orderId"`
	Side                     string `json:"side"`
	Status                   string `json:"status"`
	ExecutedQuantity         string `json:"executedQty"`
	CummulativeQuoteQuantity string `json:"cummulativeQuoteQty"`
	TransactTime             int64  `json:"transactTime"`
}

// callSigned sends a request signed with go-binance's HMAC signer and
// decodes the JSON response into out. Error bodies come back as
// *common.APIError, like the go-binance services return them.
func (m *MEXC) callSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli()-m.client.TimeOffset, 10))
	query := params.Encode()
	sig, err := common.Hmac(m.client.SecretKey, query)
	if err != nil {
		return fmt.Errorf("sign %s: %w", path, err)
	}
	full := fmt.Sprintf("%s%s?%s&signature=%s", m.client.BaseURL, path, query, *sig)

	req, err := http.NewRequestWithContext(ctx, method, full, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MEXC-APIKEY", m.client.APIKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := m.client.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if res.StatusCode >= http.StatusBadRequest {
		apiErr := new(common.APIError)
		if json.Unmarshal(data, apiErr) != nil || !apiErr.IsValid() {
			apiErr.Response = data
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

var _ Client = (*MEXC)(nil)
