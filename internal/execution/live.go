package execution

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// Credentials are the exchange API credentials. They live in memory only;
// nothing here writes them to disk or into log output.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// LiveExecutor places real orders against the futures REST API with signed
// requests.
type LiveExecutor struct {
	baseURL    string
	creds      Credentials
	recvWindow int
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewLiveExecutor creates a live executor against baseURL. Keys are trimmed
// because stray whitespace breaks the request signature.
func NewLiveExecutor(baseURL string, creds Credentials, recvWindow int, logger zerolog.Logger) *LiveExecutor {
	creds.APIKey = strings.TrimSpace(creds.APIKey)
	creds.SecretKey = strings.TrimSpace(creds.SecretKey)
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	return &LiveExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	UpdateTime    int64  `json:"updateTime"`
}

// Submit places the order and returns the confirmed fill.
func (e *LiveExecutor) Submit(ctx context.Context, order Order) (Fill, error) {
	params := map[string]string{
		"symbol":           order.Symbol,
		"side":             string(order.Side),
		"type":             string(order.Type),
		"quantity":         formatFloat(order.Quantity),
		"newOrderRespType": "RESULT",
	}
	if order.ClientOrderID != "" {
		params["newClientOrderId"] = order.ClientOrderID
	}
	if order.Type == Limit {
		params["price"] = formatFloat(order.Price)
		params["timeInForce"] = "GTC"
	}
	if order.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := e.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return Fill{}, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Fill{}, fmt.Errorf("decode order response: %w", err)
	}
	return fillFromResponse(resp)
}

// Cancel withdraws a resting order on the venue.
func (e *LiveExecutor) Cancel(ctx context.Context, symbol, orderID string) error {
	_, err := e.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	})
	if err != nil && strings.Contains(err.Error(), "-2011") {
		// Unknown order; already filled or cancelled.
		return ErrOrderNotFound
	}
	return err
}

// ClosePosition flattens symbol with a reduce-only market order sized to the
// current position.
func (e *LiveExecutor) ClosePosition(ctx context.Context, symbol string) (Fill, error) {
	pos, err := e.Position(ctx, symbol)
	if err != nil {
		return Fill{}, err
	}
	if pos.Flat() {
		return Fill{}, ErrNoPosition
	}
	side := Sell
	qty := pos.Quantity
	if qty < 0 {
		side = Buy
		qty = -qty
	}
	return e.Submit(ctx, Order{
		Symbol:     symbol,
		Side:       side,
		Type:       Market,
		Quantity:   qty,
		ReduceOnly: true,
	})
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	Leverage         string `json:"leverage"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
}

// Position returns the venue's view of exposure in symbol.
func (e *LiveExecutor) Position(ctx context.Context, symbol string) (Position, error) {
	body, err := e.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", map[string]string{"symbol": symbol})
	if err != nil {
		return Position{}, err
	}

	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return Position{}, fmt.Errorf("decode position risk: %w", err)
	}
	for _, r := range risks {
		if r.Symbol != symbol {
			continue
		}
		return Position{
			Symbol:           symbol,
			Quantity:         parseFloat(r.PositionAmt),
			EntryPrice:       parseFloat(r.EntryPrice),
			Leverage:         parseFloat(r.Leverage),
			UnrealizedPnL:    parseFloat(r.UnRealizedProfit),
			LiquidationPrice: parseFloat(r.LiquidationPrice),
		}, nil
	}
	return Position{Symbol: symbol}, nil
}

type balanceEntry struct {
	Asset            string `json:"asset"`
	AvailableBalance string `json:"availableBalance"`
}

// Balance returns the available USDT balance.
func (e *LiveExecutor) Balance(ctx context.Context) (float64, error) {
	body, err := e.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return 0, err
	}
	var entries []balanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	for _, b := range entries {
		if b.Asset == "USDT" {
			return parseFloat(b.AvailableBalance), nil
		}
	}
	return 0, nil
}

// SetLeverage configures symbol leverage on the venue.
func (e *LiveExecutor) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	_, err := e.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(int(leverage)),
	})
	return err
}

// MarkToMarket is a no-op; the venue's margin engine handles liquidation.
func (e *LiveExecutor) MarkToMarket(ctx context.Context, price float64) (*Fill, error) {
	return nil, ctx.Err()
}

// signedRequest signs the query, sends it and retries transient failures
// with exponential backoff.
func (e *LiveExecutor) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			e.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying venue request")
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
		}

		body, retryable, err := e.doSigned(ctx, method, endpoint, params)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (e *LiveExecutor) doSigned(ctx context.Context, method, endpoint string, params map[string]string) (body []byte, retryable bool, err error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	values.Set("recvWindow", strconv.Itoa(e.recvWindow))

	query := values.Encode()
	query += "&signature=" + e.sign(query)

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("X-MBX-APIKEY", e.creds.APIKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		return body, false, nil
	}
	apiErr := fmt.Errorf("%s %s: status %d: %s", method, endpoint, resp.StatusCode, string(body))
	if isRetryable(resp.StatusCode, string(body)) {
		return nil, true, fmt.Errorf("%w: %v", ErrUnavailable, apiErr)
	}
	return nil, false, fmt.Errorf("%w: %v", ErrRejected, apiErr)
}

func (e *LiveExecutor) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(e.creds.SecretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func isRetryable(status int, body string) bool {
	if status == http.StatusTooManyRequests || status >= 500 {
		return true
	}
	// Transient venue error codes.
	for _, code := range []string{"-1001", "-1003", "-1015", "-1016"} {
		if strings.Contains(body, code) {
			return true
		}
	}
	return false
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay << (attempt - 1)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func fillFromResponse(resp orderResponse) (Fill, error) {
	switch resp.Status {
	case "FILLED", "PARTIALLY_FILLED", "NEW":
	case "REJECTED", "EXPIRED":
		return Fill{}, fmt.Errorf("%w: status %s", ErrRejected, resp.Status)
	}
	return Fill{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          Side(resp.Side),
		Quantity:      parseFloat(resp.ExecutedQty),
		Price:         parseFloat(resp.AvgPrice),
		Timestamp:     time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
