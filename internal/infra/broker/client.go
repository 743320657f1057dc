// Package broker talks to the upstream brokerage API: a REST surface
// for batched quote snapshots and order submission, and a WebSocket
// stream for real-time ticks.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
)

const (
	restTimeout      = 10 * time.Second
	DefaultUserAgent = "Mozilla/5.0"
)

// quoteRequest is the upstream batched quote body
type quoteRequest struct {
	InstrumentIDs []string `json:"instrument_ids"`
	Mode          string   `json:"mode"`
}

// quoteResponse mirrors the upstream quote payload. Prices come as
// strings to avoid float rounding on the wire.
type quoteResponse struct {
	Quotes []struct {
		InstrumentID string `json:"instrument_id"`
		Last         string `json:"last"`
		Bid          string `json:"bid"`
		Ask          string `json:"ask"`
		Volume       string `json:"volume"`
		ChangeRate   string `json:"change_rate"`
		Timestamp    int64  `json:"timestamp"`
	} `json:"quotes"`
}

type orderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	InstrumentID  string `json:"instrument_id"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Qty           string `json:"qty"`
	Price         string `json:"price,omitempty"`
}

// Client is the REST client for the upstream brokerage. Call metering
// happens in the dispatch queue, not here.
type Client struct {
	baseURL    string
	accessKey  string
	secretKey  string
	httpClient *http.Client
}

// NewClient creates a REST broker client
func NewClient(baseURL, accessKey, secretKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		accessKey: accessKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: restTimeout,
		},
	}
}

// FetchQuotes requests a batched snapshot for the given instruments.
// Implements domain.QuoteFetcher.
func (c *Client) FetchQuotes(ctx context.Context, instrumentIDs []string, mode string) (map[string]domain.Quote, error) {
	body, err := json.Marshal(quoteRequest{InstrumentIDs: instrumentIDs, Mode: mode})
	if err != nil {
		return nil, err
	}

	raw, err := c.post(ctx, "/v1/quotes", body, "fetch_quotes")
	if err != nil {
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &domain.UpstreamError{Op: "fetch_quotes", Err: fmt.Errorf("decode response: %w", err)}
	}

	quotes := make(map[string]domain.Quote, len(resp.Quotes))
	for _, q := range resp.Quotes {
		quotes[q.InstrumentID] = domain.Quote{
			InstrumentID: q.InstrumentID,
			Last:         parseDecimal(q.Last),
			Bid:          parseDecimal(q.Bid),
			Ask:          parseDecimal(q.Ask),
			Volume:       parseDecimal(q.Volume),
			ChangeRate:   parseDecimal(q.ChangeRate),
			Mode:         mode,
			Timestamp:    q.Timestamp,
		}
	}

	slog.Debug("Quotes fetched",
		slog.Int("requested", len(instrumentIDs)),
		slog.Int("returned", len(quotes)),
		slog.String("mode", mode),
	)
	return quotes, nil
}

// SubmitOrder sends the order upstream. Implements domain.OrderSubmitter.
func (c *Client) SubmitOrder(ctx context.Context, order *domain.Order) error {
	req := orderRequest{
		ClientOrderID: order.ID,
		InstrumentID:  order.InstrumentID,
		Side:          order.Side,
		Type:          order.Type,
		Qty:           order.Qty.String(),
	}
	if order.Type == domain.OrderTypeLimit {
		req.Price = order.Price.String()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	if _, err := c.post(ctx, "/v1/orders", body, "submit_order"); err != nil {
		return err
	}

	slog.Info("Order submitted upstream",
		slog.String("order_id", order.ID),
		slog.String("instrument", order.InstrumentID),
		slog.String("side", order.Side),
	)
	return nil
}

// post sends an authenticated JSON request and returns the response body.
// Non-2xx statuses and transport failures come back as UpstreamError so
// callers can classify them.
func (c *Client) post(ctx context.Context, path string, body []byte, op string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, &domain.UpstreamError{Op: op, Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", DefaultUserAgent)
	req.Header.Set("X-Access-Key", c.accessKey)
	req.Header.Set("X-Secret-Key", c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.UpstreamError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.UpstreamError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	return raw, nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
