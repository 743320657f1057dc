package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
	"trade_go/internal/infra"
)

const (
	streamMaxRetries   = 10
	streamPingInterval = 30 * time.Second
	streamReadTimeout  = 60 * time.Second
)

// tickResponse mirrors the upstream stream tick payload
type tickResponse struct {
	Type         string `json:"type"` // "tick"
	InstrumentID string `json:"instrument_id"`
	Last         string `json:"last"`
	Bid          string `json:"bid"`
	Ask          string `json:"ask"`
	Volume       string `json:"volume"`
	ChangeRate   string `json:"change_rate"`
	Timestamp    int64  `json:"timestamp"`
}

// StreamWorker maintains the upstream tick stream with automatic
// reconnection. Each parsed tick is handed to onQuote.
type StreamWorker struct {
	url           string
	instrumentIDs []string
	onQuote       func(domain.Quote)
	conn          *websocket.Conn
	mu            sync.RWMutex
	writeMu       sync.Mutex
	connected     bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewStreamWorker creates a stream worker for the given instruments
func NewStreamWorker(url string, instrumentIDs []string, onQuote func(domain.Quote)) *StreamWorker {
	return &StreamWorker{
		url:           url,
		instrumentIDs: instrumentIDs,
		onQuote:       onQuote,
	}
}

// Connect starts the WebSocket connection with automatic reconnection
func (w *StreamWorker) Connect(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.connectionLoop(ctx)

	return nil
}

// connectionLoop handles connection and reconnection with exponential backoff
func (w *StreamWorker) connectionLoop(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stream panic recovered", slog.Any("panic", r))
		}
	}()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			slog.Info("Stream connection loop stopped")
			return
		default:
		}

		err := w.connect(ctx)
		if err != nil {
			slog.Warn("Stream connection failed",
				slog.Any("error", err),
				slog.Int("retry", retryCount),
			)

			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > streamMaxRetries {
				slog.Error("Stream max retries exceeded, resetting counter")
				retryCount = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		w.readLoop(ctx)
	}
}

func (w *StreamWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	header := make(http.Header)
	header.Add("User-Agent", DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, w.url, header)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	if err := w.subscribe(); err != nil {
		w.closeConnection()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	go w.pingLoop(ctx)

	slog.Info("Stream connected", slog.Int("instruments", len(w.instrumentIDs)))
	return nil
}

// subscribe sends the subscription message for all instruments
func (w *StreamWorker) subscribe() error {
	msg := map[string]any{
		"op":             "subscribe",
		"channel":        "tick",
		"instrument_ids": w.instrumentIDs,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return w.threadSafeWrite(websocket.TextMessage, msgBytes)
}

func (w *StreamWorker) threadSafeWrite(messageType int, data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	conn := w.conn
	w.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	return conn.WriteMessage(messageType, data)
}

func (w *StreamWorker) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Stream pingLoop panic recovered", slog.Any("panic", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.threadSafeWrite(websocket.TextMessage, []byte("ping")); err != nil {
				slog.Warn("Stream ping failed", slog.Any("error", err))
			}
		}
	}
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Stream read error", slog.Any("error", err))
			}
			w.closeConnection()
			return
		}

		if string(message) == "pong" {
			continue
		}

		w.handleMessage(message)
	}
}

func (w *StreamWorker) handleMessage(message []byte) {
	var resp tickResponse
	if err := json.Unmarshal(message, &resp); err != nil {
		slog.Debug("Stream message parse error", slog.Any("error", err))
		return
	}

	if resp.Type != "tick" || resp.InstrumentID == "" {
		return
	}

	last, err := decimal.NewFromString(resp.Last)
	if err != nil {
		return
	}

	quote := domain.Quote{
		InstrumentID: resp.InstrumentID,
		Last:         last,
		Bid:          parseDecimal(resp.Bid),
		Ask:          parseDecimal(resp.Ask),
		Volume:       parseDecimal(resp.Volume),
		ChangeRate:   parseDecimal(resp.ChangeRate),
		Mode:         domain.ModeLTP,
		Timestamp:    resp.Timestamp,
	}
	if quote.Timestamp == 0 {
		quote.Timestamp = time.Now().UnixMilli()
	}

	if w.onQuote != nil {
		w.onQuote(quote)
	}
}

func (w *StreamWorker) closeConnection() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.connected = false
}

// Disconnect closes the WebSocket connection
func (w *StreamWorker) Disconnect() {
	if w.cancel != nil {
		w.cancel()
	}
	w.closeConnection()
	w.wg.Wait()
	slog.Info("Stream disconnected")
}

// IsConnected returns connection status
func (w *StreamWorker) IsConnected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.connected
}

var _ domain.StreamWorker = (*StreamWorker)(nil)
