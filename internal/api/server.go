// Package api exposes the minimal HTTP surface: batched quote reads,
// live event subscriptions over SSE and WebSocket, and order entry.
// Session issuance is out of scope; the caller's identity comes from a
// pluggable UserResolver.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"trade_go/internal/domain"
	"trade_go/internal/infra"
	"trade_go/internal/infra/storage"
	"trade_go/internal/push"
	"trade_go/internal/service"
)

// UserResolver extracts the authenticated user id from a request
type UserResolver func(r *http.Request) (string, error)

// ErrNoUser is returned by resolvers when the request carries no identity
var ErrNoUser = errors.New("no user identity on request")

// HeaderUserResolver reads the user id from the X-User-ID header. Real
// deployments put a session-validating resolver here instead.
func HeaderUserResolver(r *http.Request) (string, error) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		return "", ErrNoUser
	}
	return userID, nil
}

// Server wires the HTTP handlers to the application services
type Server struct {
	quotes      *service.QuoteService
	broadcaster *push.Broadcaster
	store       *storage.Storage
	submitter   domain.OrderSubmitter
	metrics     *infra.Metrics
	resolveUser UserResolver
	upgrader    websocket.Upgrader
}

// NewServer creates the HTTP server surface
func NewServer(quotes *service.QuoteService, broadcaster *push.Broadcaster, store *storage.Storage, submitter domain.OrderSubmitter, metrics *infra.Metrics, resolver UserResolver) *Server {
	if resolver == nil {
		resolver = HeaderUserResolver
	}
	return &Server{
		quotes:      quotes,
		broadcaster: broadcaster,
		store:       store,
		submitter:   submitter,
		metrics:     metrics,
		resolveUser: resolver,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/quotes", s.handleQuotes)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("POST /api/orders", s.handleOrders)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	return mux
}

type quotesResponse struct {
	Quotes map[string]domain.Quote `json:"quotes"`
	Stale  bool                    `json:"stale"`
}

func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	rawIDs := r.URL.Query().Get("ids")
	if rawIDs == "" {
		writeError(w, http.StatusBadRequest, "missing ids parameter")
		return
	}
	ids := strings.Split(rawIDs, ",")

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = domain.ModeLTP
	}
	if mode != domain.ModeLTP && mode != domain.ModeFull {
		writeError(w, http.StatusBadRequest, "unknown mode: "+mode)
		return
	}

	quotes, stale, err := s.quotes.GetQuotes(r.Context(), ids, mode)
	if err != nil {
		if errors.Is(err, domain.ErrCircuitOpen) || domain.IsRateLimited(err) {
			writeError(w, http.StatusServiceUnavailable, "upstream unavailable")
			return
		}
		if errors.Is(err, domain.ErrRequestTimeout) {
			writeError(w, http.StatusGatewayTimeout, "quote request timed out")
			return
		}
		slog.Error("Quote request failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "quote request failed")
		return
	}

	writeJSON(w, http.StatusOK, quotesResponse{Quotes: quotes, Stale: stale})
}

// handleStream holds the response open as a server-sent-events stream
// until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := push.NewSSEConn(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.broadcaster.Subscribe(userID, conn)
	defer func() {
		// Close first: a broadcast that snapshotted the connection set
		// before Unsubscribe must not touch the ResponseWriter once the
		// handler has returned.
		conn.Close()
		s.broadcaster.Unsubscribe(userID, conn)
	}()

	slog.Info("SSE stream opened", slog.String("user_id", userID))
	<-r.Context().Done()
	slog.Info("SSE stream closed", slog.String("user_id", userID))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}

	conn := push.NewWSConn(wsConn)
	s.broadcaster.Subscribe(userID, conn)
	defer func() {
		s.broadcaster.Unsubscribe(userID, conn)
		conn.Close()
	}()

	slog.Info("WebSocket stream opened", slog.String("user_id", userID))

	// Drain client frames; the read error is the disconnect signal
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			return
		}
	}
}

type orderRequest struct {
	AccountID    string `json:"account_id"`
	InstrumentID string `json:"instrument_id"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Qty          string `json:"qty"`
	Price        string `json:"price"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := s.resolveUser(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := buildOrder(&req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	owner, err := s.store.AccountOwner(req.AccountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	if owner != userID {
		writeError(w, http.StatusForbidden, "account does not belong to user")
		return
	}

	if err := s.store.CreateOrder(order); err != nil {
		slog.Error("Order persist failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "order persist failed")
		return
	}

	if err := s.submitter.SubmitOrder(r.Context(), order); err != nil {
		slog.Error("Order submit failed",
			slog.String("order_id", order.ID),
			slog.Any("error", err),
		)
		// Roll the local order back so it does not sit open forever
		if cancelErr := s.store.CancelOrder(order.ID); cancelErr != nil {
			slog.Error("Order rollback failed", slog.String("order_id", order.ID), slog.Any("error", cancelErr))
		}
		writeError(w, http.StatusBadGateway, "order submission failed")
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func buildOrder(req *orderRequest) (*domain.Order, error) {
	if req.AccountID == "" || req.InstrumentID == "" {
		return nil, errors.New("account_id and instrument_id are required")
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return nil, errors.New("side must be BUY or SELL")
	}
	if req.Type != domain.OrderTypeLimit && req.Type != domain.OrderTypeMarket {
		return nil, errors.New("type must be LIMIT or MARKET")
	}

	qty, err := decimal.NewFromString(req.Qty)
	if err != nil || !qty.IsPositive() {
		return nil, errors.New("qty must be a positive number")
	}

	price := decimal.Zero
	if req.Type == domain.OrderTypeLimit {
		price, err = decimal.NewFromString(req.Price)
		if err != nil || !price.IsPositive() {
			return nil, errors.New("limit orders require a positive price")
		}
	}

	return &domain.Order{
		AccountID:    req.AccountID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Type:         req.Type,
		Qty:          qty,
		Price:        price,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Response encode failed", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
