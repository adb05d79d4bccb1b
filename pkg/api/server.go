package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermargin/pkg/app/core"
	"github.com/uhyunpark/hypermargin/pkg/app/core/account"
	"github.com/uhyunpark/hypermargin/pkg/app/core/errs"
	"github.com/uhyunpark/hypermargin/pkg/app/core/market"
	"github.com/uhyunpark/hypermargin/pkg/app/core/order"
	"github.com/uhyunpark/hypermargin/pkg/metrics"
	"github.com/uhyunpark/hypermargin/pkg/venue"
	"github.com/uhyunpark/hypermargin/pkg/venue/sim"
)

// Prices is the write side of the price feed. *oracle.Feed satisfies it.
type Prices interface {
	SetMark(market string, price decimal.Decimal) error
	SetIndex(token string, price decimal.Decimal) error
	MarkPrice(market string) (decimal.Decimal, bool)
}

// Books exposes venue depth. *sim.Venue satisfies it; nil disables the
// orderbook endpoint.
type Books interface {
	Depth(symbol string) (bids, asks []sim.Level)
}

// Options configures a Server
type Options struct {
	Coordinator *account.Coordinator
	Registry    *market.Registry
	Prices      Prices
	Books       Books
	Logger      *zap.SugaredLogger
	CORSOrigins []string
}

// Server handles REST API and WebSocket connections
type Server struct {
	coord    *account.Coordinator
	registry *market.Registry
	prices   Prices
	books    Books
	router   *mux.Router
	hub      *Hub // WebSocket hub
	log      *zap.SugaredLogger
	origins  []string
}

// NewServer creates a new API server and subscribes the WebSocket hub to
// coordinator updates
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		coord:    opts.Coordinator,
		registry: opts.Registry,
		prices:   opts.Prices,
		books:    opts.Books,
		router:   mux.NewRouter(),
		hub:      NewHub(opts.Logger),
		log:      opts.Logger,
		origins:  opts.CORSOrigins,
	}
	s.coord.OnUpdate(s.pushUpdate)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}", s.handleGetMarket).Methods("GET")
	api.HandleFunc("/markets/{symbol}/orderbook", s.handleGetOrderbook).Methods("GET")
	api.HandleFunc("/markets/{symbol}/status", s.handleSetMarketStatus).Methods("PUT")

	// Collateral endpoints
	acct := api.PathPrefix("/accounts/{address}").Subrouter()
	acct.HandleFunc("/collateral/balances", s.handleGetBalances).Methods("GET")
	acct.HandleFunc("/collateral/deposit/{symbol}", s.handleDeposit).Methods("POST")
	acct.HandleFunc("/collateral/withdraw/{symbol}", s.handleWithdraw).Methods("POST")

	// Position and account endpoints
	acct.HandleFunc("/position", s.handleGetPositions).Methods("GET")
	acct.HandleFunc("/summary", s.handleGetSummary).Methods("GET")

	// Order endpoints
	acct.HandleFunc("/orders/{symbol}", s.handleGetOrders).Methods("GET")
	acct.HandleFunc("/orders/{symbol}", s.handlePlaceOrder).Methods("POST")
	acct.HandleFunc("/orders/{symbol}", s.handleCancelOrder).Methods("DELETE")

	// Upstream pushes
	api.HandleFunc("/venue/events", s.handleVenueEvent).Methods("POST")
	api.HandleFunc("/prices/{symbol}", s.handleSetPrice).Methods("PUT")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check and metrics
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000", "http://localhost:3001"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Infow("api_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.registry.ListMarkets()
	out := make([]MarketInfo, 0, len(markets))
	for _, m := range markets {
		out = append(out, s.marketInfo(m))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.registry.Market(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, s.marketInfo(m))
}

// handleSetMarketStatus pauses, resumes or settles a market. Settled is final.
func (s *Server) handleSetMarketStatus(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req MarketStatusRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	status, err := market.ParseMarketStatus(req.Status)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	m, err := s.registry.UpdateMarketStatus(symbol, status)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	s.log.Infow("market_status_changed", "market", symbol, "status", m.Status.String())
	respondJSON(w, http.StatusOK, s.marketInfo(m))
}

func (s *Server) marketInfo(m *market.Market) MarketInfo {
	info := MarketInfo{
		Symbol:                    m.Symbol,
		BaseAsset:                 m.BaseAsset,
		SettleToken:               m.SettleToken,
		Status:                    m.Status.String(),
		TickSize:                  m.TickSize,
		LotSize:                   m.LotSize,
		MinOrderSize:              m.MinOrderSize,
		MaxLeverage:               m.MaxLeverage(),
		InitialMarginFraction:     m.InitialMarginFraction,
		MaintenanceMarginFraction: m.MaintenanceMarginFraction,
	}
	if s.prices != nil {
		if p, ok := s.prices.MarkPrice(m.Symbol); ok {
			info.MarkPrice = p
		}
	}
	return info
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orderbook(mux.Vars(r)["symbol"])
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) orderbook(symbol string) (OrderbookSnapshot, error) {
	m, err := s.registry.Market(symbol)
	if err != nil {
		return OrderbookSnapshot{}, err
	}
	snap := OrderbookSnapshot{
		Symbol:    m.Symbol,
		Bids:      []PriceLevel{},
		Asks:      []PriceLevel{},
		Timestamp: time.Now().UnixMilli(),
	}
	if s.books == nil {
		return snap, nil
	}
	bids, asks := s.books.Depth(m.Symbol)
	snap.Bids = levels(m, bids)
	snap.Asks = levels(m, asks)
	return snap, nil
}

func levels(m *market.Market, in []sim.Level) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{
			Price: m.TickSize.Mul(decimal.NewFromInt(l.Tick)),
			Size:  m.LotSize.Mul(decimal.NewFromInt(l.Lots)),
		}
	}
	return out
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	balances, err := s.coord.Balances(addr)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, balances)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	var req DepositRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	res, err := s.coord.Deposit(r.Context(), addr, mux.Vars(r)["symbol"], req.Amount, req.RepayOnly)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	var req WithdrawRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	bal, err := s.coord.Withdraw(r.Context(), addr, mux.Vars(r)["symbol"], req.Amount, req.AllowBorrow)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, bal)
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	positions, err := s.coord.Positions(addr)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, positions)
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	summary, err := s.coord.Summary(addr)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	all := r.URL.Query().Get("all") == "true"
	orders, err := s.coord.Orders(addr, mux.Vars(r)["symbol"], all)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	var body PlaceOrderRequest
	if err := decodeBody(r, &body); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	typ, err := core.ParseOrderType(body.OrderType)
	if err != nil {
		s.respondErr(w, r, errs.New(errs.KindInvalidRequest, "%v", err), nil)
		return
	}

	o, err := s.coord.PlaceOrder(r.Context(), addr, order.Request{
		Market:   mux.Vars(r)["symbol"],
		Side:     body.Side,
		Type:     typ,
		Size:     body.Size,
		Price:    body.Price,
		ClientID: body.ClientID,
		Limit:    body.Limit,
	})
	if err != nil {
		// on ack timeout the order exists (rejected or canceled)
		s.respondErr(w, r, err, o)
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	addr, err := addressVar(r)
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	q := r.URL.Query()

	var id *uuid.UUID
	if v := q.Get("orderId"); v != "" {
		parsed, err := uuid.Parse(v)
		if err != nil {
			s.respondErr(w, r, errs.New(errs.KindInvalidRequest, "invalid orderId %q", v), nil)
			return
		}
		id = &parsed
	}
	var side *core.Side
	if v := q.Get("side"); v != "" {
		parsed, err := core.ParseSide(v)
		if err != nil {
			s.respondErr(w, r, errs.New(errs.KindInvalidRequest, "%v", err), nil)
			return
		}
		side = &parsed
	}

	o, err := s.coord.CancelOrder(r.Context(), addr, mux.Vars(r)["symbol"], id, side, q.Get("clientId"))
	if err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// handleVenueEvent is the matching-engine webhook
func (s *Server) handleVenueEvent(w http.ResponseWriter, r *http.Request) {
	var ev venue.Event
	if err := decodeBody(r, &ev); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if err := s.coord.HandleEvent(r.Context(), ev); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleSetPrice sets a market's mark price or a token's index price,
// depending on which registry the symbol belongs to
func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	var req PriceRequest
	if err := decodeBody(r, &req); err != nil {
		s.respondErr(w, r, err, nil)
		return
	}

	var err error
	kind := "mark"
	if _, merr := s.registry.Market(symbol); merr == nil {
		err = s.prices.SetMark(symbol, req.Price)
	} else if _, terr := s.registry.Token(symbol); terr == nil {
		kind = "index"
		err = s.prices.SetIndex(symbol, req.Price)
	} else {
		err = errs.New(errs.KindInvalidRequest, "unknown symbol %s", symbol)
	}
	if err != nil {
		if errs.KindOf(err) == "" {
			err = errs.New(errs.KindInvalidRequest, "%v", err)
		}
		s.respondErr(w, r, err, nil)
		return
	}
	s.log.Debugw("price_set", "symbol", symbol, "kind", kind, "price", req.Price)
	respondJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "kind": kind, "price": req.Price.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast Methods
// ==============================

// AccountChannel is the WebSocket channel carrying an account's updates
func AccountChannel(addr common.Address) string {
	return "account:" + strings.ToLower(addr.Hex())
}

// pushUpdate forwards a coordinator update to the account's subscribers
func (s *Server) pushUpdate(u account.Update) {
	s.hub.BroadcastToChannel(AccountChannel(u.Address), string(u.Kind), u)
}

// BroadcastOrderbook pushes venue depth to "orderbook:{symbol}" subscribers
func (s *Server) BroadcastOrderbook(symbol string) {
	snap, err := s.orderbook(symbol)
	if err != nil {
		return
	}
	s.hub.BroadcastToChannel("orderbook:"+symbol, "orderbook", snap)
}

// ==============================
// Helper Functions
// ==============================

func addressVar(r *http.Request) (common.Address, error) {
	v := mux.Vars(r)["address"]
	if !common.IsHexAddress(v) {
		return common.Address{}, errs.New(errs.KindInvalidRequest, "invalid address %q", v)
	}
	return common.HexToAddress(v), nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.New(errs.KindInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string, o interface{}) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
		Order:   o,
	})
}

// respondErr maps a core error to its status and code. Anything that is not
// an *errs.Error is reported as an internal error.
func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error, o *order.Order) {
	status := errs.HTTPStatus(err)
	code := string(errs.KindOf(err))
	message := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if code == "" {
		code = "INTERNAL"
	}
	if status >= http.StatusInternalServerError {
		s.log.Errorw("request_failed", "method", r.Method, "path", r.URL.Path, "code", code, "err", err)
	}
	var body interface{}
	if o != nil {
		body = o
	}
	respondError(w, status, code, message, body)
}
