package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gregtusar/calspread/pkg/models"
	"github.com/gregtusar/calspread/pkg/trader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StateProvider exposes the latest engine snapshot.
type StateProvider interface {
	Snapshot() *trader.Snapshot
}

// TradeHistory lists journaled spread trades, newest first.
type TradeHistory interface {
	Recent(ctx context.Context, limit int) ([]models.SpreadTrade, error)
}

type Server struct {
	state  StateProvider
	trades TradeHistory
	logger *logrus.Logger
	srv    *http.Server
}

// NewServer serves read-only engine state on port. trades may be nil when
// no journal is configured.
func NewServer(state StateProvider, trades TradeHistory, logger *logrus.Logger, port string) *Server {
	s := &Server{
		state:  state,
		trades: trades,
		logger: logger,
	}
	s.srv = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/months", s.handleMonths).Methods(http.MethodGet)
	api.HandleFunc("/market", s.handleMarket).Methods(http.MethodGet)
	api.HandleFunc("/spreads", s.handleSpreads).Methods(http.MethodGet)
	api.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	api.HandleFunc("/orders", s.handleOrders).Methods(http.MethodGet)
	api.HandleFunc("/trades", s.handleTrades).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler())
	r.Use(corsMiddleware)
	return r
}

func (s *Server) Start() error {
	s.logger.Infof("Starting API server on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}
	if snap := s.state.Snapshot(); snap != nil {
		response["variant"] = snap.Variant
		response["updated_at"] = snap.UpdatedAt
	} else {
		response["status"] = "starting"
	}

	s.writeJSON(w, http.StatusOK, response)
}

type monthsView struct {
	Near             string    `json:"near"`
	Far              string    `json:"far"`
	Settlement       time.Time `json:"settlement"`
	DaysToSettlement int       `json:"days_to_settlement"`
	Rolled           bool      `json:"rolled"`
}

func (s *Server) handleMonths(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	m := snap.Months
	s.writeJSON(w, http.StatusOK, monthsView{
		Near:             m.NearCode(),
		Far:              m.FarCode(),
		Settlement:       m.Settlement,
		DaysToSettlement: m.DaysToSettlement,
		Rolled:           m.Rolled,
	})
}

func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, http.StatusOK, snap.Market)
	}
}

func (s *Server) handleSpreads(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, http.StatusOK, snap.Spreads)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"positions": snap.Positions,
			"margin":    snap.Margin,
			"balance":   snap.Balance,
		})
	}
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w); ok {
		s.writeJSON(w, http.StatusOK, snap.Orders)
	}
}

type legView struct {
	Contract string  `json:"contract"`
	Slot     string  `json:"slot"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	OrderID  string  `json:"order_id,omitempty"`
	Status   string  `json:"status"`
	Error    string  `json:"error,omitempty"`
}

type tradeView struct {
	ID              string    `json:"id"`
	Variant         string    `json:"variant"`
	Instrument      string    `json:"instrument"`
	Gap             float64   `json:"gap"`
	Quantity        int64     `json:"quantity"`
	EstimatedProfit float64   `json:"estimated_profit"`
	CreatedAt       time.Time `json:"created_at"`
	Legs            []legView `json:"legs"`
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		s.writeJSON(w, http.StatusOK, []tradeView{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}

	trades, err := s.trades.Recent(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to read trade journal")
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		view := tradeView{
			ID:              t.ID,
			Variant:         t.Variant,
			Instrument:      t.Instrument,
			Gap:             t.Gap,
			Quantity:        t.Quantity,
			EstimatedProfit: t.EstimatedProfit,
			CreatedAt:       t.CreatedAt,
		}
		for _, l := range t.Legs {
			lv := legView{
				Contract: l.Leg.Contract.Code,
				Slot:     l.Leg.Contract.Slot.String(),
				Side:     string(l.Leg.Side),
				Price:    l.Leg.Price,
				OrderID:  l.OrderID,
				Status:   string(l.Status),
			}
			if l.Err != nil {
				lv.Error = l.Err.Error()
			}
			view.Legs = append(view.Legs, lv)
		}
		out = append(out, view)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) snapshot(w http.ResponseWriter) (*trader.Snapshot, bool) {
	snap := s.state.Snapshot()
	if snap == nil {
		http.Error(w, "engine not started", http.StatusServiceUnavailable)
		return nil, false
	}
	return snap, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
