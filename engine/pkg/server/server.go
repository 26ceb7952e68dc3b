// Package server exposes the engine over HTTP: trade ingestion, epoch and
// dividend queries, claims, and the operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/fanbase-labs/divvy/engine/pkg/claim"
	"github.com/fanbase-labs/divvy/engine/pkg/dividend"
	"github.com/fanbase-labs/divvy/engine/pkg/epoch"
	"github.com/fanbase-labs/divvy/engine/pkg/faults"
	"github.com/fanbase-labs/divvy/engine/pkg/market"
	"github.com/fanbase-labs/divvy/engine/pkg/metrics"
	"github.com/fanbase-labs/divvy/engine/pkg/store"
)

// Config holds the server configuration.
type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	ListenAddr string
	Store      store.Store
	Market     *market.Market
	Epochs     *epoch.Manager
	Dividends  *dividend.Calculator
	Claims     *claim.Registry

	// Ready reports whether the engine has completed its first scheduler
	// pass. Nil means always ready.
	Ready func() bool

	// RateLimit and RateBurst bound per-IP request rates on the write
	// endpoints. Zero disables limiting.
	RateLimit rate.Limit
	RateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Market == nil {
		return errors.New("market is required")
	}
	if cfg.Epochs == nil {
		return errors.New("epoch manager is required")
	}
	if cfg.Dividends == nil {
		return errors.New("dividend calculator is required")
	}
	if cfg.Claims == nil {
		return errors.New("claim registry is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the engine's HTTP front.
type Server struct {
	log *slog.Logger
	cfg Config
	mux *chi.Mux
}

// New constructs the server and its routes.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.mux = s.routes()
	return s, nil
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	s.log.Info("server: stopped")
	return nil
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			rl := newRateLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
			r.Use(rl.middleware)
		}

		r.Post("/creators", s.handleCreateCreator)
		r.Get("/creators/{creatorID}", s.handleGetCreator)
		r.Get("/creators/{creatorID}/epochs", s.handleListEpochs)
		r.Get("/creators/{creatorID}/epochs/current", s.handleCurrentEpoch)
		r.Post("/creators/{creatorID}/epochs/finalize", s.handleFinalize)
		r.Post("/creators/{creatorID}/market-volume", s.handleMarketVolume)

		r.Post("/trades", s.handleTrade)

		r.Post("/epochs/{epochID}/dividends", s.handleCalculate)
		r.Get("/epochs/{epochID}/dividends", s.handleEpochDividends)
		r.Post("/epochs/{epochID}/claims", s.handleClaim)

		r.Get("/holders/{holder}/dividends", s.handleHolderDividends)
		r.Get("/holders/{holder}/claims", s.handleHolderClaims)

		r.Get("/dead-letters", s.handleDeadLetters)
	})
	return r
}

// observe records request durations by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil && !s.cfg.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createCreatorRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleCreateCreator(w http.ResponseWriter, r *http.Request) {
	var req createCreatorRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ID == "" {
		s.writeError(w, r, faults.Validationf("creator id is required"))
		return
	}

	c, err := s.cfg.Store.CreateCreator(r.Context(), store.Creator{ID: req.ID, CreatedAt: s.cfg.Clock.Now().UTC()})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			s.writeError(w, r, faults.Conflictf("creator %s: %w", req.ID, err))
			return
		}
		s.writeError(w, r, faults.Transientf("create creator: %w", err))
		return
	}
	ep, err := s.cfg.Epochs.EnsureOpenEpoch(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"creator": creatorJSON(c),
		"epoch":   epochJSON(ep),
	})
}

func (s *Server) handleGetCreator(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "creatorID")
	c, err := s.cfg.Store.GetCreator(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, r, faults.Validationf("creator %s: %w", id, err))
			return
		}
		s.writeError(w, r, faults.Transientf("get creator: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, creatorJSON(c))
}

type tradeRequest struct {
	TradeID   string `json:"trade_id"`
	CreatorID string `json:"creator_id"`
	Trader    string `json:"trader"`
	Side      string `json:"side"`
	Amount    int64  `json:"amount"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req tradeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	order := market.Order{
		TradeID:   req.TradeID,
		CreatorID: req.CreatorID,
		Trader:    req.Trader,
		Amount:    req.Amount,
	}

	var (
		res market.TradeResult
		err error
	)
	switch store.TradeSide(req.Side) {
	case store.SideBuy:
		res, err = s.cfg.Market.Buy(r.Context(), order)
	case store.SideSell:
		res, err = s.cfg.Market.Sell(r.Context(), order)
	default:
		err = faults.Validationf("unknown trade side %q", req.Side)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"trade_id":        res.Trade.ID,
		"side":            string(res.Trade.Side),
		"quote_amount":    res.Trade.QuoteAmount,
		"fee":             res.Fee,
		"reward_pool_fee": res.RewardPoolFee,
		"supply":          res.NewSupply,
		"duplicate":       res.Duplicate,
	})
}

type marketVolumeRequest struct {
	Volume int64 `json:"volume"`
}

func (s *Server) handleMarketVolume(w http.ResponseWriter, r *http.Request) {
	var req marketVolumeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	creatorID := chi.URLParam(r, "creatorID")
	fee, err := s.cfg.Market.RecordMarketVolume(r.Context(), creatorID, req.Volume)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"creator_id": creatorID,
		"volume":     req.Volume,
		"market_fee": fee,
	})
}

func (s *Server) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	eps, err := s.cfg.Epochs.History(r.Context(), chi.URLParam(r, "creatorID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(eps))
	for _, ep := range eps {
		out = append(out, epochJSON(ep))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCurrentEpoch(w http.ResponseWriter, r *http.Request) {
	ep, err := s.cfg.Epochs.Current(r.Context(), chi.URLParam(r, "creatorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, epochJSON(ep))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Epochs.Finalize(r.Context(), chi.URLParam(r, "creatorID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"finalized": epochJSON(res.Finalized),
		"next":      epochJSON(res.Next),
	})
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Dividends.Calculate(r.Context(), chi.URLParam(r, "epochID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"epoch_id":          res.EpochID,
		"shareholders":      res.ShareholdersCount,
		"total_fees":        res.TotalFees,
		"total_distributed": res.TotalDistributed,
		"dust":              res.Dust,
		"already_computed":  res.AlreadyComputed,
	})
}

func (s *Server) handleEpochDividends(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Store.ListClaimablesByEpoch(r.Context(), chi.URLParam(r, "epochID"))
	if err != nil {
		s.writeError(w, r, faults.Transientf("list claimables: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, claimablesJSON(rows))
}

type claimRequest struct {
	Holder string `json:"holder"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Holder == "" {
		s.writeError(w, r, faults.Validationf("holder is required"))
		return
	}
	cd, err := s.cfg.Claims.Claim(r.Context(), chi.URLParam(r, "epochID"), req.Holder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimableJSON(cd))
}

func (s *Server) handleHolderDividends(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Claims.Claimable(r.Context(), chi.URLParam(r, "holder"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimablesJSON(rows))
}

func (s *Server) handleHolderClaims(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Claims.History(r.Context(), chi.URLParam(r, "holder"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, c := range rows {
		out = append(out, map[string]any{
			"id":         c.ID,
			"epoch_id":   c.EpochID,
			"holder":     c.Holder,
			"amount":     c.Amount,
			"tx_ref":     c.TxRef,
			"claimed_at": c.ClaimedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	rows, err := s.cfg.Store.ListDeadLetters(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		s.writeError(w, r, faults.Transientf("list dead letters: %w", err))
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, d := range rows {
		out = append(out, map[string]any{
			"id":         d.ID,
			"job_kind":   d.JobKind,
			"creator_id": d.CreatorID,
			"payload":    json.RawMessage(d.Payload),
			"attempts":   d.Attempts,
			"last_error": d.LastError,
			"created_at": d.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func creatorJSON(c store.Creator) map[string]any {
	out := map[string]any{
		"id":              c.ID,
		"supply":          c.Supply,
		"total_volume":    c.TotalVolume,
		"shares_unlocked": c.SharesUnlocked,
		"created_at":      c.CreatedAt,
	}
	if c.SharesUnlocked {
		out["shares_unlocked_at"] = c.SharesUnlockedAt
	}
	return out
}

func epochJSON(ep store.Epoch) map[string]any {
	out := map[string]any{
		"id":          ep.ID,
		"creator_id":  ep.CreatorID,
		"number":      ep.Number,
		"start_time":  ep.StartTime,
		"end_time":    ep.EndTime,
		"distributed": ep.Distributed,
	}
	if ep.Distributed {
		out["share_fees"] = ep.ShareFees
		out["market_fees"] = ep.MarketFees
		out["total_fees"] = ep.TotalFees
		out["total_shares"] = ep.TotalSharesAtSnapshot
		out["distributed_at"] = ep.DistributedAt
	}
	return out
}

func claimableJSON(cd store.ClaimableDividend) map[string]any {
	out := map[string]any{
		"epoch_id":    cd.EpochID,
		"creator_id":  cd.CreatorID,
		"holder":      cd.Holder,
		"shares_held": cd.SharesHeld,
		"amount":      cd.Amount,
		"claimed":     cd.Claimed,
	}
	if cd.Claimed {
		out["claimed_at"] = cd.ClaimedAt
		out["tx_ref"] = cd.TxRef
	}
	return out
}

func claimablesJSON(rows []store.ClaimableDividend) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, cd := range rows {
		out = append(out, claimableJSON(cd))
	}
	return out
}

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return faults.Validationf("invalid request body: %w", err)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch faults.KindOf(err) {
	case faults.KindValidation:
		status = http.StatusBadRequest
	case faults.KindConflict:
		status = http.StatusConflict
	case faults.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
