// Package api provides the HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/steampunk-industries/quantsim/internal/backtest"
	"github.com/steampunk-industries/quantsim/internal/config"
	"github.com/steampunk-industries/quantsim/internal/data"
	"github.com/steampunk-industries/quantsim/internal/optimize"
	"github.com/steampunk-industries/quantsim/internal/strategy"
	"github.com/steampunk-industries/quantsim/internal/telemetry"
	"github.com/steampunk-industries/quantsim/pkg/types"
)

// RunState tracks an asynchronous backtest or sweep
type RunState struct {
	ID          string                      `json:"id"`
	Kind        string                      `json:"kind"`
	Status      string                      `json:"status"`
	Error       string                      `json:"error,omitempty"`
	Result      *types.BacktestResult       `json:"result,omitempty"`
	Sweep       *optimize.SweepResult       `json:"sweep,omitempty"`
	WalkForward *optimize.WalkForwardReport `json:"walkForward,omitempty"`
	StartedAt   time.Time                   `json:"startedAt"`
	cancel      context.CancelFunc
}

// Server is the HTTP/WebSocket API server
type Server struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	config   *config.Config
	store    *data.Store
	registry *strategy.Registry
	metrics  *telemetry.Metrics
	hub      *Hub

	runs       map[string]*RunState
	httpServer *http.Server
}

// NewServer creates the API server
func NewServer(logger *zap.Logger, cfg *config.Config, store *data.Store, registry *strategy.Registry, metrics *telemetry.Metrics) *Server {
	s := &Server{
		logger:   logger,
		config:   cfg,
		store:    store,
		registry: registry,
		metrics:  metrics,
		hub:      NewHub(logger),
		runs:     make(map[string]*RunState),
	}

	router := mux.NewRouter()
	s.setupRoutes(router)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

func (s *Server) setupRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/strategies", s.handleStrategies).Methods("GET")
	api.HandleFunc("/data/symbols", s.handleSymbols).Methods("GET")
	api.HandleFunc("/data/history/{symbol}", s.handleHistory).Methods("GET")

	api.HandleFunc("/backtest/run", s.handleBacktestRun).Methods("POST")
	api.HandleFunc("/backtest/{id}", s.handleRunStatus).Methods("GET")
	api.HandleFunc("/backtest/{id}/trades", s.handleRunTrades).Methods("GET")
	api.HandleFunc("/backtest/{id}/equity", s.handleRunEquity).Methods("GET")
	api.HandleFunc("/backtest/{id}/cancel", s.handleRunCancel).Methods("POST")

	api.HandleFunc("/optimize/grid", s.handleOptimizeGrid).Methods("POST")
	api.HandleFunc("/optimize/bayesian", s.handleOptimizeBayesian).Methods("POST")
	api.HandleFunc("/optimize/walkforward", s.handleWalkForward).Methods("POST")
	api.HandleFunc("/optimize/{id}", s.handleRunStatus).Methods("GET")

	router.Handle("/metrics", s.metrics.Handler())
	router.HandleFunc("/ws", s.hub.HandleWebSocket)
}

// Start runs the server until the context is canceled
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategies": s.registry.List(),
	})
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbols": s.store.Symbols(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := pathSymbol(mux.Vars(r)["symbol"])
	timeframe := types.Timeframe(r.URL.Query().Get("timeframe"))
	if timeframe == "" {
		timeframe = types.Timeframe1h
	}

	bars, err := s.store.LoadBars(r.Context(), symbol, timeframe)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":    symbol,
		"timeframe": timeframe,
		"bars":      bars,
	})
}

func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var cfg types.BacktestConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.applyDefaults(&cfg)
	if errs := cfg.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"errors": errs})
		return
	}

	state := s.newRun("backtest")
	cfg.ID = state.ID

	go s.runBacktest(state, cfg)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     state.ID,
		"status": state.Status,
	})
}

// runBacktest executes a run in the background, streaming progress to
// WebSocket subscribers
func (s *Server) runBacktest(state *RunState, cfg types.BacktestConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancel(state.ID, cancel)
	defer cancel()

	s.metrics.ActiveRuns.Inc()
	defer s.metrics.ActiveRuns.Dec()

	bars, err := s.store.LoadBars(ctx, cfg.Symbol, cfg.Timeframe)
	if err != nil {
		s.finishRun(state.ID, nil, err)
		return
	}

	progress := make(chan types.BacktestProgress, 16)
	go func() {
		for p := range progress {
			s.hub.Broadcast("backtest_progress", p)
		}
	}()

	engine := backtest.NewEngine(s.logger, s.registry)
	engine.SetProgressChannel(progress)
	result, err := engine.Run(ctx, cfg, bars)
	close(progress)

	s.finishRun(state.ID, result, err)
}

type optimizeRequest struct {
	Symbol    string          `json:"symbol"`
	Strategy  string          `json:"strategy"`
	Timeframe types.Timeframe `json:"timeframe"`
	Grid      optimize.Grid   `json:"grid"`
	Metric    string          `json:"metric"`
	Minimize  bool            `json:"minimize"`
	Workers   int             `json:"workers"`
	Trials    int             `json:"trials"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	TrainDays int             `json:"trainDays"`
	TestDays  int             `json:"testDays"`
}

func (s *Server) handleOptimizeGrid(w http.ResponseWriter, r *http.Request) {
	s.handleSweep(w, r, "grid")
}

func (s *Server) handleOptimizeBayesian(w http.ResponseWriter, r *http.Request) {
	s.handleSweep(w, r, "bayesian")
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request, method string) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Symbol == "" || req.Strategy == "" || len(req.Grid) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []string{"symbol, strategy and grid are required"},
		})
		return
	}
	if req.Timeframe == "" {
		req.Timeframe = types.Timeframe1h
	}

	state := s.newRun("optimize")
	go s.runSweep(state, req, method)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     state.ID,
		"status": state.Status,
	})
}

func (s *Server) runSweep(state *RunState, req optimizeRequest, method string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancel(state.ID, cancel)
	defer cancel()

	optimizer := s.newOptimizer(req)
	run := s.sweepRunFunc(req, optimize.DateRange{Start: req.StartDate, End: req.EndDate})

	var sweep *optimize.SweepResult
	var err error
	if method == "bayesian" {
		sweep, err = optimizer.BayesianSearch(ctx, req.Grid, run)
	} else {
		sweep, err = optimizer.GridSearch(ctx, req.Grid, run)
	}

	s.mu.Lock()
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
	} else {
		state.Status = "completed"
		state.Sweep = sweep
		s.metrics.TrialsTotal.Add(float64(sweep.Trials))
		s.metrics.TrialFailures.Add(float64(sweep.Failed))
	}
	s.mu.Unlock()

	s.hub.Broadcast("sweep_completed", map[string]interface{}{
		"id":     state.ID,
		"status": state.Status,
	})
}

func (s *Server) handleWalkForward(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Symbol == "" || req.Strategy == "" || len(req.Grid) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"errors": []string{"symbol, strategy and grid are required"},
		})
		return
	}
	if req.Timeframe == "" {
		req.Timeframe = types.Timeframe1h
	}
	if req.TrainDays <= 0 {
		req.TrainDays = s.config.WalkForward.TrainDays
	}
	if req.TestDays <= 0 {
		req.TestDays = s.config.WalkForward.TestDays
	}

	state := s.newRun("walkforward")
	go s.runWalkForward(state, req)

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":     state.ID,
		"status": state.Status,
	})
}

func (s *Server) runWalkForward(state *RunState, req optimizeRequest) {
	ctx, cancel := context.WithCancel(context.Background())
	s.setCancel(state.ID, cancel)
	defer cancel()

	optimizer := s.newOptimizer(req)
	wfConfig := optimize.WalkForwardConfig{
		TrainDays: req.TrainDays,
		TestDays:  req.TestDays,
	}

	start, end := req.StartDate, req.EndDate
	if start.IsZero() || end.IsZero() {
		bars, err := s.store.LoadBars(ctx, req.Symbol, req.Timeframe)
		if err != nil || len(bars) == 0 {
			s.failRun(state.ID, err)
			return
		}
		start = bars[0].Timestamp
		end = bars[len(bars)-1].Timestamp
	}

	report, err := optimizer.WalkForward(ctx, req.Grid, start, end, wfConfig,
		func(ctx context.Context, params optimize.ParamSet, r optimize.DateRange) (*types.BacktestResult, error) {
			return s.sweepRunFunc(req, r)(ctx, params)
		})

	s.mu.Lock()
	if err != nil {
		state.Status = "failed"
		state.Error = err.Error()
	} else {
		state.Status = "completed"
		state.WalkForward = report
	}
	s.mu.Unlock()

	s.hub.Broadcast("walkforward_completed", map[string]interface{}{
		"id":     state.ID,
		"status": state.Status,
	})
}

// sweepRunFunc builds the per-trial run function: one fresh engine
// and exchange per candidate param set
func (s *Server) sweepRunFunc(req optimizeRequest, dateRange optimize.DateRange) optimize.RunFunc {
	return func(ctx context.Context, params optimize.ParamSet) (*types.BacktestResult, error) {
		bars, err := s.store.LoadBars(ctx, req.Symbol, req.Timeframe)
		if err != nil {
			return nil, err
		}

		cfg := types.BacktestConfig{
			Symbol:       req.Symbol,
			StrategyName: req.Strategy,
			Parameters:   params,
			Timeframe:    req.Timeframe,
			StartDate:    dateRange.Start,
			EndDate:      dateRange.End,
			Exchange:     s.config.TypesExchangeConfig(),
			Risk:         s.config.Risk,
		}
		s.applyDefaults(&cfg)

		return backtest.NewEngine(s.logger, s.registry).Run(ctx, cfg, bars)
	}
}

func (s *Server) newOptimizer(req optimizeRequest) *optimize.Optimizer {
	optConfig := s.config.Optimizer
	if req.Metric != "" {
		optConfig.Metric = req.Metric
	}
	optConfig.Minimize = req.Minimize
	if req.Workers > 0 {
		optConfig.Workers = req.Workers
	}
	if req.Trials > 0 {
		optConfig.Trials = req.Trials
	}
	return optimize.NewOptimizer(s.logger, optConfig)
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	state, ok := s.getRun(mux.Vars(r)["id"])
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleRunTrades(w http.ResponseWriter, r *http.Request) {
	state, ok := s.getRun(mux.Vars(r)["id"])
	if !ok || state.Result == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "run or result not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     state.ID,
		"trades": state.Result.Trades,
	})
}

func (s *Server) handleRunEquity(w http.ResponseWriter, r *http.Request) {
	state, ok := s.getRun(mux.Vars(r)["id"])
	if !ok || state.Result == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "run or result not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            state.ID,
		"equityCurve":   state.Result.EquityCurve,
		"drawdownCurve": state.Result.DrawdownCurve,
	})
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	state, ok := s.runs[id]
	if ok && state.cancel != nil && state.Status == "running" {
		state.cancel()
		state.Status = "canceled"
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": state.Status})
}

func (s *Server) applyDefaults(cfg *types.BacktestConfig) {
	if cfg.Timeframe == "" {
		cfg.Timeframe = types.Timeframe1h
	}
	if cfg.InitialCapital.IsZero() {
		ex := s.config.TypesExchangeConfig()
		cfg.Exchange = ex
		for _, v := range ex.InitialBalances {
			cfg.InitialCapital = v
		}
	}
	if cfg.Risk == (types.RiskConfig{}) {
		cfg.Risk = s.config.Risk
	}
}

func (s *Server) newRun(kind string) *RunState {
	state := &RunState{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    "running",
		StartedAt: time.Now(),
	}
	s.mu.Lock()
	s.runs[state.ID] = state
	s.mu.Unlock()
	return state
}

func (s *Server) getRun(id string) (*RunState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.runs[id]
	return state, ok
}

func (s *Server) setCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.runs[id]; ok {
		state.cancel = cancel
	}
}

func (s *Server) finishRun(id string, result *types.BacktestResult, err error) {
	s.mu.Lock()
	state, ok := s.runs[id]
	if ok {
		if err != nil {
			if state.Status != "canceled" {
				state.Status = "failed"
				state.Error = err.Error()
			}
			s.metrics.RunsTotal.WithLabelValues("failed").Inc()
		} else {
			state.Status = "completed"
			state.Result = result
			s.metrics.RunsTotal.WithLabelValues("completed").Inc()
			s.metrics.RunDuration.Observe(result.Duration.Seconds())
			s.metrics.BarsProcessed.Add(float64(result.BarsProcessed))
			s.metrics.TradesExecuted.Add(float64(len(result.Trades)))
		}
	}
	s.mu.Unlock()

	status := "completed"
	if ok {
		status = state.Status
	}
	s.hub.Broadcast("backtest_completed", map[string]interface{}{
		"id":     id,
		"status": status,
	})
}

func (s *Server) failRun(id string, err error) {
	s.mu.Lock()
	if state, ok := s.runs[id]; ok {
		state.Status = "failed"
		if err != nil {
			state.Error = err.Error()
		}
	}
	s.mu.Unlock()
}

// pathSymbol converts a URL-safe symbol like BTC-USDT back to its
// pair form
func pathSymbol(raw string) string {
	return strings.ReplaceAll(raw, "-", "/")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}
