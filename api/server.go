// Package api provides the HTTP API for the estimation engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"construction-cost/decision/estimation"
	"construction-cost/decision/export"
	"construction-cost/decision/policy"
	cerrors "construction-cost/pkg/errors"
	"construction-cost/pkg/platform"
)

const version = "1.0.0"

// Pinger reports backing store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP API server
type Server struct {
	httpServer *http.Server
	engine     *estimation.Engine
	policy     *policy.Engine
	store      Pinger
	cache      *expirable.LRU[string, *estimation.Result]
	config     *Config
	logger     zerolog.Logger
}

// Config holds server configuration
type Config struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int64
	CORSOrigins    []string
	APIKey         string
	CacheSize      int
	CacheTTL       time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 1 << 20,
		CORSOrigins:    []string{"*"},
		CacheSize:      1024,
		CacheTTL:       5 * time.Minute,
	}
}

// NewServer creates a new API server
func NewServer(engine *estimation.Engine, policyEngine *policy.Engine, config *Config, logger zerolog.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if policyEngine == nil {
		policyEngine = policy.NewEngine()
	}

	s := &Server{
		engine: engine,
		policy: policyEngine,
		config: config,
		logger: logger,
	}
	if config.CacheSize > 0 {
		s.cache = expirable.NewLRU[string, *estimation.Result](config.CacheSize, nil, config.CacheTTL)
	}
	return s
}

// WithStore makes /ready depend on the pricing store.
func (s *Server) WithStore(store Pinger) *Server {
	s.store = store
	return s
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.WriteTimeout))
	r.Use(s.corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(platform.APIKeyMiddleware(s.config.APIKey))

		r.Get("/calculators", s.handleListCalculators)
		r.Get("/calculators/{id}", s.handleGetCalculator)
		r.Post("/calculators/{id}/estimate", s.handleEstimate)
		r.Get("/regions", s.handleListRegions)
		r.Get("/pricing", s.handlePricing)
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info().
		Int("port", s.config.Port).
		Int("calculators", s.engine.Registry().Len()).
		Str("version", version).
		Msg("API server starting")
	return s.httpServer.ListenAndServe()
}

// StartWithGracefulShutdown starts server with graceful shutdown handling
func (s *Server) StartWithGracefulShutdown() error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.Start(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case <-quit:
		s.logger.Info().Msg("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		allowed := false
		for _, o := range s.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HEALTH ENDPOINTS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"version":     version,
		"calculators": s.engine.Registry().Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.engine.Registry().Len() == 0 {
		s.jsonError(w, http.StatusServiceUnavailable, "no calculators registered")
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.jsonError(w, http.StatusServiceUnavailable, "database not ready")
			return
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ready"})
}

// =============================================================================
// CALCULATOR ENDPOINTS
// =============================================================================

// CalculatorSummary is one entry of the calculator listing
type CalculatorSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description,omitempty"`
	AACEClass   string `json:"aaceClass,omitempty"`
	Accuracy    string `json:"accuracy,omitempty"`
	InputCount  int    `json:"inputCount"`
}

func (s *Server) handleListCalculators(w http.ResponseWriter, r *http.Request) {
	calcs := s.engine.Registry().List()
	resp := make([]CalculatorSummary, 0, len(calcs))
	for _, c := range calcs {
		def := c.Definition()
		resp = append(resp, CalculatorSummary{
			ID:          def.ID,
			Name:        def.Name,
			Category:    def.Category,
			Description: def.Description,
			AACEClass:   def.AACEClass,
			Accuracy:    def.Accuracy,
			InputCount:  len(def.InputFields),
		})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleGetCalculator(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, c.Definition())
}

// =============================================================================
// ESTIMATE ENDPOINT
// =============================================================================

// EstimateRequest is the API request for one estimate
type EstimateRequest struct {
	Inputs  map[string]any     `json:"inputs"`
	Options estimation.Options `json:"options"`
	Budget  *float64           `json:"budget,omitempty"`
}

// EstimateResponse pairs an estimate with its policy outcome
type EstimateResponse struct {
	Estimate *estimation.Result       `json:"estimate"`
	Policy   *policy.EvaluationResult `json:"policy,omitempty"`
	Cached   bool                     `json:"cached"`
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxRequestSize)

	var req EstimateRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		s.jsonResponse(w, http.StatusBadRequest, map[string][]string{
			"errors": {fmt.Sprintf("invalid request: %v", err)},
		})
		return
	}

	id := chi.URLParam(r, "id")
	res, cached, err := s.estimate(r.Context(), id, req)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "csv":
		var buf bytes.Buffer
		if err := export.WriteCSV(&buf, res); err != nil {
			s.jsonError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-estimate.csv"`, id))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	case "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(export.Markdown(res)))
		return
	}

	policyReq := policy.EvaluationRequest{Estimate: res}
	if req.Budget != nil {
		policyReq.CustomPolicies = append(policyReq.CustomPolicies, policy.BudgetPolicy(*req.Budget))
	}
	policyResult, err := s.policy.Evaluate(r.Context(), policyReq)
	if err != nil {
		s.logger.Warn().Err(err).Str("calculator", id).Msg("policy evaluation failed")
		policyResult = &policy.EvaluationResult{
			Decision: policy.DecisionPass,
			Warnings: []policy.Warning{{Message: fmt.Sprintf("policy evaluation failed: %v", err)}},
		}
	}

	s.jsonResponse(w, http.StatusOK, EstimateResponse{Estimate: res, Policy: policyResult, Cached: cached})
}

// estimate evaluates through the result cache. Evaluation is deterministic for
// a given calculator, input set, option set and pair of rate tables, so a hit
// is the same estimate.
func (s *Server) estimate(ctx context.Context, id string, req EstimateRequest) (*estimation.Result, bool, error) {
	resolver := s.engine.Resolver()
	key, keyErr := cacheKey(id, resolver.Table().Hash()+resolver.Regions().Hash(), req)
	if s.cache != nil && keyErr == nil {
		if res, ok := s.cache.Get(key); ok {
			return res, true, nil
		}
	}

	res, err := s.engine.Evaluate(ctx, id, req.Inputs, req.Options)
	if err != nil {
		return nil, false, err
	}
	if s.cache != nil && keyErr == nil {
		s.cache.Add(key, res)
	}
	return res, false, nil
}

func cacheKey(id, tables string, req EstimateRequest) (string, error) {
	b, err := json.Marshal(struct {
		Inputs  map[string]any     `json:"i"`
		Options estimation.Options `json:"o"`
	}{req.Inputs, req.Options})
	if err != nil {
		return "", err
	}
	return id + "\x00" + tables + "\x00" + string(b), nil
}

// =============================================================================
// REFERENCE DATA ENDPOINTS
// =============================================================================

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.engine.Resolver().Regions().List())
}

func (s *Server) handlePricing(w http.ResponseWriter, r *http.Request) {
	table := s.engine.Resolver().Table()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"hash":  table.Hash(),
		"rates": table.Entries(),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// errorResponse maps engine errors onto status codes.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	var (
		validation *cerrors.ValidationError
		notFound   *cerrors.NotFoundError
		evaluation *cerrors.EvaluationError
	)
	switch {
	case errors.As(err, &validation):
		s.jsonResponse(w, http.StatusBadRequest, map[string]any{
			"errors": validation.Messages(),
			"fields": validation.Fields,
		})
	case errors.As(err, &notFound):
		s.jsonError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &evaluation):
		s.jsonResponse(w, http.StatusUnprocessableEntity, map[string]string{
			"error": evaluation.Error(),
			"step":  evaluation.StepID,
		})
	default:
		s.logger.Error().Err(err).Msg("request failed")
		s.jsonError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) jsonError(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{
		"error": message,
	})
}
