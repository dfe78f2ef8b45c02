package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/hanzch/qds/internal/ledger"
	"github.com/hanzch/qds/internal/services"
	"github.com/hanzch/qds/pkg/config"
	"github.com/hanzch/qds/pkg/logger"
	"github.com/hanzch/qds/pkg/models"
	"github.com/sirupsen/logrus"
)

// HealthFunc reports the health of one dependency
type HealthFunc func(ctx context.Context) error

// Server is the operations API: health, coverage, ledger and triggers
type Server struct {
	cfg        *config.ServerConfig
	logger     *logrus.Logger
	router     *mux.Router
	httpServer *http.Server

	svc    *services.SyncService
	checks map[string]HealthFunc

	// background runs started over HTTP
	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

// NewServer creates a new API server. checks may be nil.
func NewServer(cfg *config.ServerConfig, svc *services.SyncService, checks map[string]HealthFunc, logger *logrus.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		svc:       svc,
		checks:    checks,
		runCtx:    ctx,
		runCancel: cancel,
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	s.router.Use(logger.Middleware(s.logger.WithField("component", "api")))
	s.router.Use(handlers.RecoveryHandler(
		handlers.RecoveryLogger(s.logger),
		handlers.PrintRecoveryStack(false),
	))
	if len(s.cfg.CORSOrigins) > 0 {
		s.router.Use(handlers.CORS(
			handlers.AllowedOrigins(s.cfg.CORSOrigins),
			handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
		))
	}

	apiV1 := s.router.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/health", s.handleHealth).Methods("GET")
	apiV1.HandleFunc("/status", s.handleStatus).Methods("GET")
	apiV1.HandleFunc("/progress/{kind}", s.handleProgress).Methods("GET")
	apiV1.HandleFunc("/progress/{kind}/verify", s.handleVerify).Methods("GET")
	apiV1.HandleFunc("/ledger", s.handleLedgerList).Methods("GET")
	apiV1.HandleFunc("/ledger/{name}/replay", s.handleReplay).Methods("POST")
	apiV1.HandleFunc("/sync/{kind}", s.handleSync).Methods("POST")
}

// Start serves until Stop is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	s.logger.WithField("address", addr).Info("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if strings.Contains(err.Error(), "address already in use") {
			return fmt.Errorf("port %d is already in use, set SERVER_PORT to another port", s.cfg.Port)
		}
		return err
	}
	return nil
}

// Stop shuts the listener down, interrupts background runs and waits for
// them to write their ledger entries
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.runCancel()
	s.runs.Wait()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = "unhealthy: " + err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "healthy"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"source":    s.svc.Source(),
		"services":  deps,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	running := make(map[models.DataKind]bool)
	for _, kind := range models.AllKinds {
		running[kind] = s.svc.Running(kind)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":  s.svc.Source(),
		"running": running,
		"last":    s.svc.LastSummaries(),
	})
}

type coverageRow struct {
	Code  string `json:"code"`
	Start string `json:"start"`
	End   string `json:"end"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseDataKind(mux.Vars(r)["kind"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.svc.Progress(r.Context(), kind)
	if err != nil {
		s.writeError(w, err)
		return
	}

	only := r.URL.Query().Get("code")
	rows := make([]coverageRow, 0, len(m))
	for code, rec := range m {
		if only != "" && code != only {
			continue
		}
		rows = append(rows, coverageRow{Code: code, Start: models.FormatDate(rec.Start), End: models.FormatDate(rec.End)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Code < rows[j].Code })

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"source":   s.svc.Source(),
		"kind":     kind,
		"count":    len(rows),
		"coverage": rows,
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseDataKind(mux.Vars(r)["kind"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var codes []string
	if code := r.URL.Query().Get("code"); code != "" {
		codes = []string{code}
	}
	checks, err := s.svc.Verify(r.Context(), kind, codes)
	if err != nil {
		s.writeError(w, err)
		return
	}

	inconsistent := 0
	for _, c := range checks {
		if !c.Consistent {
			inconsistent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":         kind,
		"count":        len(checks),
		"inconsistent": inconsistent,
		"checks":       checks,
	})
}

func (s *Server) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.Ledger().List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleReplay replays a ledger entry. With ?wait=true the response carries
// the summary, otherwise the replay runs in the background.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	name := ledger.Normalize(mux.Vars(r)["name"])
	if _, err := s.svc.Ledger().Load(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.dispatch(w, r, "replay", func(ctx context.Context) (*models.SyncSummary, error) {
		return s.svc.Replay(ctx, name)
	})
}

type syncRequest struct {
	Codes []string `json:"codes"`
	Start string   `json:"start"`
	End   string   `json:"end"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseDataKind(mux.Vars(r)["kind"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body syncRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, fmt.Errorf("%w: invalid request body: %v", models.ErrInput, err))
			return
		}
	}
	req := services.CycleRequest{Kind: kind, Codes: body.Codes}
	if body.Start != "" {
		if req.Start, err = models.ParseDate(body.Start); err != nil {
			s.writeError(w, err)
			return
		}
	}
	if body.End != "" {
		if req.End, err = models.ParseDate(body.End); err != nil {
			s.writeError(w, err)
			return
		}
	}

	s.dispatch(w, r, "sync", func(ctx context.Context) (*models.SyncSummary, error) {
		return s.svc.RunCycle(ctx, req)
	})
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, op string, fn func(ctx context.Context) (*models.SyncSummary, error)) {
	if r.URL.Query().Get("wait") == "true" {
		summary, err := fn(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := fn(s.runCtx); err != nil {
			s.logger.WithError(err).WithField("op", op).Error("Background run failed")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "op": op})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInput):
		code = http.StatusBadRequest
	case errors.Is(err, services.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, fs.ErrNotExist):
		code = http.StatusNotFound
	default:
		s.logger.WithError(err).Error("Request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
