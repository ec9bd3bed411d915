package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"

	"github.com/gridbase/compute/compute"
	"github.com/gridbase/compute/internal/logger"
)

type Server struct {
	db     *sql.DB // nil when running on in-memory stores
	engine *compute.Engine
	router *chi.Mux
}

// NewServer wires an engine into the HTTP surface. The database handle is
// optional; in-memory deployments pass nil.
func NewServer(engine *compute.Engine, db *sql.DB) *Server {
	s := &Server{db: db, engine: engine}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)

	// Definition management
	r.Route("/api/v1/schemas/{schemaId}/fields", func(r chi.Router) {
		r.Post("/", s.handleCreateDefinition)
		r.Get("/", s.handleListDefinitions)
	})
	r.Route("/api/v1/definitions/{definitionId}", func(r chi.Router) {
		r.Get("/", s.handleGetDefinition)
		r.Put("/", s.handleUpdateDefinition)
		r.Delete("/", s.handleDeleteDefinition)
	})

	// Computed values
	r.Get("/api/v1/records/{recordId}/fields/{fieldId}", s.handleGetValue)
	r.Post("/api/v1/records/{recordId}/recompute", s.handleRecompute)

	// Record-store hooks
	r.Post("/api/v1/hooks/record-written", s.handleRecordWritten)
	r.Post("/api/v1/hooks/record-deleted", s.handleRecordDeleted)

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int64{
		"totalErrors":        logger.TotalErrors.Load(),
		"totalWarnings":      logger.TotalWarnings.Load(),
		"evaluationFailures": logger.EvaluationFailures.Load(),
		"degradedReads":      logger.DegradedReads.Load(),
		"lookupMisses":       logger.LookupMisses.Load(),
		"scheduleFailures":   logger.ScheduleFailures.Load(),
		"cascadeAborts":      logger.CascadeAborts.Load(),
	})
}

func (s *Server) handleCreateDefinition(w http.ResponseWriter, r *http.Request) {
	schemaID := chi.URLParam(r, "schemaId")

	var req DefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := req.toDefinition(schemaID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid definition", err)
		return
	}

	id, err := s.engine.CreateDefinition(def)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, definitionResponse(def, id))
}

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	schemaID := chi.URLParam(r, "schemaId")

	defs, err := s.engine.ListDefinitions(schemaID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list definitions", err)
		return
	}

	out := make([]DefinitionResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, definitionResponse(def, def.ID))
	}
	respondJSON(w, http.StatusOK, DefinitionsListResponse{Definitions: out})
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "definitionId")

	def, err := s.engine.GetDefinition(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "definition not found", err)
		return
	}
	respondJSON(w, http.StatusOK, definitionResponse(def, def.ID))
}

func (s *Server) handleUpdateDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "definitionId")

	current, err := s.engine.GetDefinition(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "definition not found", err)
		return
	}

	var req DefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	def, err := req.toDefinition(current.SchemaID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid definition", err)
		return
	}

	if err := s.engine.UpdateDefinition(id, def); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, definitionResponse(def, id))
}

func (s *Server) handleDeleteDefinition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "definitionId")

	if err := s.engine.DeleteDefinition(id); err != nil {
		respondError(w, http.StatusNotFound, "definition not found", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetValue(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordId")
	fieldID := chi.URLParam(r, "fieldId")

	v, err := s.engine.GetComputedValue(r.Context(), recordID, fieldID)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ValueResponse{
		RecordID:     v.RecordID,
		FieldID:      v.FieldID,
		Value:        v.Value,
		ComputedAt:   v.ComputedAt,
		SnapshotHash: v.SnapshotHash,
		Stale:        v.Stale,
		State:        string(s.engine.State(recordID, fieldID)),
	})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordId")

	var req RecomputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.FieldID == "" {
		respondError(w, http.StatusBadRequest, "fieldId is required (use \"*\" for all fields)", nil)
		return
	}

	result := s.engine.TriggerRecompute(r.Context(), recordID, req.FieldID)
	respondJSON(w, http.StatusOK, RecomputeResponse{
		Recomputed: result.Recomputed,
		Failed:     result.Failed,
	})
}

func (s *Server) handleRecordWritten(w http.ResponseWriter, r *http.Request) {
	var req RecordWrittenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.SchemaID == "" || req.RecordID == "" {
		respondError(w, http.StatusBadRequest, "schemaId and recordId are required", nil)
		return
	}

	if err := s.engine.OnRecordWritten(r.Context(), req.SchemaID, req.RecordID, req.ChangedFields); err != nil {
		logger.ErrorCascadeAbort()
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRecordDeleted(w http.ResponseWriter, r *http.Request) {
	var req RecordDeletedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.RecordID == "" {
		respondError(w, http.StatusBadRequest, "recordId is required", nil)
		return
	}

	if err := s.engine.OnRecordDeleted(req.RecordID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to purge record", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
	if status >= 500 {
		logger.ErrorHttp5xx()
	} else if status >= 400 {
		logger.WarnHttp4xx(status)
	}
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := map[string]string{
		"error": message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	respondJSON(w, status, response)
}

// respondEngineError maps the engine's error taxonomy onto HTTP statuses:
// validation failures are the caller's fault, evaluation failures are not.
func respondEngineError(w http.ResponseWriter, err error) {
	var cerr *compute.Error
	if errors.As(err, &cerr) {
		status := http.StatusInternalServerError
		switch cerr.Kind {
		case compute.KindValidation:
			status = http.StatusBadRequest
		case compute.KindEvaluation:
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, cerr)
		return
	}
	respondError(w, http.StatusInternalServerError, "internal error", err)
}

func main() {
	recordStoreURL := os.Getenv("RECORD_STORE_URL")
	if recordStoreURL == "" {
		logger.Fatal("RECORD_STORE_URL environment variable is required")
	}

	source := newHTTPRecordSource(recordStoreURL)
	obs := &logObserver{}

	var (
		db        *sql.DB
		defs      compute.DefinitionStore
		cache     compute.ValueCache
		schedules compute.ScheduleStore
	)
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		var err error
		db, err = sql.Open("postgres", databaseURL)
		if err != nil {
			logger.Fatal("failed to open database", "error", err)
		}
		if err := db.Ping(); err != nil {
			logger.Fatal("failed to ping database", "error", err)
		}
		defs = compute.NewPostgresDefinitionStore(db)
		cache = compute.NewPostgresValueCache(db)
		schedules = compute.NewPostgresScheduleStore(db)
		logger.Info("using postgres stores")
	} else {
		defs = compute.NewInMemoryDefinitionStore()
		schedules = compute.NewInMemoryScheduleStore()
		logger.Info("DATABASE_URL not set, using in-memory stores")
	}

	engine, err := compute.NewEngine(defs, cache, schedules, source, obs, nil, compute.DefaultOptions())
	if err != nil {
		logger.Fatal("failed to create engine", "error", err)
	}

	server := NewServer(engine, db)

	scheduler := compute.NewScheduler(engine, obs, compute.SchedulerOptions{})
	schedCtx, stopScheduler := context.WithCancel(context.Background())
	go func() {
		if err := scheduler.Run(schedCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("scheduler stopped", "error", err)
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopScheduler()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if db != nil {
		db.Close()
	}
	if err := logger.Shutdown(ctx); err != nil {
		logger.Error("logger shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
