// Package server is gateci-server: an artifact repository for the publish
// stage, remote run submission, the run ledger and metrics over HTTP.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"gateci/internal/blockchain"
	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/metrics"
	"gateci/internal/pipeline"
	"gateci/internal/publish"
	"gateci/internal/security"
)

type Server struct {
	Repo    *publish.FileRepository
	Ledger  *blockchain.Ledger
	Key     ed25519.PrivateKey
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	// Commands runs the go command for submitted pipelines.
	Commands core.CommandRunner
	// Customize, when set, adjusts every submitted pipeline before it is
	// planned.
	Customize func(p *pipeline.Pipeline)
	// Retention bounds how long finished runs are kept for GET /runs/{id}.
	Retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*runEntry
}

// New builds a server from its configuration: the repository directory
// and, when enabled, the ledger and its signing key.
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := newServer(publish.NewFileRepository(cfg.Path(cfg.Server.Repository)), logger)
	if d := cfg.Server.RunRetention.Duration(); d > 0 {
		s.Retention = d
	}
	if cfg.Ledger.Enabled {
		key, err := security.EnsureKeyPair(cfg.Path(cfg.Ledger.KeysDir))
		if err != nil {
			return nil, &core.ConfigurationError{Reason: "ledger keys", Err: err}
		}
		ledger, err := blockchain.OpenLedger(cfg.Path(cfg.Ledger.Path))
		if err != nil {
			return nil, &core.ConfigurationError{Reason: "open ledger", Err: err}
		}
		s.Ledger, s.Key = ledger, key
		logger.Info("ledger opened", zap.String("path", ledger.Path()), zap.Int("blocks", ledger.NextIndex()))
	}
	return s, nil
}

func newServer(repo *publish.FileRepository, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Repo:      repo,
		Metrics:   metrics.New(),
		Logger:    logger,
		Commands:  core.NewExecutor(),
		Retention: time.Hour,
		ctx:       ctx,
		cancel:    cancel,
		runs:      make(map[string]*runEntry),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	r.Get("/ledger/verify", s.handleVerifyLedger)

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmitRun)
		r.Get("/{id}", s.handleGetRun)
	})

	r.Route("/repository", func(r chi.Router) {
		r.Get("/*", s.handleGetArtifact)
		r.Head("/*", s.handleGetArtifact)
		r.Put("/staging/{run}/*", s.handleStage)
		r.Post("/staging/{run}/commit", s.handleCommit)
		r.Delete("/staging/{run}", s.handleAbort)
	})
	return r
}

// Close cancels submitted runs and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every submitted run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.Logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// GET /ledger/verify -> run VerifyChain
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.Ledger == nil {
		writeError(w, http.StatusNotFound, "ledger is disabled")
		return
	}
	var trusted ed25519.PublicKey
	if len(s.Key) == ed25519.PrivateKeySize {
		trusted = s.Key.Public().(ed25519.PublicKey)
	}
	if err := s.Ledger.VerifyChain(trusted); err != nil {
		writeError(w, http.StatusInternalServerError, "ledger verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blocks": s.Ledger.NextIndex()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
