package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/pipeline"
	"gateci/internal/report"
)

const maxSubmission = 1024 * 1024

type runEntry struct {
	job *pipeline.Job

	mu       sync.Mutex
	report   *report.Report
	err      error
	finished time.Time
}

func (e *runEntry) finishedAt() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished, !e.finished.IsZero()
}

// RunView is the body of GET /runs/{id}.
type RunView struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Report *report.Report `json:"report,omitempty"`
	Error  string         `json:"error,omitempty"`
}

func (e *runEntry) view() RunView {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := RunView{ID: e.job.Run.ID}
	switch {
	case e.err != nil:
		v.Status, v.Error = "error", e.err.Error()
	case e.report != nil:
		v.Status, v.Report = "finished", e.report
	default:
		v.Status, v.Report = "running", report.New(e.job.Run)
	}
	return v
}

// POST /runs?target=test -> plan a submitted configuration and run it in
// the background
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	if target == "" {
		target = "test"
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxSubmission+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(data) > maxSubmission {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("configuration exceeds %d bytes", maxSubmission))
		return
	}

	runner, err := s.newRunner(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := runner.Prepare(r.Context(), target)
	if err != nil {
		status := http.StatusInternalServerError
		if core.IsConfigurationError(err) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	entry := &runEntry{job: job}
	s.mu.Lock()
	s.prune(time.Now())
	s.runs[job.Run.ID] = entry
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rep, err := runner.Execute(s.ctx, job)
		entry.mu.Lock()
		entry.report, entry.err = rep, err
		entry.finished = time.Now()
		entry.mu.Unlock()
	}()

	s.Logger.Info("run submitted", zap.String("run", job.Run.ID), zap.String("target", target))
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.Run.ID, "status": "running"})
}

// prune forgets runs that finished more than Retention before now. Running
// entries are kept. The caller holds s.mu.
func (s *Server) prune(now time.Time) {
	for id, e := range s.runs {
		if at, ok := e.finishedAt(); ok && now.Sub(at) > s.Retention {
			delete(s.runs, id)
		}
	}
}

func (s *Server) newRunner(submitted []byte) (*pipeline.Runner, error) {
	cfg, err := config.Parse(submitted, "submitted.yaml")
	if err != nil {
		return nil, err
	}
	p, err := pipeline.New(cfg, s.Commands, s.Logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}
	p.Metrics = s.Metrics
	if s.Customize != nil {
		s.Customize(p)
	}
	// runs are recorded in the server's ledger, not one per project
	cfg.Ledger.Enabled = false
	runner, err := pipeline.NewRunner(p)
	if err != nil {
		return nil, err
	}
	if s.Ledger != nil {
		runner.Ledger, runner.Key = s.Ledger, s.Key
	}
	return runner, nil
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	entry, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, entry.view())
}

// errUnknownRun is returned by Report for ids the server never issued.
var errUnknownRun = errors.New("unknown run")

// Report returns the final report of a finished run, nil while it runs.
func (s *Server) Report(id string) (*report.Report, error) {
	s.mu.Lock()
	entry, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil, errUnknownRun
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.report, entry.err
}
