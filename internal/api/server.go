// Package api exposes the flock manager over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wesleyorama2/mobu/internal/config"
	"github.com/wesleyorama2/mobu/internal/flock"
	"github.com/wesleyorama2/mobu/internal/log"
	"github.com/wesleyorama2/mobu/internal/output"
)

const (
	maxBodySize     = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Server serves the management API.
type Server struct {
	manager *flock.Manager
	logger  zerolog.Logger
}

// New creates a server over manager.
func New(manager *flock.Manager) *Server {
	return &Server{
		manager: manager,
		logger:  log.WithComponent("api"),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestID)
	r.Use(observe(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/mobu", func(r chi.Router) {
		r.Get("/summary", s.handleSummary)
		r.Post("/run", s.handleRun)

		r.Route("/flocks", func(r chi.Router) {
			r.Get("/", s.handleListFlocks)
			r.Put("/", s.handleStartFlock)

			r.Route("/{flock}", func(r chi.Router) {
				r.Get("/", s.handleGetFlock)
				r.Delete("/", s.handleStopFlock)
				r.Get("/summary", s.handleFlockSummary)
				r.Get("/timings", s.handleFlockTimings)
				r.Get("/monkeys", s.handleListMonkeys)
				r.Get("/monkeys/{monkey}", s.handleGetMonkey)
				r.Get("/monkeys/{monkey}/log", s.handleMonkeyLog)
			})
		})
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("management API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down management API: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	summaries := s.manager.SummarizeFlocks()
	if summaries == nil {
		summaries = []flock.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleListFlocks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.ListFlocks())
}

func (s *Server) handleStartFlock(w http.ResponseWriter, r *http.Request) {
	data, name, err := readDocument(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	cfg, err := config.ParseFlock(data, name)
	if err != nil {
		writeDocumentError(w, err)
		return
	}

	f, err := s.manager.StartFlock(r.Context(), *cfg)
	if err != nil {
		s.logger.Error().Err(err).Str(log.FieldFlock, cfg.Name).Msg("cannot start flock")
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/mobu/flocks/"+f.Name())
	writeJSON(w, http.StatusCreated, f.Dump())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	data, name, err := readDocument(r)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	cfg, err := config.ParseSolitary(data, name)
	if err != nil {
		writeDocumentError(w, err)
		return
	}

	result, err := flock.RunSolitary(r.Context(), *cfg, s.manager.Options())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) flock(w http.ResponseWriter, r *http.Request) (*flock.Flock, bool) {
	f, err := s.manager.GetFlock(chi.URLParam(r, "flock"))
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return f, true
}

func (s *Server) handleGetFlock(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.flock(w, r); ok {
		writeJSON(w, http.StatusOK, f.Dump())
	}
}

func (s *Server) handleStopFlock(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopFlock(r.Context(), chi.URLParam(r, "flock")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlockSummary(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.flock(w, r); ok {
		writeJSON(w, http.StatusOK, f.Summary())
	}
}

func (s *Server) handleFlockTimings(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.flock(w, r); ok {
		writeJSON(w, http.StatusOK, output.NewEventReport(f.Name(), f.EventStats()))
	}
}

func (s *Server) handleListMonkeys(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.flock(w, r); ok {
		writeJSON(w, http.StatusOK, f.ListMonkeys())
	}
}

func (s *Server) handleGetMonkey(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flock(w, r)
	if !ok {
		return
	}
	m, err := f.Monkey(chi.URLParam(r, "monkey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Dump())
}

func (s *Server) handleMonkeyLog(w http.ResponseWriter, r *http.Request) {
	f, ok := s.flock(w, r)
	if !ok {
		return
	}
	m, err := f.Monkey(chi.URLParam(r, "monkey"))
	if err != nil {
		writeError(w, err)
		return
	}
	text, err := m.Log()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, text)
}

// readDocument reads a request body and returns it with a pseudo file name
// whose extension selects the decoder.
func readDocument(r *http.Request) ([]byte, string, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxBodySize {
		return nil, "", errors.New("request body too large")
	}
	if len(data) == 0 {
		return nil, "", errors.New("empty request body")
	}
	name := "request.json"
	if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
		name = "request.yaml"
	}
	return data, name, nil
}

// writeDocumentError reports a document that failed to parse or validate.
func writeDocumentError(w http.ResponseWriter, err error) {
	var verrs *config.ValidationErrors
	if errors.As(err, &verrs) {
		writeError(w, err)
		return
	}
	writeBadRequest(w, err)
}
