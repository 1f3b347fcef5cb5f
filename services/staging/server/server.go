package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"buildstage/services/staging/events"
	"buildstage/services/staging/history"
	"buildstage/services/staging/stager"
)

// HistoryReader serves /v1/history. *history.Store implements it.
type HistoryReader interface {
	Recent(ctx context.Context, build string, limit int) ([]history.Download, error)
	Events(ctx context.Context, downloadID string) ([]history.ArtifactEvent, error)
}

// Subscriber is satisfied by *bus.Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Config wires the HTTP and NATS front ends of the staging service.
type Config struct {
	Stager *stager.Stager
	// History is optional; /v1/history answers 503 without it.
	History HistoryReader
	// Ready reports dependency health for /readyz. Nil means always ready.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server exposes staging over HTTP, serves staged files under /static/ and consumes
// stage requests from NATS.
type Server struct {
	stager  *stager.Stager
	history HistoryReader
	ready   func(ctx context.Context) error
	logger  *zap.Logger

	subMu sync.Mutex
	sub   io.Closer
}

func New(cfg Config) (*Server, error) {
	if cfg.Stager == nil {
		return nil, errors.New("stager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		stager:  cfg.Stager,
		history: cfg.History,
		ready:   cfg.Ready,
		logger:  cfg.Logger,
	}, nil
}

// Routes constructs the chi router with every endpoint.
func (s *Server) Routes() (http.Handler, error) {
	if s == nil {
		return nil, errors.New("nil server")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	static := http.StripPrefix("/static/", http.FileServer(http.Dir(s.stager.StaticDir())))
	r.Handle("/static/*", static)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stage", s.handleStage)
		r.Post("/stage", s.handleStage)
		r.Get("/is_staged", s.handleIsStaged)
		r.Get("/list", s.handleList)
		r.Get("/history", s.handleHistory)
	})

	return r, nil
}

// Start subscribes to stage requests published on NATS until ctx is cancelled.
func (s *Server) Start(ctx context.Context, sub Subscriber) error {
	if s == nil {
		return errors.New("nil server")
	}
	if sub == nil {
		return errors.New("subscriber is required")
	}

	closer, err := sub.Subscribe(ctx, events.StageRequestedSubject, events.StageRequestedDurable, s.handleStageMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", events.StageRequestedSubject, err)
	}

	s.subMu.Lock()
	s.sub = closer
	s.subMu.Unlock()
	return nil
}

// Close stops the NATS subscription if one was started.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Close()
	s.sub = nil
	return err
}

// handleStageMessage stages a request received from the bus. Malformed requests are
// dropped rather than redelivered.
func (s *Server) handleStageMessage(ctx context.Context, data []byte) error {
	var req stager.Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Warn("discarding malformed stage request", zap.Error(err))
		return nil
	}
	if _, err := s.stager.Stage(ctx, req); err != nil {
		if errors.Is(err, stager.ErrBadRequest) {
			s.logger.Warn("discarding invalid stage request", zap.Error(err))
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	req, err := readRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	d, err := s.stager.Stage(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	dir, err := d.GetBuildDir()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"build":     d.GetBuild().ID(),
		"build_dir": dir,
		"staged":    true,
	})
}

func (s *Server) handleIsStaged(w http.ResponseWriter, r *http.Request) {
	req := stager.RequestFromQuery(r.URL.Query())
	if len(req.Artifacts) == 0 && len(req.Files) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("artifacts or files are required"))
		return
	}
	d, factory, err := s.stager.Factory(r.Context(), req)
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"staged": d.IsStaged(factory)})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	d, err := s.stager.Downloader(r.Context(), stager.RequestFromQuery(r.URL.Query()))
	if err != nil {
		respondError(w, statusFor(err), err)
		return
	}
	files, err := d.ListBuildDir()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			respondError(w, http.StatusNotFound, errors.New("build is not staged"))
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("history database is not configured"))
		return
	}

	q := r.URL.Query()
	if id := strings.TrimSpace(q.Get("download_id")); id != "" {
		if _, err := uuid.Parse(id); err != nil {
			respondError(w, http.StatusBadRequest, errors.New("invalid download_id"))
			return
		}
		evts, err := s.history.Events(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"events": evts})
		return
	}

	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	rows, err := s.history.Recent(r.Context(), strings.TrimSpace(q.Get("build")), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"downloads": rows})
}

// readRequest takes a JSON body on POST and query parameters otherwise.
func readRequest(r *http.Request) (stager.Request, error) {
	if r.Method == http.MethodPost && strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req stager.Request
		if err := decodeJSON(r, &req); err != nil {
			return stager.Request{}, fmt.Errorf("decode request: %w", err)
		}
		return req, nil
	}
	return stager.RequestFromQuery(r.URL.Query()), nil
}

func statusFor(err error) int {
	if errors.Is(err, stager.ErrBadRequest) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
