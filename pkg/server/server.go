package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nstogner/godagent/pkg/agent"
	"github.com/nstogner/godagent/pkg/chat"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/scheduler"
	"github.com/nstogner/godagent/pkg/store"
)

// Config controls the HTTP surface.
type Config struct {
	// AllowedOrigins is passed to CORS and the WebSocket origin check. "*"
	// allows every origin.
	AllowedOrigins []string
	// JWTSecret enables bearer authentication on every /api route except
	// /api/health.
	JWTSecret string
	// Static, when set, holds a web UI under dist/ served with SPA fallback.
	Static  fs.FS
	Version string
}

// Server serves the REST and WebSocket API. It keeps one chat session per
// dialog so turns on a dialog are serialized across requests.
type Server struct {
	chat    chat.Options
	cfg     Config
	started time.Time

	mu       sync.Mutex
	sessions map[string]*chat.Session

	srv *http.Server
}

// New creates a Server. opts are the options every dialog session is built
// with.
func New(opts chat.Options, cfg Config) *Server {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Server{
		chat:     opts,
		cfg:      cfg,
		started:  time.Now(),
		sessions: map[string]*chat.Session{},
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg.JWTSecret != "" {
				r.Use(Authenticate(s.cfg.JWTSecret))
			}
			r.Get("/status", s.handleStatus)
			r.Get("/models", s.handleListModels)

			r.Route("/dialogs", func(r chi.Router) {
				r.Get("/", s.handleListDialogs)
				r.Post("/", s.handleCreateDialog)
				r.Get("/{id}", s.handleGetDialog)
				r.Delete("/{id}", s.handleDeleteDialog)
				r.Get("/{id}/messages", s.handleListMessages)
				r.Post("/{id}/chat", s.handleChat)
				r.Post("/{id}/compress", s.handleCompress)
				r.Get("/{id}/ws", s.handleChatWebSocket)
			})

			r.Get("/tools", s.handleListTools)
			r.Post("/tools/call", s.handleCallTool)

			r.Route("/tasks", func(r chi.Router) {
				r.Use(s.requireScheduler)
				r.Get("/", s.handleListTasks)
				r.Post("/", s.handleCreateTask)
				r.Delete("/{id}", s.handleDeleteTask)
				r.Get("/{id}/history", s.handleTaskHistory)
				r.Post("/{id}/{action}", s.handleTaskAction)
			})
			r.With(s.requireScheduler).Get("/scheduler/stats", s.handleSchedulerStats)

			r.Route("/rag", func(r chi.Router) {
				r.Use(s.requireIndex)
				r.Post("/index", s.handleIndex)
				r.Post("/search", s.handleSearch)
				r.Post("/ask", s.handleAsk)
			})

			r.Post("/code/analyze", s.handleAnalyze)
		})

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			s.errorResponse(w, http.StatusNotFound, errors.New("no such endpoint"))
		})
	})

	if s.cfg.Static != nil {
		r.NotFound(s.handleStatic)
	}
	return r
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting web server", "addr", addr)
	if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// session returns the live session of a dialog, loading it on first use.
func (s *Server) session(ctx context.Context, dialogID string) (*chat.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[dialogID]; ok {
		return sess, nil
	}
	sess, err := chat.Resume(ctx, s.chat, dialogID)
	if err != nil {
		return nil, err
	}
	s.sessions[dialogID] = sess
	return sess, nil
}

func (s *Server) forget(dialogID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, dialogID)
}

// defaultModel is the provider and settings used outside of a dialog.
func (s *Server) defaultModel() (model.Provider, model.Settings) {
	settings := s.chat.Settings
	if settings == (model.Settings{}) {
		settings = model.DefaultSettings()
	}
	name := s.chat.Provider
	if _, ok := s.chat.Providers[name]; !ok {
		names := make([]string, 0, len(s.chat.Providers))
		for n := range s.chat.Providers {
			names = append(names, n)
		}
		slices.Sort(names)
		if len(names) == 0 {
			return nil, settings
		}
		name = names[0]
	}
	return s.chat.Providers[name], settings
}

func (s *Server) requireScheduler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.chat.Scheduler == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, errors.New("task scheduler is not enabled"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireIndex(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.chat.Index == nil {
			s.errorResponse(w, http.StatusServiceUnavailable, errors.New("document index is not configured"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		path = "index.html"
	}

	distFS, err := fs.Sub(s.cfg.Static, "dist")
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	// Try serving the exact file.
	if f, err := distFS.Open(path); err == nil {
		stat, err := f.Stat()
		f.Close()
		if err == nil && !stat.IsDir() {
			http.FileServer(http.FS(distFS)).ServeHTTP(w, r)
			return
		}
	}

	// Fallback to index.html for SPA routing.
	index, err := distFS.Open("index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer index.Close()
	rs, ok := index.(io.ReadSeeker)
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, "index.html", time.Time{}, rs)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestID", middleware.GetReqID(r.Context()),
		)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		slog.Error("API Error", "status", status, "error", err)
	} else {
		slog.Debug("API Error", "status", status, "error", err)
	}
	s.jsonResponse(w, status, errorResponse{Error: err.Error()})
}

// statusFor maps an error to the HTTP status reported for it.
func statusFor(err error) int {
	var turnErr *agent.TurnError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidSchedule), errors.Is(err, scheduler.ErrInvalidTask):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &turnErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}
