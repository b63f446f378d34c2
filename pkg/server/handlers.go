package server

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nstogner/godagent/pkg/analyze"
	"github.com/nstogner/godagent/pkg/chat"
	"github.com/nstogner/godagent/pkg/conversation"
	"github.com/nstogner/godagent/pkg/domain"
)

// Commands that act on the client rather than on a dialog.
var clientCommands = []string{"new", "dialog", "quit", "exit", "copy"}

// --- Status ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, settings := s.defaultModel()
	status := map[string]any{
		"version":  s.cfg.Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"model":    settings.Model,
		"provider": s.chat.Provider,
	}
	if p != nil && s.chat.Provider == "" {
		status["provider"] = p.Name()
	}
	if dialogs, err := s.chat.Store.ListDialogs(r.Context()); err == nil {
		status["dialogs"] = len(dialogs)
	}
	s.mu.Lock()
	status["active_sessions"] = len(s.sessions)
	s.mu.Unlock()
	if s.chat.Tools != nil {
		status["tools"] = len(s.chat.Tools.Tools())
	}
	if sch := s.chat.Scheduler; sch != nil {
		status["scheduler"] = sch.Stats()
	}
	s.jsonResponse(w, http.StatusOK, status)
}

// --- Models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.chat.Providers))
	for n := range s.chat.Providers {
		names = append(names, n)
	}
	slices.Sort(names)

	models := []domain.Model{}
	var errs []error
	for _, n := range names {
		list, err := s.chat.Providers[n].List(r.Context())
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n, err))
			continue
		}
		models = append(models, list...)
	}
	if len(models) == 0 && len(errs) > 0 {
		s.errorResponse(w, http.StatusBadGateway, errors.Join(errs...))
		return
	}
	s.jsonResponse(w, http.StatusOK, models)
}

// --- Dialogs ---

func (s *Server) handleListDialogs(w http.ResponseWriter, r *http.Request) {
	dialogs, err := s.chat.Store.ListDialogs(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if dialogs == nil {
		dialogs = []domain.Dialog{}
	}
	s.jsonResponse(w, http.StatusOK, dialogs)
}

func (s *Server) handleCreateDialog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
	}

	sess, err := chat.New(r.Context(), s.chat)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	id := sess.DialogID()
	if req.Title != "" {
		if err := s.chat.Store.RenameDialog(r.Context(), id, req.Title); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	d, err := s.chat.Store.GetDialog(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, d)
}

func (s *Server) handleGetDialog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.chat.Store.GetDialog(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	sess, err := s.session(r.Context(), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"dialog": d,
		"stats":  sess.Stats(),
	})
}

func (s *Server) handleDeleteDialog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.chat.Store.DeleteDialog(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.chat.Store.GetDialog(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	msgs, err := s.chat.Store.Messages(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	s.jsonResponse(w, http.StatusOK, msgs)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply    string             `json:"reply"`
	Markdown bool               `json:"markdown"`
	Notices  []string           `json:"notices,omitempty"`
	Stats    conversation.Stats `json:"stats"`
}

// handleChat runs one line of input on a dialog: a message or a slash
// command.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("message must not be empty"))
		return
	}
	if err := checkCommand(req.Message); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	sess, err := s.session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	reply, err := sess.Handle(r.Context(), req.Message)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError && strings.HasPrefix(strings.TrimSpace(req.Message), "/") {
			status = http.StatusBadRequest
		}
		s.errorResponse(w, status, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, chatResponse{
		Reply:    reply.Text,
		Markdown: reply.Markdown,
		Notices:  reply.Notices,
		Stats:    sess.Stats(),
	})
}

// checkCommand rejects slash commands that switch dialogs or touch the
// server's desktop.
func checkCommand(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return nil
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	if slices.Contains(clientCommands, strings.ToLower(name)) {
		return fmt.Errorf("/%s is not available over the API", name)
	}
	return nil
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, err)
			return
		}
	}
	sess, err := s.session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	resp := map[string]any{}
	n, err := sess.Compress(r.Context(), req.Force)
	switch {
	case errors.Is(err, conversation.ErrNoGain):
		resp["message"] = err.Error()
	case err != nil:
		s.errorResponse(w, statusFor(err), err)
		return
	}
	resp["compressed"] = n
	resp["stats"] = sess.Stats()
	s.jsonResponse(w, http.StatusOK, resp)
}

// --- Tools ---

type toolInfo struct {
	domain.ToolSpec
	Backend string `json:"backend"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	out := []toolInfo{}
	if s.chat.Tools != nil {
		for _, spec := range s.chat.Tools.Tools() {
			owner, _ := s.chat.Tools.Owner(spec.Name)
			out = append(out, toolInfo{ToolSpec: spec, Backend: owner})
		}
	}
	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if s.chat.Tools == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errors.New("no tools are connected"))
		return
	}
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	res := s.chat.Tools.Dispatch(r.Context(), domain.ToolCall{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Arguments: req.Arguments,
	})
	status := http.StatusOK
	if !res.OK() {
		status = http.StatusUnprocessableEntity
	}
	s.jsonResponse(w, status, map[string]any{
		"ok":     res.OK(),
		"result": res.Text(),
		"error":  res.Err,
	})
}

// --- Tasks ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.chat.Scheduler.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	s.jsonResponse(w, http.StatusOK, tasks)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	t := domain.Task{Enabled: true}
	if err := decode(r, &t); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	t.ID = ""
	if err := s.chat.Scheduler.Add(r.Context(), &t); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, t)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	sch := s.chat.Scheduler
	t, err := sch.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	if err := sch.Remove(r.Context(), t.ID); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	sch := s.chat.Scheduler
	ctx := r.Context()
	t, err := sch.Find(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}

	action := chi.URLParam(r, "action")
	switch action {
	case "run":
		run, err := sch.RunNow(ctx, t.ID)
		if err != nil {
			s.errorResponse(w, statusFor(err), err)
			return
		}
		s.jsonResponse(w, http.StatusOK, run)
		return
	case "start":
		err = sch.StartTask(ctx, t.ID)
	case "stop":
		err = sch.StopTask(ctx, t.ID)
	case "pause":
		err = sch.PauseTask(ctx, t.ID)
	case "resume":
		err = sch.ResumeTask(ctx, t.ID)
	default:
		s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("unknown task action %q", action))
		return
	}
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	updated, err := sch.Get(ctx, t.ID)
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, updated)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	sch := s.chat.Scheduler
	t, err := sch.Find(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := sch.History(r.Context(), t.ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []domain.TaskRun{}
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.chat.Scheduler.Stats())
}

// --- RAG ---

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decode(r, &req); err != nil || req.Path == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	st, err := s.chat.Index.Add(r.Context(), req.Path)
	if err != nil {
		s.errorResponse(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, st)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
		K     int    `json:"k"`
	}
	if err := decode(r, &req); err != nil || req.Query == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	if req.K <= 0 {
		req.K = 5
	}
	results, err := s.chat.Index.Search(r.Context(), req.Query, req.K)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	s.jsonResponse(w, http.StatusOK, results)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
	}
	if err := decode(r, &req); err != nil || req.Question == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("question is required"))
		return
	}
	p, settings := s.defaultModel()
	if p == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, errors.New("no model provider configured"))
		return
	}
	ans, err := s.chat.Index.Ask(r.Context(), p, settings, req.Question)
	if err != nil {
		s.errorResponse(w, http.StatusBadGateway, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ans)
}

// --- Code ---

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		// Code is analyzed instead of reading Path when set.
		Code          string `json:"code"`
		Documentation bool   `json:"documentation"`
	}
	if err := decode(r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Path == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("path is required"))
		return
	}

	p, settings := s.defaultModel()
	if !req.Documentation {
		p = nil
	}

	if req.Code == "" {
		report, err := analyze.File(r.Context(), req.Path, p, settings)
		if err != nil {
			s.errorResponse(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.jsonResponse(w, http.StatusOK, report)
		return
	}

	report := analyze.Source(req.Path, req.Code)
	if p != nil {
		overview, err := analyze.Overview(r.Context(), p, settings, report, req.Code)
		if err != nil {
			overview = "Failed to generate documentation: " + err.Error()
		}
		report.Overview = overview
	}
	s.jsonResponse(w, http.StatusOK, report)
}
