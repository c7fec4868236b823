package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mfigueira/mordomo/internal/audit"
	"github.com/mfigueira/mordomo/internal/config"
	"github.com/mfigueira/mordomo/internal/router"
	"github.com/mfigueira/mordomo/internal/skill"
	"github.com/mfigueira/mordomo/internal/task"
	"github.com/mfigueira/mordomo/pkg/cerr"
	"github.com/mfigueira/mordomo/pkg/clog"
)

// Server exposes the command pipeline over HTTP/JSON.
type Server struct {
	server   *http.Server
	env      *config.Env
	router   *router.Router
	executor *task.Executor
	registry *skill.Registry
	store    *audit.Store
}

func NewServer(
	env *config.Env,
	rt *router.Router,
	executor *task.Executor,
	registry *skill.Registry,
	store *audit.Store,
) *Server {
	return &Server{
		env:      env,
		router:   rt,
		executor: executor,
		registry: registry,
		store:    store,
	}
}

// ListenAndServe starts the HTTP server. The provided context is the base
// context for all incoming requests, so cancelling it on shutdown also
// cancels in-flight request contexts.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.Post("/commands", s.handleSubmitCommand)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Post("/tasks/{taskID}/confirm", s.handleConfirmTask)
		r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)
		r.Get("/skills", s.handleListSkills)
		r.Get("/stats", s.handleStats)
		r.Get("/audit", s.handleAudit)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(mux), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type submitCommandRequest struct {
	Text string `json:"text"`
}

// CommandResponse reports how one text submission was handled. Exactly one
// of Task, Message or Feedback is meaningful: Task for dispatched commands,
// Message for built-in commands, Feedback for text that produced no task.
type CommandResponse struct {
	Task     *task.Task `json:"task,omitempty"`
	Message  string     `json:"message,omitempty"`
	Feedback string     `json:"feedback,omitempty"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitCommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "text is required", nil)
		return
	}

	cmd, err := s.router.Route(req.Text)
	if err != nil {
		var resErr *router.ResolutionError
		switch {
		case errors.As(err, &resErr):
			// Missing parameters are reported back; no task is created.
			cerr.SetJSONResponse(ctx, &CommandResponse{
				Feedback: fmt.Sprintf("missing %q: try for example %q", resErr.Param, s.exampleTrigger(resErr.Skill, resErr.Action)),
			})
		case errors.Is(err, router.ErrUnresolved):
			cerr.SetJSONResponse(ctx, &CommandResponse{
				Feedback: "no skill understands that; try \"help\" to list available commands",
			})
		default:
			cerr.SetJSONError(ctx, err)
		}
		return
	}

	if cmd.System != router.SystemNone {
		cerr.SetJSONResponse(ctx, &CommandResponse{Message: s.systemMessage(ctx, cmd.System)})
		return
	}

	t, err := s.executor.Submit(ctx, cmd)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, &CommandResponse{Task: t})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	f := task.Filter{
		Skill: r.URL.Query().Get("skill"),
		State: task.State(r.URL.Query().Get("state")),
	}
	cerr.SetJSONResponse(ctx, s.executor.List(f))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.executor.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type confirmTaskRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleConfirmTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req confirmTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.executor.Confirm(ctx, chi.URLParam(r, "taskID"), req.Approve)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.executor.Cancel(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), s.registry.Skills())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid window duration", err)
			return
		}
		window = d
	}
	snapshot, err := s.store.Stats(ctx, window)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, snapshot)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	f := audit.Filter{
		TaskID: q.Get("task_id"),
		Skill:  q.Get("skill"),
		State:  q.Get("state"),
		Limit:  100,
	}
	if raw := q.Get("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid since timestamp", err)
			return
		}
		f.Since = ts
	}

	records := make([]*audit.Record, 0, f.Limit)
	for rec, err := range s.store.Query(ctx, f) {
		if err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		records = append(records, rec)
	}
	cerr.SetJSONResponse(ctx, records)
}

// systemMessage renders a built-in command. Built-ins short-circuit routing:
// they never create tasks and never touch the audit log.
func (s *Server) systemMessage(ctx context.Context, sys router.SystemCommand) string {
	switch sys {
	case router.SystemStatus:
		running := len(s.executor.List(task.Filter{State: task.StateRunning}))
		awaiting := len(s.executor.List(task.Filter{State: task.StateAwaitingConfirmation}))
		total := len(s.executor.List(task.Filter{}))
		return fmt.Sprintf("%d tasks tracked, %d running, %d awaiting confirmation", total, running, awaiting)
	case router.SystemHelp:
		return s.helpMessage()
	case router.SystemExit:
		return "use the service shutdown signal to stop the server"
	}
	return ""
}

func (s *Server) helpMessage() string {
	refs := s.registry.Actions()
	bySkill := map[string][]string{}
	for _, ref := range refs {
		bySkill[ref.Skill] = append(bySkill[ref.Skill], ref.Action.Triggers...)
	}
	names := make([]string, 0, len(bySkill))
	for name := range bySkill {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %s\n", name, strings.Join(bySkill[name], ", "))
	}
	b.WriteString("built-in: status, help (ajuda), exit (sair)")
	return b.String()
}

// exampleTrigger picks a trigger phrase to show in missing-parameter
// feedback.
func (s *Server) exampleTrigger(skillName, actionName string) string {
	for _, ref := range s.registry.Actions() {
		if ref.Skill == skillName && ref.Action.Name == actionName && len(ref.Action.Triggers) > 0 {
			return ref.Action.Triggers[0]
		}
	}
	return skillName + " " + actionName
}
