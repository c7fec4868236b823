package skill

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mfigueira/mordomo/pkg/cerr"
)

// DisabledSuffix marks a plugin manifest as disabled. The check happens at
// load time only; there is no hot runtime toggling.
const DisabledSuffix = ".disabled.yaml"

// Registry owns all loaded skills for the process lifetime. The action table
// is read-heavy and effectively immutable after startup; runtime registration
// is the only mutation and takes the write lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string    // skill names in load order, for reverse shutdown
	actions  []ActionRef // registration-ordered action catalog
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// Register initializes a handler and adds it to the registry. A handler whose
// Initialize fails is excluded and the error returned; the caller decides
// whether that is fatal (it is not during LoadAll).
func (r *Registry) Register(ctx context.Context, h Handler, core CoreHandle) error {
	def := h.Definition()
	if def.Name == "" {
		return cerr.NewError(cerr.InvalidArgument, "skill name is empty", nil)
	}

	r.mu.RLock()
	_, exists := r.handlers[def.Name]
	r.mu.RUnlock()
	if exists {
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("skill %q already registered", def.Name), nil)
	}

	if err := h.Initialize(ctx, core); err != nil {
		return cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("skill %q failed to initialize", def.Name), err)
	}

	r.mu.Lock()
	r.handlers[def.Name] = h
	r.order = append(r.order, def.Name)
	for _, a := range def.Actions {
		r.actions = append(r.actions, ActionRef{Skill: def.Name, Action: a})
	}
	r.mu.Unlock()

	r.logger.Info("skill registered", "skill", def.Name, "version", def.Version, "actions", len(def.Actions))
	return nil
}

// LoadAll scans dir for *.yaml skill manifests and registers each as a
// script-backed skill. Disabled manifests are skipped. A manifest that fails
// to parse or initialize is logged and excluded; loading continues so one
// failing plugin never blocks startup.
func (r *Registry) LoadAll(ctx context.Context, dir string, core CoreHandle) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("plugin directory does not exist, no skills loaded", "dir", dir)
			return nil
		}
		return cerr.NewError(cerr.Internal, "failed to read plugin directory", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.HasSuffix(name, DisabledSuffix) {
			r.logger.Info("skill manifest disabled, skipping", "file", name)
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		sk, err := LoadScriptSkill(path)
		if err != nil {
			r.logger.Error("failed to load skill manifest, skipping", "file", name, "error", err)
			continue
		}
		if err := r.Register(ctx, sk, core); err != nil {
			r.logger.Error("failed to register skill, skipping", "file", name, "error", err)
			continue
		}
	}
	return nil
}

// Resolve returns the handler and action declaration for a (skill, action)
// pair, or a NotFound error carrying which of the two was missing.
func (r *Registry) Resolve(skillName, actionName string) (Handler, Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[skillName]
	if !ok {
		return nil, Action{}, cerr.NewError(cerr.NotFound, fmt.Sprintf("unknown skill %q", skillName), ErrUnknownSkill)
	}
	for i := len(r.actions) - 1; i >= 0; i-- {
		// Scan backwards so a runtime re-registration wins over the original.
		ref := r.actions[i]
		if ref.Skill == skillName && ref.Action.Name == actionName {
			return h, ref.Action, nil
		}
	}
	return nil, Action{}, cerr.NewError(cerr.NotFound, fmt.Sprintf("unknown action %q of skill %q", actionName, skillName), ErrUnknownAction)
}

// RegisterAction appends an action to an already-loaded skill at runtime.
// The catalog is append-only; on a name collision the new registration wins
// and a warning is logged.
func (r *Registry) RegisterAction(skillName string, action Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[skillName]; !ok {
		return cerr.NewError(cerr.NotFound, fmt.Sprintf("unknown skill %q", skillName), nil)
	}
	for _, ref := range r.actions {
		if ref.Skill == skillName && ref.Action.Name == action.Name {
			r.logger.Warn("action re-registered, last registration wins",
				"skill", skillName, "action", action.Name)
			break
		}
	}
	r.actions = append(r.actions, ActionRef{Skill: skillName, Action: action})
	return nil
}

// Actions returns a snapshot of the action catalog in registration order.
func (r *Registry) Actions() []ActionRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ActionRef, len(r.actions))
	copy(out, r.actions)
	return out
}

// Skills returns the loaded skill definitions in load order.
func (r *Registry) Skills() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name].Definition())
	}
	return out
}

// ShutdownAll tears down every loaded skill in reverse load order. A hook
// failure is logged and does not prevent the remaining shutdowns.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	order := r.order
	r.order = nil
	handlers := r.handlers
	r.handlers = make(map[string]Handler)
	r.actions = nil
	r.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if err := handlers[name].Shutdown(ctx); err != nil {
			r.logger.Error("skill shutdown failed", "skill", name, "error", err)
		}
	}
}
