package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/mfigueira/mordomo/internal/audit"
	"github.com/mfigueira/mordomo/internal/router"
	"github.com/mfigueira/mordomo/internal/safety"
	"github.com/mfigueira/mordomo/internal/skill"
	"github.com/mfigueira/mordomo/pkg/cerr"
	"github.com/mfigueira/mordomo/pkg/panicerr"
)

// errCancelRequested marks a context cancellation that came from an explicit
// Cancel call rather than the execution timeout.
var errCancelRequested = errors.New("cancellation requested")

type Config struct {
	// Workers is the concurrency ceiling: at most this many tasks run at
	// any instant.
	Workers int
	// QueueBacklog caps the FIFO admission queue; a full queue suspends the
	// submitting path until a slot frees.
	QueueBacklog int
	// TaskTimeout bounds each skill invocation.
	TaskTimeout time.Duration
	// ConfirmationTimeout bounds how long a task may wait for confirmation
	// before resolving to blocked.
	ConfirmationTimeout time.Duration
}

// Executor runs resolved commands as tracked tasks: it classifies each
// submission through the safety policy, admits allowed tasks to a fixed
// worker pool in FIFO order, parks confirm-classified tasks without holding
// a worker slot, and appends one audit record per state transition before
// the transition becomes visible. The inline classification step is the one
// exception; its decision rides on the admission record.
type Executor struct {
	cfg      Config
	registry *skill.Registry
	policy   *safety.Policy
	store    *audit.Store
	logger   *slog.Logger

	queue chan string

	mu      sync.RWMutex
	tasks   map[string]*Task
	timers  map[string]*time.Timer
	cancels map[string]context.CancelCauseFunc

	wg      *conc.WaitGroup
	baseCtx context.Context
	started bool
}

func NewExecutor(cfg Config, registry *skill.Registry, policy *safety.Policy, store *audit.Store, logger *slog.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueBacklog <= 0 {
		cfg.QueueBacklog = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:      cfg,
		registry: registry,
		policy:   policy,
		store:    store,
		logger:   logger,
		queue:    make(chan string, cfg.QueueBacklog),
		tasks:    make(map[string]*Task),
		timers:   make(map[string]*time.Timer),
		cancels:  make(map[string]context.CancelCauseFunc),
		wg:       conc.NewWaitGroup(),
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return cerr.NewError(cerr.FailedPrecondition, "executor already started", nil)
	}
	e.started = true
	e.baseCtx = ctx
	e.mu.Unlock()

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Go(func() {
			e.worker(ctx)
		})
	}
	return nil
}

// Wait blocks until all workers have exited.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-e.queue:
			e.run(ctx, id)
		}
	}
}

// Submit creates a task for a resolved command, classifies it, and either
// queues it, parks it pending confirmation, or blocks it. It returns as soon
// as the task is admitted; execution is asynchronous.
func (e *Executor) Submit(ctx context.Context, cmd *router.Command) (*Task, error) {
	if cmd == nil || cmd.Skill == "" || cmd.Action == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "command is not resolved to a skill action", nil)
	}

	t := &Task{
		ID:        ulid.Make().String(),
		Command:   cmd,
		State:     StateCreated,
		CreatedAt: time.Now(),
	}

	// An ambiguous trigger match is noted on the creation record so it can
	// be found when tuning trigger phrases.
	var createdDetail string
	if cmd.Ambiguous {
		createdDetail = "ambiguous trigger match"
	}

	// Creation and its audit record are one logical operation: the task is
	// not registered unless the record was persisted.
	if err := e.store.Append(ctx, e.newRecord(t, StateCreated, "", createdDetail)); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to record task creation", err)
	}
	e.mu.Lock()
	e.tasks[t.ID] = t
	e.mu.Unlock()

	// Classification is inline and ephemeral: the decision is recorded on
	// the admission record that follows, not as its own audit entry.
	c := e.policy.Classify(cmd.Skill, cmd.Action, cmd.Params)
	e.mu.Lock()
	t.Decision = c.Decision
	t.State = StateClassified
	e.mu.Unlock()

	switch c.Decision {
	case safety.DecisionAllow:
		if err := e.transition(ctx, t, StateAllowed, "", ""); err != nil {
			return e.snapshot(t), err
		}
		if err := e.enqueue(ctx, t); err != nil {
			return e.snapshot(t), err
		}
	case safety.DecisionConfirm:
		if err := e.transition(ctx, t, StateAwaitingConfirmation, "", c.Reason); err != nil {
			return e.snapshot(t), err
		}
		e.armConfirmationTimer(t.ID)
	case safety.DecisionBlock:
		if err := e.transition(ctx, t, StateBlocked, ReasonSafetyBlocked, c.Reason); err != nil {
			return e.snapshot(t), err
		}
	}

	return e.snapshot(t), nil
}

// Confirm resolves an AWAITING_CONFIRMATION task: approval admits it to the
// queue, denial blocks it.
func (e *Executor) Confirm(ctx context.Context, id string, approve bool) (*Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("task %q not found", id), nil)
	}
	if t.State != StateAwaitingConfirmation {
		e.mu.Unlock()
		return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("task %q is not awaiting confirmation", id), nil)
	}
	if timer, ok := e.timers[id]; ok {
		timer.Stop()
		delete(e.timers, id)
	}
	e.mu.Unlock()

	if !approve {
		if err := e.transition(ctx, t, StateBlocked, ReasonDenied, "confirmation denied"); err != nil {
			return e.snapshot(t), err
		}
		return e.snapshot(t), nil
	}

	if err := e.transition(ctx, t, StateAllowed, "", "confirmation received"); err != nil {
		return e.snapshot(t), err
	}
	if err := e.enqueue(ctx, t); err != nil {
		return e.snapshot(t), err
	}
	return e.snapshot(t), nil
}

// Cancel requests cancellation. An awaiting task blocks immediately; a
// running task is cancelled cooperatively; the skill call may keep running,
// but the task is marked failed and its tracking resources released.
func (e *Executor) Cancel(ctx context.Context, id string) (*Task, error) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	if !ok {
		e.mu.Unlock()
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("task %q not found", id), nil)
	}

	switch t.State {
	case StateAwaitingConfirmation:
		if timer, ok := e.timers[id]; ok {
			timer.Stop()
			delete(e.timers, id)
		}
		e.mu.Unlock()
		if err := e.transition(ctx, t, StateBlocked, ReasonCanceled, "cancelled by caller"); err != nil {
			return e.snapshot(t), err
		}
		return e.snapshot(t), nil
	case StateRunning:
		cancel := e.cancels[id]
		e.mu.Unlock()
		if cancel != nil {
			cancel(errCancelRequested)
		}
		return e.snapshot(t), nil
	default:
		state := t.State
		e.mu.Unlock()
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %q cannot be cancelled in state %s", id, state), nil)
	}
}

// Get returns a copy of the task.
func (e *Executor) Get(id string) (*Task, error) {
	e.mu.RLock()
	t, ok := e.tasks[id]
	e.mu.RUnlock()
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("task %q not found", id), nil)
	}
	return e.snapshot(t), nil
}

// List returns copies of tasks matching the filter, oldest first.
func (e *Executor) List(f Filter) []*Task {
	e.mu.RLock()
	out := make([]*Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		if f.Skill != "" && t.Command.Skill != f.Skill {
			continue
		}
		if f.State != "" && t.State != f.State {
			continue
		}
		copied := *t
		out = append(out, &copied)
	}
	e.mu.RUnlock()

	// ULIDs are lexicographically ordered by creation time.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// enqueue admits a task to the FIFO queue, suspending if the backlog is
// full until a slot frees or the context is cancelled.
func (e *Executor) enqueue(ctx context.Context, t *Task) error {
	select {
	case e.queue <- t.ID:
		return nil
	default:
	}
	select {
	case e.queue <- t.ID:
		return nil
	case <-ctx.Done():
		return cerr.NewError(cerr.Canceled, "submission cancelled while waiting for queue admission", ctx.Err())
	}
}

func (e *Executor) armConfirmationTimer(id string) {
	if e.cfg.ConfirmationTimeout <= 0 {
		return
	}
	e.mu.Lock()
	e.timers[id] = time.AfterFunc(e.cfg.ConfirmationTimeout, func() {
		e.confirmationExpired(id)
	})
	e.mu.Unlock()
}

func (e *Executor) confirmationExpired(id string) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	expired := ok && t.State == StateAwaitingConfirmation
	delete(e.timers, id)
	e.mu.Unlock()
	if !expired {
		return
	}
	ctx := e.baseContext()
	if err := e.transition(ctx, t, StateBlocked, ReasonTimeout, "no confirmation within the configured window"); err != nil {
		e.logger.Error("failed to expire confirmation", "task", id, "error", err)
	}
}

func (e *Executor) baseContext() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.baseCtx != nil {
		return e.baseCtx
	}
	return context.Background()
}

// run executes one admitted task on a worker.
func (e *Executor) run(ctx context.Context, id string) {
	e.mu.RLock()
	t, ok := e.tasks[id]
	state := StateFailed
	if ok {
		state = t.State
	}
	e.mu.RUnlock()
	if !ok || state != StateAllowed {
		// Admitted but resolved elsewhere in the meantime; nothing to run.
		return
	}

	if err := e.transition(ctx, t, StateRunning, "", ""); err != nil {
		return
	}

	handler, action, err := e.registry.Resolve(t.Command.Skill, t.Command.Action)
	if err != nil {
		reason := ReasonUnknownSkill
		if errors.Is(err, skill.ErrUnknownAction) {
			reason = ReasonUnknownAction
		}
		e.complete(ctx, t, StateFailed, reason, &skill.Result{Success: false, Err: err.Error()})
		return
	}

	runCtx, cancelCause := context.WithCancelCause(ctx)
	timeoutCtx := runCtx
	var cancelTimeout context.CancelFunc
	if e.cfg.TaskTimeout > 0 {
		timeoutCtx, cancelTimeout = context.WithTimeout(runCtx, e.cfg.TaskTimeout)
	}
	e.mu.Lock()
	e.cancels[id] = cancelCause
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
		cancelCause(nil)
		if cancelTimeout != nil {
			cancelTimeout()
		}
	}()

	type outcome struct {
		result *skill.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var res *skill.Result
		err := panicerr.Safe(func() error {
			var herr error
			res, herr = handler.Handle(timeoutCtx, action.Name, t.Command.Params)
			return herr
		})()
		done <- outcome{result: res, err: err}
	}()

	var (
		out     outcome
		expired bool
	)
	select {
	case out = <-done:
		// A handler that returns a context error after cancellation is
		// classified the same as an abandoned call.
		expired = timeoutCtx.Err() != nil && errors.Is(out.err, timeoutCtx.Err())
	case <-timeoutCtx.Done():
		// The skill call is abandoned best-effort: without a cooperative
		// cancellation hook it may keep running, but the task is terminal.
		expired = true
	}

	if expired {
		reason := ReasonTimeout
		detail := "execution exceeded the configured timeout"
		if errors.Is(context.Cause(runCtx), errCancelRequested) {
			reason = ReasonCanceled
			detail = "cancelled by caller"
		}
		e.complete(ctx, t, StateFailed, reason, &skill.Result{Success: false, Err: detail})
		return
	}

	switch {
	case out.err != nil:
		e.complete(ctx, t, StateFailed, ReasonExecutionError, &skill.Result{Success: false, Err: out.err.Error()})
	case out.result == nil:
		e.complete(ctx, t, StateFailed, ReasonExecutionError, &skill.Result{Success: false, Err: "skill returned no result"})
	case !out.result.Success:
		e.complete(ctx, t, StateFailed, ReasonExecutionError, out.result)
	default:
		e.complete(ctx, t, StateSucceeded, "", out.result)
	}
}

// complete moves a task to a terminal state.
func (e *Executor) complete(ctx context.Context, t *Task, state State, reason string, result *skill.Result) {
	e.mu.Lock()
	t.Result = result
	e.mu.Unlock()
	if err := e.transition(ctx, t, state, reason, resultDetail(result)); err != nil {
		e.logger.Error("failed to complete task", "task", t.ID, "state", state, "error", err)
	}
}

func resultDetail(r *skill.Result) string {
	if r == nil {
		return ""
	}
	return r.Err
}

// transition validates and applies one state change, appending its audit
// record before the new state becomes visible. State change and audit append
// are one logical operation under the executor lock. A record that cannot be
// persisted forces the task to FAILED with reason AuditWriteFailed.
func (e *Executor) transition(ctx context.Context, t *Task, next State, reason, detail string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !t.State.CanTransitionTo(next) {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s cannot transition %s -> %s", t.ID, t.State, next), nil)
	}

	rec := e.newRecord(t, next, reason, detail)
	if err := e.store.Append(ctx, rec); err != nil {
		e.logger.Error("audit append failed", "task", t.ID, "state", next, "error", err)
		t.State = StateFailed
		t.Reason = ReasonAuditWriteFailed
		t.Detail = err.Error()
		t.FinishedAt = time.Now()
		if t.Result == nil {
			t.Result = &skill.Result{Success: false, Err: "audit record could not be persisted"}
		} else {
			t.Result.Success = false
		}
		failRec := e.newRecord(t, StateFailed, ReasonAuditWriteFailed, err.Error())
		if aerr := e.store.Append(ctx, failRec); aerr != nil {
			e.logger.Error("failed to record audit write failure", "task", t.ID, "error", aerr)
		}
		return cerr.NewError(cerr.Internal, "failed to append audit record", err)
	}

	t.State = next
	if reason != "" {
		t.Reason = reason
	}
	if detail != "" {
		t.Detail = detail
	}
	switch next {
	case StateRunning:
		t.StartedAt = rec.Timestamp
	case StateBlocked, StateSucceeded, StateFailed:
		t.FinishedAt = rec.Timestamp
	}
	return nil
}

func (e *Executor) newRecord(t *Task, state State, reason, detail string) *audit.Record {
	return &audit.Record{
		ID:        ulid.Make().String(),
		TaskID:    t.ID,
		Timestamp: time.Now(),
		State:     string(state),
		Skill:     t.Command.Skill,
		Action:    t.Command.Action,
		Decision:  string(t.Decision),
		Reason:    reason,
		Detail:    detail,
	}
}

// snapshot returns a copy safe to hand to callers.
func (e *Executor) snapshot(t *Task) *Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	copied := *t
	return &copied
}
