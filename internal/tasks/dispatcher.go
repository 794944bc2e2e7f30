package tasks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/google/uuid"

	"github.com/openmates/core/internal/logger"
	"github.com/openmates/core/internal/telemetry"
)

// maxScheduledAttempts caps rate-limit re-enqueues before a task is
// abandoned as failed.
const maxScheduledAttempts = 3

// DispatcherOptions wires a Dispatcher. Conn may be nil for single-instance
// deployments; tasks then run in local goroutines instead of flowing through
// queues.
type DispatcherOptions struct {
	Conn           *nats.Conn
	Runner         *Runner
	Flags          Flags
	Focus          *FocusCoordinator
	Queues         []string
	WorkerPoolSize int
	Metrics        *telemetry.Metrics
	Logger         *logger.Logger
}

// Dispatcher moves tasks between the WS router and the runner pool. Tasks
// flow through per-app NATS queue groups so instances share the load; revoke
// signals fan out to every instance so whichever one owns the task cancels
// its context. The semaphore bounds concurrent runs per instance.
type Dispatcher struct {
	nc         *nats.Conn
	runner     *Runner
	flags      Flags
	focus      *FocusCoordinator
	instanceID string
	queues     []string
	sem        chan struct{}
	metrics    *telemetry.Metrics
	logger     *logger.Logger

	subs []*nats.Subscription

	mu      sync.Mutex
	running map[string]context.CancelFunc
	timers  map[string]*time.Timer

	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	size := opts.WorkerPoolSize
	if size <= 0 {
		size = 32
	}
	queues := opts.Queues
	if len(queues) == 0 {
		queues = []string{QueueForApp("ai"), QueueForApp("web")}
	}
	return &Dispatcher{
		nc:         opts.Conn,
		runner:     opts.Runner,
		flags:      opts.Flags,
		focus:      opts.Focus,
		instanceID: logger.GetInstanceID(),
		queues:     queues,
		sem:        make(chan struct{}, size),
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("dispatcher"),
		running:    make(map[string]context.CancelFunc),
		timers:     make(map[string]*time.Timer),
	}
}

// Start subscribes the shared worker group to every task queue and this
// instance to the revoke fan-out. Without a queue connection there is
// nothing to subscribe; Enqueue runs tasks locally instead.
func (d *Dispatcher) Start() error {
	if d.nc == nil {
		d.logger.Info("task dispatcher in local mode, no queue connection")
		return nil
	}

	for _, queue := range d.queues {
		sub, err := d.nc.QueueSubscribe(subjectFor(queue), workersGroup, d.handleTask)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subjectFor(queue), err)
		}
		d.subs = append(d.subs, sub)
	}

	sub, err := d.nc.Subscribe(revokeSubject, d.handleRevoke)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", revokeSubject, err)
	}
	d.subs = append(d.subs, sub)

	d.logger.Info("task dispatcher started",
		"queues", d.queues, "workers", cap(d.sem), "instance", d.instanceID)
	return nil
}

// Enqueue validates and queues one task. The chat's active task marker is
// set before the publish so a cancel arriving a beat later already has
// something to hit.
func (d *Dispatcher) Enqueue(ctx context.Context, env *Envelope) error {
	if d.closed.Load() {
		return errors.New("dispatcher stopped")
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if env.EnqueuedAt.IsZero() {
		env.EnqueuedAt = time.Now().UTC()
	}

	if err := d.flags.SetActiveAITask(ctx, env.ChatID, env.TaskID); err != nil {
		d.logger.Warn("failed to set active task marker",
			"task_id", env.TaskID, "error", err.Error())
	}

	if d.nc == nil {
		d.spawn(env)
		return nil
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := d.nc.Publish(subjectFor(env.Queue), payload); err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Interrupt revokes a task wherever it runs: the distributed flag stops the
// runner at its next safe point, the fan-out cancels the owning instance's
// context, and the local cancel covers no-queue deployments.
func (d *Dispatcher) Interrupt(ctx context.Context, taskID string) error {
	if err := d.flags.RevokeTask(ctx, taskID); err != nil {
		return fmt.Errorf("set revocation flag: %w", err)
	}

	d.mu.Lock()
	cancel, ok := d.running[taskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}

	if d.nc != nil {
		payload, err := json.Marshal(revokeSignal{TaskID: taskID, InstanceID: d.instanceID})
		if err != nil {
			return fmt.Errorf("marshal revoke signal: %w", err)
		}
		if err := d.nc.Publish(revokeSubject, payload); err != nil {
			return fmt.Errorf("publish revoke: %w", err)
		}
	}

	d.logger.Info("task revocation sent", "task_id", taskID, "local_hit", ok)
	return nil
}

// RejectFocus handles a client's focus_mode_rejected. Winning the race
// against the auto-confirm timer re-fires the task without the focus into
// the same assistant bubble and reports caught=true; losing falls back to
// deactivating the focus the timer already committed. The caller must have
// verified the user owns the chat.
func (d *Dispatcher) RejectFocus(ctx context.Context, userHash, chatID string) (bool, error) {
	record, key, err := d.focus.TakePending(ctx, chatID)
	if err != nil {
		return false, err
	}
	if record == nil {
		if err := d.focus.Deactivate(ctx, userHash, chatID); err != nil {
			return false, err
		}
		return false, nil
	}

	env := record.Env
	env.TaskID = uuid.NewString()
	env.ContinuationMessageID = record.Env.AssistantMessageID()
	env.ActiveFocusID = ""
	env.ChatKey = base64.StdEncoding.EncodeToString(key)
	env.Attempt = 0
	env.EnqueuedAt = time.Now().UTC()

	if err := d.Enqueue(ctx, &env); err != nil {
		return true, err
	}
	d.logger.Info("focus rejected before activation, task re-fired",
		"chat_id", chatID,
		"task_id", env.TaskID,
		"message_id", env.ContinuationMessageID)
	return true, nil
}

// Stop drains the subscriptions, stops retry timers, and waits for running
// tasks to settle. A context deadline cuts the wait short by cancelling
// whatever is still running.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, sub := range d.subs {
		if err := sub.Drain(); err != nil {
			d.logger.Warn("subscription drain failed", "error", err.Error())
		}
	}

	d.mu.Lock()
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("task dispatcher stopped")
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		for _, cancel := range d.running {
			cancel()
		}
		d.mu.Unlock()
		return ctx.Err()
	}
}

func (d *Dispatcher) handleTask(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		d.logger.Error("undecodable task payload", "subject", msg.Subject, "error", err.Error())
		return
	}
	d.spawn(&env)
}

func (d *Dispatcher) handleRevoke(msg *nats.Msg) {
	var sig revokeSignal
	if err := json.Unmarshal(msg.Data, &sig); err != nil || sig.TaskID == "" {
		return
	}

	d.mu.Lock()
	cancel, ok := d.running[sig.TaskID]
	d.mu.Unlock()
	if ok {
		d.logger.Info("cancelling running task",
			"task_id", sig.TaskID, "from_instance", sig.InstanceID)
		cancel()
	}
}

func (d *Dispatcher) spawn(env *Envelope) {
	if d.closed.Load() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.run(env)
	}()
}

// run executes one task and settles its result. The per-task context is the
// handle revocation cancels.
func (d *Dispatcher) run(env *Envelope) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.running[env.TaskID] = cancel
	d.mu.Unlock()
	defer func() {
		cancel()
		d.mu.Lock()
		delete(d.running, env.TaskID)
		d.mu.Unlock()
	}()

	result := d.runner.Run(ctx, env)
	if d.metrics != nil {
		d.metrics.TasksTotal.WithLabelValues(env.Queue, result.State).Inc()
	}

	if result.State == StateScheduled && result.Scheduled != nil {
		d.reschedule(env, result.Scheduled)
	}
}

// reschedule re-queues a rate-limited task after its wait, or abandons it
// once the attempt budget is spent.
func (d *Dispatcher) reschedule(env *Envelope, retry *ScheduledRetry) {
	if env.Attempt+1 >= maxScheduledAttempts {
		d.logger.Error("task exceeded scheduled retries, abandoning",
			"task_id", env.TaskID, "attempts", env.Attempt+1)
		d.runner.notifyError(env, "Failed to process message",
			map[string]interface{}{"task_id": env.TaskID})
		d.runner.clearMarker(env, d.logger)
		if d.metrics != nil {
			d.metrics.TasksTotal.WithLabelValues(env.Queue, StateFailed).Inc()
		}
		return
	}

	wait := time.Duration(retry.WaitSeconds * float64(time.Second))
	if wait <= 0 {
		wait = time.Second
	}

	d.runner.notifyError(env, "Task scheduled due to rate limit", map[string]interface{}{
		"task_id":      env.TaskID,
		"wait_seconds": retry.WaitSeconds,
	})
	d.logger.Info("task scheduled for retry",
		"task_id", env.TaskID, "wait_seconds", retry.WaitSeconds, "attempt", env.Attempt+1)

	next := *env
	next.Attempt++

	d.mu.Lock()
	if t, ok := d.timers[next.TaskID]; ok {
		t.Stop()
	}
	d.timers[next.TaskID] = time.AfterFunc(wait, func() {
		d.mu.Lock()
		delete(d.timers, next.TaskID)
		d.mu.Unlock()
		if d.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.runner.cfg.InternalTimeout)
		defer cancel()
		if err := d.Enqueue(ctx, &next); err != nil {
			d.logger.Error("scheduled re-enqueue failed",
				"task_id", next.TaskID, "error", err.Error())
		}
	})
	d.mu.Unlock()
}
