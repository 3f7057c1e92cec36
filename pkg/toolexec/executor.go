package toolexec

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harun/toolrun/internal/observability"
	"github.com/harun/toolrun/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultPoolSize is the number of tool calls allowed to run at once.
const DefaultPoolSize = 4

// Status is a snapshot of executor counters.
type Status struct {
	Pending             int  `json:"pending"`
	Running             int  `json:"running"`
	Succeeded           int  `json:"succeeded"`
	Failed              int  `json:"failed"`
	TotalSubmitted      int  `json:"total_submitted"`
	TotalFinished       int  `json:"total_finished"`
	TotalFailed         int  `json:"total_failed"`
	BackgroundProcesses int  `json:"background_processes"`
	IsRunning           bool `json:"is_running"`
}

// ObserveOptions controls Observe.
type ObserveOptions struct {
	// Wait suspends while the buffer is empty and calls are still running.
	Wait bool
	// Timeout bounds the wait; zero waits until an outcome arrives or nothing is running.
	Timeout time.Duration
	// MaxItems caps the number of outcomes returned; zero returns everything.
	MaxItems int
}

// Event is emitted when a call is submitted or completes.
type Event struct {
	Type     string // "submitted" or "completed"
	CallID   string
	ToolName string
	Key      string
	Success  bool
	Replayed bool
}

// EventHandler handles executor events.
type EventHandler func(event Event)

// Option configures an Executor.
type Option func(*Executor)

// WithPoolSize sets the maximum number of concurrent dispatches.
func WithPoolSize(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.poolSize = n
		}
	}
}

// WithStopGrace sets the SIGTERM grace window for single process stops.
func WithStopGrace(d time.Duration) Option {
	return func(e *Executor) { e.stopGrace = d }
}

// WithCleanupGrace sets the SIGTERM grace window used per process during cleanup.
func WithCleanupGrace(d time.Duration) Option {
	return func(e *Executor) { e.cleanupGrace = d }
}

// WithLogger sets the executor logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithSupervisor shares an existing supervisor instead of creating one.
// The grace options are ignored when it is set.
func WithSupervisor(s *Supervisor) Option {
	return func(e *Executor) { e.supervisor = s }
}

// flight tracks a dispatch in progress so duplicate submissions can wait for it.
type flight struct {
	done    chan struct{}
	outcome ExecutionOutcome
}

// Executor runs tool calls in the background with bounded concurrency,
// idempotent replay and buffered results.
type Executor struct {
	dispatcher   Dispatcher
	stores       []ToolStore
	poolSize     int
	stopGrace    time.Duration
	cleanupGrace time.Duration
	logger       zerolog.Logger

	gate       *governor
	cache      *idempotencyCache
	results    *resultBuffer
	supervisor *Supervisor

	mu       sync.Mutex
	started  bool
	shutdown bool
	taskSeq  uint64
	running  map[uint64]string
	inflight map[string]*flight
	// idle is closed whenever the running set is empty.
	idle           chan struct{}
	totalSubmitted int
	totalFinished  int
	totalFailed    int

	eventHandlers map[string][]EventHandler
	eventMu       sync.RWMutex
}

// New creates an executor. Start must be called before submitting.
func New(dispatcher Dispatcher, stores []ToolStore, opts ...Option) *Executor {
	observability.EnsureRegistered()

	e := &Executor{
		dispatcher:    dispatcher,
		stores:        stores,
		poolSize:      DefaultPoolSize,
		stopGrace:     DefaultStopGrace,
		cleanupGrace:  DefaultCleanupGrace,
		logger:        log.Logger,
		cache:         newIdempotencyCache(),
		results:       newResultBuffer(),
		running:       make(map[uint64]string),
		inflight:      make(map[string]*flight),
		idle:          make(chan struct{}),
		eventHandlers: make(map[string][]EventHandler),
	}
	close(e.idle)

	for _, opt := range opts {
		opt(e)
	}

	e.gate = newGovernor(e.poolSize)
	if e.supervisor == nil {
		e.supervisor = NewSupervisor(e.stopGrace, e.cleanupGrace, e.logger)
	}

	return e
}

// Start marks the executor ready for submissions. Calling it again while
// started is a no-op; a shut-down executor cannot be restarted.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shutdown {
		return ErrShutdown
	}
	if e.started {
		e.logger.Info().Msg("Tool executor already started")
		return nil
	}
	if e.dispatcher == nil {
		return ErrNilDispatcher
	}

	e.started = true
	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().
		Int("pool_size", e.poolSize).
		Int("tool_stores", len(e.stores)).
		Msg("Tool executor started")
	return nil
}

// Shutdown blocks further submissions, optionally waits for running calls,
// then tears down background processes. With wait=false running calls are
// left detached; their outcomes still land in this executor's buffer.
func (e *Executor) Shutdown(ctx context.Context, wait bool) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	running := len(e.running)
	e.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().Bool("wait", wait).Int("running", running).Msg("Shutting down tool executor")

	var waitErr error
	if wait && running > 0 {
		waitErr = e.WaitAll(ctx)
		if waitErr != nil {
			logger.Warn().Err(waitErr).Msg("Stopped waiting for running tool calls")
		}
	}

	var cleanupErr error
	if e.supervisor.Count() > 0 {
		report, err := e.supervisor.Cleanup()
		if err != nil {
			cleanupErr = fmt.Errorf("background process cleanup: %w", err)
			logger.Error().Err(err).Int("failed", len(report.Failed)).Msg("Background process cleanup failed")
		}
	}

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()

	logger.Info().Msg("Tool executor shut down")

	if waitErr != nil {
		return waitErr
	}
	return cleanupErr
}

// Submit schedules req and returns immediately. The outcome is delivered
// through Observe.
func (e *Executor) Submit(ctx context.Context, req CallRequest) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrShutdown
	}
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	key := req.Key()
	e.totalSubmitted++
	taskID := e.addTaskLocked(key)
	e.mu.Unlock()

	e.emit(Event{Type: "submitted", CallID: req.CallID, ToolName: req.ToolName, Key: key})

	// Calls outlive the submitting request; keep its values but not its cancellation.
	go e.run(context.WithoutCancel(ctx), taskID, key, req)
	return nil
}

// SubmitMany submits reqs. In sequential mode each call is waited for before
// the next is submitted; this holds only if nobody else submits meanwhile.
func (e *Executor) SubmitMany(ctx context.Context, reqs []CallRequest, parallel bool) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "toolrun.toolexec", "toolexec.submit_many",
		attribute.Int("count", len(reqs)),
		attribute.Bool("parallel", parallel),
	)
	defer span.End()

	for _, req := range reqs {
		if err := e.Submit(ctx, req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if !parallel {
			if err := e.WaitAll(ctx); err != nil {
				span.RecordError(err)
				return err
			}
		}
	}
	return nil
}

// Observe drains buffered outcomes. See ObserveOptions for waiting semantics;
// an expired timeout returns whatever is available, possibly nothing.
func (e *Executor) Observe(ctx context.Context, opts ObserveOptions) []ExecutionOutcome {
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline <-chan time.Time
	if opts.Wait && opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		arrived := e.results.Arrived()
		items := e.results.Drain(opts.MaxItems)
		if len(items) > 0 || !opts.Wait {
			observability.SetResultBufferDepth(e.results.Len())
			return items
		}

		select {
		case <-arrived:
			continue
		case <-e.idleChan():
			// Nothing left running; anything delivered on the way out is already buffered.
			items = e.results.Drain(opts.MaxItems)
		case <-deadline:
			items = e.results.Drain(opts.MaxItems)
		case <-ctx.Done():
			items = e.results.Drain(opts.MaxItems)
		}
		observability.SetResultBufferDepth(e.results.Len())
		return items
	}
}

// WaitAll blocks until no call is running. It guarantees completion, not delivery.
func (e *Executor) WaitAll(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-e.idleChan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the executor counters. It never mutates state.
func (e *Executor) Status() Status {
	succeeded, failed := e.cache.Counts()

	e.mu.Lock()
	defer e.mu.Unlock()

	return Status{
		Pending:             e.results.Len(),
		Running:             len(e.running),
		Succeeded:           succeeded,
		Failed:              failed,
		TotalSubmitted:      e.totalSubmitted,
		TotalFinished:       e.totalFinished,
		TotalFailed:         e.totalFailed,
		BackgroundProcesses: e.supervisor.Count(),
		IsRunning:           e.started && !e.shutdown,
	}
}

// Clear drops unobserved outcomes and forgets every idempotency key.
// Counters and background processes are left untouched.
func (e *Executor) Clear() {
	e.mu.Lock()
	dropped := e.results.Clear()
	e.cache.Clear()
	e.mu.Unlock()

	observability.SetResultBufferDepth(0)
	e.logger.Info().Int("dropped", dropped).Msg("Tool executor results cleared")
}

// PoolSize returns the configured concurrency bound.
func (e *Executor) PoolSize() int {
	return e.gate.Size()
}

// ActiveDispatches returns the number of calls currently holding a slot.
func (e *Executor) ActiveDispatches() int {
	return e.gate.InUse()
}

// Supervisor returns the background process supervisor.
func (e *Executor) Supervisor() *Supervisor {
	return e.supervisor
}

// RegisterBackgroundProcess tracks a process spawned by a tool.
func (e *Executor) RegisterBackgroundProcess(proc *os.Process, command, workDir string) (string, error) {
	return e.supervisor.Register(proc, command, workDir)
}

// ListBackgroundProcesses lists tracked processes with their live status.
func (e *Executor) ListBackgroundProcesses() []ProcessInfo {
	return e.supervisor.List()
}

// StopBackgroundProcess stops one tracked process.
func (e *Executor) StopBackgroundProcess(id string, force bool) (StopResult, error) {
	return e.supervisor.Stop(id, force)
}

// CleanupBackgroundProcesses stops and forgets every tracked process.
func (e *Executor) CleanupBackgroundProcesses() (CleanupReport, error) {
	return e.supervisor.Cleanup()
}

// On registers an event handler for an event type.
func (e *Executor) On(eventType string, handler EventHandler) {
	e.eventMu.Lock()
	defer e.eventMu.Unlock()
	e.eventHandlers[eventType] = append(e.eventHandlers[eventType], handler)
}

func (e *Executor) emit(event Event) {
	e.eventMu.RLock()
	handlers := e.eventHandlers[event.Type]
	e.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

func (e *Executor) idleChan() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idle
}

func (e *Executor) addTaskLocked(key string) uint64 {
	e.taskSeq++
	if len(e.running) == 0 {
		e.idle = make(chan struct{})
	}
	e.running[e.taskSeq] = key
	return e.taskSeq
}

func (e *Executor) removeTask(taskID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.running, taskID)
	if len(e.running) == 0 {
		close(e.idle)
	}
}

// run is the per-call pipeline: replay, extraction failure, or dispatch.
func (e *Executor) run(ctx context.Context, taskID uint64, key string, req CallRequest) {
	defer e.removeTask(taskID)

	ctx = tracing.WithCallID(ctx, req.CallID)
	logger := tracing.LoggerFromContext(ctx, e.logger).With().
		Str("tool", req.ToolName).
		Str("call_id", req.CallID).
		Logger()

	e.mu.Lock()
	if cached, ok := e.cache.Get(key); ok {
		e.mu.Unlock()
		logger.Debug().Bool("success", cached.Success).Msg("Replaying cached tool outcome")
		observability.RecordDedupHit(req.ToolName)
		e.deliver(replayOf(cached))
		return
	}
	if f, ok := e.inflight[key]; ok {
		e.mu.Unlock()
		logger.Debug().Msg("Waiting for in-flight duplicate tool call")
		observability.RecordDedupHit(req.ToolName)
		<-f.done
		e.deliver(replayOf(f.outcome))
		return
	}
	if !req.Success {
		reason := req.FailureReason
		if reason == "" {
			reason = "tool call extraction failed"
		}
		outcome := FailedOutcome(req, reason)
		e.cache.Record(key, outcome)
		e.mu.Unlock()

		logger.Warn().Str("reason", reason).Msg("Tool call extraction failed")
		observability.RecordExtractionFailure(req.ToolName)
		e.deliver(outcome)
		return
	}
	f := &flight{done: make(chan struct{})}
	e.inflight[key] = f
	e.mu.Unlock()

	f.outcome = e.dispatch(ctx, key, req, logger)
	close(f.done)
}

// dispatch holds a concurrency slot for the duration of one tool call.
// The slot is released on every exit path.
func (e *Executor) dispatch(ctx context.Context, key string, req CallRequest, logger zerolog.Logger) ExecutionOutcome {
	ctx, span := tracing.StartSpan(ctx, "toolrun.toolexec", "toolexec.dispatch",
		attribute.String("tool", req.ToolName),
		attribute.String("call_id", req.CallID),
	)
	defer span.End()

	var outcome ExecutionOutcome
	if err := e.gate.Acquire(ctx); err != nil {
		outcome = FailedOutcome(req, fmt.Sprintf("failed to acquire execution slot: %v", err))
		e.complete(key, outcome)
		return outcome
	}
	defer func() {
		e.gate.Release()
		observability.SetGovernorInUse(e.gate.InUse())
	}()
	observability.SetGovernorInUse(e.gate.InUse())

	logger.Debug().Int("active", e.gate.InUse()).Msg("Dispatching tool call")

	start := time.Now()
	result, err := e.invoke(ctx, req)
	duration := time.Since(start)

	if err != nil {
		outcome = FailedOutcome(req, fmt.Sprintf("tool %s raised an error: %v", req.ToolName, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("Tool dispatch failed")
	} else {
		outcome = result
		outcome.Request = req
		if !outcome.Success {
			span.SetStatus(codes.Error, outcome.Error)
		}
		logger.Debug().Bool("success", outcome.Success).Dur("duration", duration).Msg("Tool dispatch completed")
	}
	outcome.Duration = duration
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now()
	}

	observability.RecordToolExecution(req.ToolName, duration, outcome.Success)
	observability.RecordToolAudit(ctx, req.ToolName, req.CallID, outcome.Success, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
		"source":      string(req.Source),
	})
	e.complete(key, outcome)
	return outcome
}

// invoke calls the dispatcher with the executor bound to ctx. A panic in the
// dispatcher is reported as an error.
func (e *Executor) invoke(ctx context.Context, req CallRequest) (outcome ExecutionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	call := Call{Request: req, Stores: e.stores, Executor: e}
	return e.dispatcher.Dispatch(WithExecutor(ctx, e), call)
}

// complete records outcome under key, releases duplicates waiting on it and
// delivers it.
func (e *Executor) complete(key string, outcome ExecutionOutcome) {
	e.mu.Lock()
	e.cache.Record(key, outcome)
	delete(e.inflight, key)
	e.mu.Unlock()

	e.deliver(outcome)
}

func (e *Executor) deliver(outcome ExecutionOutcome) {
	e.mu.Lock()
	e.totalFinished++
	if !outcome.Success {
		e.totalFailed++
	}
	e.mu.Unlock()

	depth := e.results.Push(outcome)
	observability.SetResultBufferDepth(depth)

	e.emit(Event{
		Type:     "completed",
		CallID:   outcome.Request.CallID,
		ToolName: outcome.Request.ToolName,
		Key:      outcome.Request.Key(),
		Success:  outcome.Success,
		Replayed: outcome.Replayed,
	})
}

func replayOf(cached ExecutionOutcome) ExecutionOutcome {
	replay := cached
	replay.Replayed = true
	return replay
}
