package toolexec

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/harun/toolrun/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultStopGrace is how long a single Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 5 * time.Second
	// DefaultCleanupGrace is the shorter window used per process during Cleanup.
	DefaultCleanupGrace = 2 * time.Second

	processIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	processIDLength   = 8
	killWait          = 2 * time.Second
	exitPollInterval  = 100 * time.Millisecond
)

// ProcessStatus is the status tag of a background process.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessStopped   ProcessStatus = "stopped"
	ProcessCompleted ProcessStatus = "completed"
)

// StopState describes how a Stop request ended.
type StopState string

const (
	StopStateStopped           StopState = "stopped"
	StopStateAlreadyTerminated StopState = "already_terminated"
)

// ProcessInfo is a point-in-time view of a tracked process.
type ProcessInfo struct {
	ID         string        `json:"id"`
	PID        int           `json:"pid"`
	Command    string        `json:"command"`
	WorkingDir string        `json:"working_dir,omitempty"`
	Status     ProcessStatus `json:"status"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Stopped    bool          `json:"stopped,omitempty"`
}

// StopResult reports the outcome of stopping one process.
type StopResult struct {
	ID       string    `json:"id"`
	PID      int       `json:"pid"`
	State    StopState `json:"state"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Killed   bool      `json:"killed"`
	Message  string    `json:"message"`
}

// CleanupReport aggregates a bulk teardown. Failed maps process id to the error message.
type CleanupReport struct {
	Total   int               `json:"total"`
	Stopped []string          `json:"stopped"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type processRecord struct {
	id        string
	command   string
	workDir   string
	process   *os.Process
	startedAt time.Time

	// guarded by Supervisor.mu
	status ProcessStatus

	// done is closed once the process has exited; exitCode is valid after that.
	done     chan struct{}
	exitCode int
}

func (r *processRecord) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Supervisor tracks OS processes spawned by tools and tears them down.
// The exit state of each process is observed live; only the "stopped" tag is stored.
type Supervisor struct {
	records      map[string]*processRecord
	stopGrace    time.Duration
	cleanupGrace time.Duration
	logger       zerolog.Logger
	mu           sync.Mutex
}

// NewSupervisor creates a supervisor with the given grace windows.
// Non-positive windows fall back to the defaults.
func NewSupervisor(stopGrace, cleanupGrace time.Duration, logger zerolog.Logger) *Supervisor {
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}
	if cleanupGrace <= 0 {
		cleanupGrace = DefaultCleanupGrace
	}
	return &Supervisor{
		records:      make(map[string]*processRecord),
		stopGrace:    stopGrace,
		cleanupGrace: cleanupGrace,
		logger:       logger,
	}
}

// Register starts tracking proc and returns its short id.
// The supervisor becomes responsible for reaping proc; callers must not Wait on it.
func (s *Supervisor) Register(proc *os.Process, command, workDir string) (string, error) {
	if proc == nil {
		return "", fmt.Errorf("%w: nil process for %q", ErrProcessControl, command)
	}

	rec := &processRecord{
		command:   command,
		workDir:   workDir,
		process:   proc,
		startedAt: time.Now(),
		status:    ProcessRunning,
		done:      make(chan struct{}),
		exitCode:  -1,
	}

	s.mu.Lock()
	rec.id = s.newIDLocked(proc.Pid)
	s.records[rec.id] = rec
	count := len(s.records)
	s.mu.Unlock()

	go watchExit(rec)

	observability.SetBackgroundProcesses(count)
	s.logger.Info().
		Str("process_id", rec.id).
		Int("pid", proc.Pid).
		Str("command", command).
		Str("working_dir", workDir).
		Msg("Background process registered")

	return rec.id, nil
}

func (s *Supervisor) newIDLocked(pid int) string {
	for attempt := 0; attempt < 5; attempt++ {
		id, err := gonanoid.Generate(processIDAlphabet, processIDLength)
		if err != nil {
			break
		}
		if _, taken := s.records[id]; !taken {
			return id
		}
	}
	return fmt.Sprintf("p%d-%d", pid, time.Now().UnixNano())
}

// watchExit reaps the process. Processes that are not our children cannot be
// waited on, so for those we fall back to probing with signal 0.
func watchExit(rec *processRecord) {
	defer close(rec.done)

	state, err := rec.process.Wait()
	if err == nil {
		rec.exitCode = state.ExitCode()
		return
	}

	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		if err := rec.process.Signal(syscall.Signal(0)); err != nil {
			return
		}
	}
}

// Count returns the number of tracked processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// List returns every tracked process with its live status, oldest first.
func (s *Supervisor) List() []ProcessInfo {
	s.mu.Lock()
	records := make([]*processRecord, 0, len(s.records))
	stopped := make(map[string]bool, len(s.records))
	for id, rec := range s.records {
		records = append(records, rec)
		stopped[id] = rec.status == ProcessStopped
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].startedAt.Before(records[j].startedAt)
	})

	infos := make([]ProcessInfo, 0, len(records))
	for _, rec := range records {
		info := ProcessInfo{
			ID:         rec.id,
			PID:        rec.process.Pid,
			Command:    rec.command,
			WorkingDir: rec.workDir,
			Status:     ProcessRunning,
			StartedAt:  rec.startedAt,
			Stopped:    stopped[rec.id],
		}
		if rec.exited() {
			code := rec.exitCode
			info.Status = ProcessCompleted
			info.ExitCode = &code
		}
		infos = append(infos, info)
	}
	return infos
}

// Stop terminates one process: SIGTERM (or SIGKILL when force is set), then a
// grace window, then SIGKILL if the process is still alive.
func (s *Supervisor) Stop(id string, force bool) (StopResult, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	grace := s.stopGrace
	s.mu.Unlock()

	if !ok {
		return StopResult{ID: id, Message: fmt.Sprintf("process %s not found", id)},
			fmt.Errorf("%w: %s", ErrProcessNotFound, id)
	}

	return s.terminate(rec, force, grace)
}

func (s *Supervisor) terminate(rec *processRecord, force bool, grace time.Duration) (StopResult, error) {
	result := StopResult{ID: rec.id, PID: rec.process.Pid}
	logger := s.logger.With().Str("process_id", rec.id).Int("pid", rec.process.Pid).Logger()

	if rec.exited() {
		code := rec.exitCode
		result.State = StopStateAlreadyTerminated
		result.ExitCode = &code
		result.Message = fmt.Sprintf("process %s already terminated with exit code %d", rec.id, code)
		return result, nil
	}

	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := rec.process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		result.Message = fmt.Sprintf("failed to send %s: %v", sig, err)
		logger.Error().Err(err).Str("signal", sig.String()).Msg("Failed to signal background process")
		return result, fmt.Errorf("%w: send %s to pid %d: %v", ErrProcessControl, sig, rec.process.Pid, err)
	}
	result.Killed = force

	if force {
		grace = killWait
	}
	if !waitDone(rec.done, grace) {
		if force {
			result.Message = fmt.Sprintf("process %s did not exit after SIGKILL", rec.id)
			return result, fmt.Errorf("%w: pid %d did not exit after SIGKILL", ErrProcessControl, rec.process.Pid)
		}

		logger.Warn().Dur("grace", grace).Msg("Background process did not exit after SIGTERM, sending SIGKILL")
		if err := rec.process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			result.Message = fmt.Sprintf("failed to send SIGKILL: %v", err)
			return result, fmt.Errorf("%w: kill pid %d: %v", ErrProcessControl, rec.process.Pid, err)
		}
		result.Killed = true

		if !waitDone(rec.done, killWait) {
			result.Message = fmt.Sprintf("process %s did not exit after SIGKILL", rec.id)
			return result, fmt.Errorf("%w: pid %d did not exit after SIGKILL", ErrProcessControl, rec.process.Pid)
		}
	}

	s.mu.Lock()
	rec.status = ProcessStopped
	s.mu.Unlock()

	code := rec.exitCode
	result.State = StopStateStopped
	result.ExitCode = &code
	if result.Killed {
		result.Message = fmt.Sprintf("process %s killed", rec.id)
		observability.RecordProcessStop("forced")
	} else {
		result.Message = fmt.Sprintf("process %s terminated gracefully", rec.id)
		observability.RecordProcessStop("graceful")
	}

	observability.RecordProcessAudit("stop", rec.id, true, map[string]interface{}{
		"pid":     rec.process.Pid,
		"command": rec.command,
		"killed":  result.Killed,
	})
	logger.Info().Bool("killed", result.Killed).Msg("Background process stopped")
	return result, nil
}

// Cleanup stops every live process with the shorter cleanup grace window and
// forgets all records. A failure on one process never prevents the others.
func (s *Supervisor) Cleanup() (CleanupReport, error) {
	s.mu.Lock()
	records := make([]*processRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	grace := s.cleanupGrace
	s.records = make(map[string]*processRecord)
	s.mu.Unlock()

	report := CleanupReport{
		Total:   len(records),
		Stopped: make([]string, 0, len(records)),
	}
	var errs []error

	for _, rec := range records {
		if rec.exited() {
			continue
		}
		if _, err := s.terminate(rec, false, grace); err != nil {
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[rec.id] = err.Error()
			errs = append(errs, fmt.Errorf("process %s: %w", rec.id, err))
			continue
		}
		report.Stopped = append(report.Stopped, rec.id)
	}

	observability.SetBackgroundProcesses(0)
	s.logger.Info().
		Int("total", report.Total).
		Int("stopped", len(report.Stopped)).
		Int("failed", len(report.Failed)).
		Msg("Background processes cleaned up")

	return report, errors.Join(errs...)
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
