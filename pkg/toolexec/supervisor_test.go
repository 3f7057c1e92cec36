package toolexec

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// termIgnoringScript ignores SIGTERM; the disposition survives the exec.
const termIgnoringScript = `trap "" TERM; exec sleep 30`

func spawn(t *testing.T, s *Supervisor, name string, args ...string) string {
	t.Helper()
	requireBinary(t, name)
	cmd := exec.Command(name, args...)
	require.NoError(t, cmd.Start())
	id, err := s.Register(cmd.Process, name, t.TempDir())
	require.NoError(t, err)
	return id
}

func newTestSupervisor(t *testing.T, stopGrace, cleanupGrace time.Duration) *Supervisor {
	t.Helper()
	s := NewSupervisor(stopGrace, cleanupGrace, zerolog.Nop())
	t.Cleanup(func() { _, _ = s.Cleanup() })
	return s
}

func waitCompleted(t *testing.T, s *Supervisor, id string) ProcessInfo {
	t.Helper()
	var info ProcessInfo
	require.Eventually(t, func() bool {
		for _, p := range s.List() {
			if p.ID == id && p.Status == ProcessCompleted {
				info = p
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
	return info
}

func TestSupervisor_RegisterAndList(t *testing.T) {
	s := newTestSupervisor(t, time.Second, time.Second)
	id := spawn(t, s, "sleep", "30")

	assert.Len(t, id, processIDLength)
	assert.Equal(t, 1, s.Count())

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, ProcessRunning, list[0].Status)
	assert.Nil(t, list[0].ExitCode)
	assert.Equal(t, "sleep", list[0].Command)
	assert.NotZero(t, list[0].PID)
}

func TestSupervisor_ListReadsLiveExitStatus(t *testing.T) {
	s := newTestSupervisor(t, time.Second, time.Second)
	id := spawn(t, s, "sh", "-c", "exit 3")

	info := waitCompleted(t, s, id)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
	assert.False(t, info.Stopped)
	// Natural exit never removes the record.
	assert.Equal(t, 1, s.Count())
}

func TestSupervisor_StopGraceful(t *testing.T) {
	s := newTestSupervisor(t, 2*time.Second, time.Second)
	id := spawn(t, s, "sleep", "30")

	res, err := s.Stop(id, false)
	require.NoError(t, err)
	assert.Equal(t, StopStateStopped, res.State)
	assert.False(t, res.Killed)

	// Stop keeps the record, tagged stopped.
	list := s.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].Stopped)
	assert.Equal(t, ProcessCompleted, list[0].Status)
}

func TestSupervisor_StopForce(t *testing.T) {
	s := newTestSupervisor(t, 5*time.Second, time.Second)
	id := spawn(t, s, "sh", "-c", termIgnoringScript)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	res, err := s.Stop(id, true)
	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.Equal(t, StopStateStopped, res.State)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSupervisor_StopEscalatesToKill(t *testing.T) {
	grace := 300 * time.Millisecond
	s := newTestSupervisor(t, grace, time.Second)
	id := spawn(t, s, "sh", "-c", termIgnoringScript)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	res, err := s.Stop(id, false)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, res.Killed)
	assert.Equal(t, StopStateStopped, res.State)
	assert.GreaterOrEqual(t, elapsed, grace)
	assert.Less(t, elapsed, grace+killWait)

	info := waitCompleted(t, s, id)
	assert.True(t, info.Stopped)
}

func TestSupervisor_StopAlreadyExited(t *testing.T) {
	s := newTestSupervisor(t, time.Second, time.Second)
	id := spawn(t, s, "true")
	waitCompleted(t, s, id)

	res, err := s.Stop(id, false)
	require.NoError(t, err)
	assert.Equal(t, StopStateAlreadyTerminated, res.State)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
}

func TestSupervisor_StopUnknown(t *testing.T) {
	s := newTestSupervisor(t, time.Second, time.Second)

	res, err := s.Stop("missing", false)
	assert.ErrorIs(t, err, ErrProcessNotFound)
	assert.Contains(t, res.Message, "not found")
}

func TestSupervisor_Cleanup(t *testing.T) {
	s := newTestSupervisor(t, 5*time.Second, 200*time.Millisecond)
	polite := spawn(t, s, "sleep", "30")
	stubborn := spawn(t, s, "sh", "-c", termIgnoringScript)
	finished := spawn(t, s, "true")
	waitCompleted(t, s, finished)
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	report, err := s.Cleanup()
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.ElementsMatch(t, []string{polite, stubborn}, report.Stopped)
	assert.Empty(t, report.Failed)
	assert.Equal(t, 0, s.Count())
	assert.Empty(t, s.List())
	// The cleanup window applies, not the 5s stop window.
	assert.Less(t, time.Since(start), 200*time.Millisecond+killWait+time.Second)
}

// trackUnsignalable injects a record whose handle has been released, so every
// signal fails while the record still looks alive.
func trackUnsignalable(t *testing.T, s *Supervisor, id string) {
	t.Helper()
	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Release())

	s.mu.Lock()
	s.records[id] = &processRecord{
		id:        id,
		command:   "ghost",
		process:   proc,
		startedAt: time.Now(),
		status:    ProcessRunning,
		done:      make(chan struct{}),
		exitCode:  -1,
	}
	s.mu.Unlock()
}

func TestSupervisor_StopReportsControlFailure(t *testing.T) {
	s := newTestSupervisor(t, time.Second, time.Second)
	trackUnsignalable(t, s, "ghost001")

	res, err := s.Stop("ghost001", false)
	assert.ErrorIs(t, err, ErrProcessControl)
	assert.Contains(t, res.Message, "failed to send")

	list := s.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Stopped)
	assert.Equal(t, ProcessRunning, list[0].Status)
}

func TestSupervisor_CleanupContinuesPastFailures(t *testing.T) {
	s := newTestSupervisor(t, 5*time.Second, 200*time.Millisecond)
	live := spawn(t, s, "sleep", "30")
	trackUnsignalable(t, s, "ghost002")

	report, err := s.Cleanup()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessControl)
	assert.Contains(t, err.Error(), "ghost002")

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, []string{live}, report.Stopped)
	require.Contains(t, report.Failed, "ghost002")
	assert.Contains(t, report.Failed["ghost002"], "already released")
	assert.NotContains(t, report.Failed, live)
	assert.Equal(t, 0, s.Count())
}

func TestSupervisor_RegisterNilProcess(t *testing.T) {
	s := newTestSupervisor(t, time.Second, time.Second)

	id, err := s.Register(nil, "ghost", "")
	assert.ErrorIs(t, err, ErrProcessControl)
	assert.Empty(t, id)
	assert.Equal(t, 0, s.Count())
}

func TestSupervisor_DefaultGraceWindows(t *testing.T) {
	s := NewSupervisor(0, -1, zerolog.Nop())
	assert.Equal(t, DefaultStopGrace, s.stopGrace)
	assert.Equal(t, DefaultCleanupGrace, s.cleanupGrace)
}
