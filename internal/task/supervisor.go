// Package task runs dispatched agent subprocesses and tracks their lifecycle.
//
// Each dispatch spawns one subprocess in its own process group (Setpgid) so
// that cancellation and timeout kills reach the whole tree. Output is
// memory-bounded: only the most recent chunk of merged stdout+stderr is kept.
// The supervisor writes exactly one agent entry to the thread transcript and
// performs exactly one terminal status transition per task, in that order,
// so a terminal status always implies the transcript is complete.
package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/events"
	"github.com/edisys/edigw/internal/events/bus"
	"github.com/edisys/edigw/internal/metrics"
	"github.com/edisys/edigw/internal/thread"
	"github.com/edisys/edigw/internal/upstream"
)

// maxCapturedOutput bounds the merged stdout+stderr kept per task. Only the
// most recent bytes survive; agents can emit unbounded output.
const maxCapturedOutput = 1 << 20 // 1 MiB

// callbackOutputLimit bounds the output excerpt included in the upstream
// callback message.
const callbackOutputLimit = 1000

// callbackTimeout bounds the terminal callback delivery.
const callbackTimeout = 30 * time.Second

// CallbackGateway posts the terminal callback message to an upstream session.
type CallbackGateway interface {
	SessionSend(ctx context.Context, sessionKey, message string, timeoutSeconds int) *upstream.Envelope
}

// Spec describes one subprocess to supervise. Argv and Env are fully
// resolved by the caller; the supervisor does not interpret agent kinds.
type Spec struct {
	TaskID   string
	ThreadID string
	// Turn is the transcript turn of the operator entry this task answers.
	// The agent entry is written at Turn+1.
	Turn            int
	Agent           string
	Argv            []string
	Env             []string
	Workdir         string
	Timeout         time.Duration
	CallbackSession string
}

// Supervisor spawns and tracks dispatch subprocesses.
type Supervisor struct {
	store    *thread.Store
	registry *Registry
	gateway  CallbackGateway
	bus      bus.EventBus
	metrics  *metrics.Metrics
	log      *logger.Logger
}

// NewSupervisor creates a Supervisor. gateway may be nil when no upstream is
// configured; callbacks are then skipped.
func NewSupervisor(store *thread.Store, registry *Registry, gateway CallbackGateway, eventBus bus.EventBus, m *metrics.Metrics, log *logger.Logger) *Supervisor {
	return &Supervisor{
		store:    store,
		registry: registry,
		gateway:  gateway,
		bus:      eventBus,
		metrics:  m,
		log:      log,
	}
}

// Launch starts supervising spec in a background goroutine. The registry
// record for spec.TaskID must already exist with status running.
func (s *Supervisor) Launch(spec Spec) {
	go s.run(spec)
}

func (s *Supervisor) run(spec Spec) {
	log := s.log.WithTaskID(spec.TaskID).WithThreadID(spec.ThreadID).WithAgent(spec.Agent)

	if spec.Timeout <= 0 {
		spec.Timeout = time.Hour
	}

	buf := newTailBuffer(maxCapturedOutput)

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Workdir
	cmd.Env = spec.Env
	// Merged output: with an identical writer on both streams the exec
	// package serializes writes for us.
	cmd.Stdout = buf
	cmd.Stderr = buf
	// Own process group so cancel and timeout signals reach children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		log.Error("failed to start agent subprocess", zap.Error(err))
		s.finalize(spec, buf, nil, err.Error(), false)
		return
	}
	s.registry.SetProcess(spec.TaskID, cmd.Process)
	log.Info("agent subprocess started",
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("timeout", spec.Timeout))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		timedOut = true
		log.Warn("task timed out, killing process group")
		_ = SignalGroup(cmd.Process, syscall.SIGKILL)
		waitErr = <-waitCh
	}

	exitCode := 0
	if waitErr != nil {
		exitCode = 1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
				exitCode = ws.ExitStatus()
			}
		}
	}

	errMsg := ""
	switch {
	case timedOut:
		errMsg = "timeout"
	case waitErr != nil && !isExitError(waitErr):
		errMsg = waitErr.Error()
	case exitCode != 0:
		errMsg = fmt.Sprintf("exit code %d", exitCode)
	}

	s.finalize(spec, buf, &exitCode, errMsg, timedOut)
}

// finalize records the agent transcript entry, transitions the task to its
// terminal status, and delivers the callback. exitCode is nil when the
// subprocess never started.
func (s *Supervisor) finalize(spec Spec, buf *tailBuffer, exitCode *int, errMsg string, timedOut bool) {
	log := s.log.WithTaskID(spec.TaskID).WithThreadID(spec.ThreadID).WithAgent(spec.Agent)

	rec, ok := s.registry.Get(spec.TaskID)
	if !ok {
		log.Error("task record vanished before finalize")
		return
	}

	status := StatusCompleted
	switch {
	case rec.CancelRequested():
		// Cancellation wins over whatever exit the kill produced.
		status = StatusCanceled
		errMsg = ""
	case errMsg != "":
		status = StatusFailed
	}

	content := strings.TrimRight(strings.ToValidUTF8(buf.String(), "�"), " \t\r\n")
	if content == "" && errMsg != "" {
		content = errMsg
	}

	// Transcript before status: a terminal task must already be readable in
	// the thread. Dispatchers that observe the terminal status via the early
	// completion window rely on this ordering.
	agentTurn := spec.Turn + 1
	entry := thread.Entry{
		Turn:     agentTurn,
		Role:     spec.Agent,
		Content:  content,
		TS:       time.Now().Unix(),
		ExitCode: exitCode,
	}
	if err := s.store.Append(spec.ThreadID, entry); err != nil {
		log.Error("failed to append agent entry", zap.Error(err))
	} else {
		s.publish(events.ThreadAppended, events.ThreadData(spec.ThreadID, agentTurn, spec.Agent))
	}

	ended := time.Now()
	s.registry.Finish(spec.TaskID, func(r *Record) {
		r.Status = status
		r.EndedAt = ended
		r.ExitCode = exitCode
		r.Error = errMsg
	})

	data := events.TaskData(spec.TaskID, spec.ThreadID, spec.Agent, string(status))
	if exitCode != nil {
		data["exitCode"] = *exitCode
	}
	s.publish(events.TaskFinished, data)
	s.metrics.RecordDispatch(spec.Agent, string(status), ended.Sub(rec.StartedAt))

	log.Info("task finished",
		zap.String("status", string(status)),
		zap.Bool("timed_out", timedOut),
		zap.String("error", errMsg))

	s.callback(spec, status, exitCode, errMsg, content)
}

// callback posts the terminal notification to the upstream session, if one
// was requested. Delivery failures are logged and swallowed: the task status
// never depends on the callback.
func (s *Supervisor) callback(spec Spec, status Status, exitCode *int, errMsg, content string) {
	if spec.CallbackSession == "" || s.gateway == nil {
		return
	}

	msg := fmt.Sprintf("[EDI Dispatch] Task %s (%s) on thread %s finished: %s",
		spec.TaskID, spec.Agent, spec.ThreadID, status)
	if exitCode != nil {
		msg += fmt.Sprintf(" (exit %d)", *exitCode)
	}
	if errMsg != "" {
		msg += fmt.Sprintf("\nError: %s", errMsg)
	}
	if content != "" {
		excerpt := content
		if len(excerpt) > callbackOutputLimit {
			excerpt = excerpt[:callbackOutputLimit] + "..."
		}
		msg += "\n\nOutput:\n" + excerpt
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()
	env := s.gateway.SessionSend(ctx, spec.CallbackSession, msg, int(callbackTimeout.Seconds()))
	if !env.OK {
		s.log.WithTaskID(spec.TaskID).Warn("callback delivery failed",
			zap.String("session_key", spec.CallbackSession),
			zap.String("error", env.Error))
	}
}

func (s *Supervisor) publish(subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, events.Source, data)
	if err := s.bus.Publish(context.Background(), subject, event); err != nil {
		s.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// SignalGroup delivers sig to the process group of proc, falling back to the
// process itself when the group cannot be resolved.
func SignalGroup(proc *os.Process, sig syscall.Signal) error {
	if proc == nil {
		return errors.New("no process")
	}
	if pgid, err := syscall.Getpgid(proc.Pid); err == nil {
		return syscall.Kill(-pgid, sig)
	}
	return proc.Signal(sig)
}

// tailBuffer is an io.Writer that retains only the most recent max bytes.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	max  int
	trim bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
		b.trim = true
	}
	return len(p), nil
}

// String returns the retained output. Truncated buffers are prefixed with a
// marker so readers know the head is missing.
func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trim {
		return "[output truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}
