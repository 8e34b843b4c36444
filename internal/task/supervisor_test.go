package task

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/events"
	"github.com/edisys/edigw/internal/events/bus"
	"github.com/edisys/edigw/internal/metrics"
	"github.com/edisys/edigw/internal/thread"
	"github.com/edisys/edigw/internal/upstream"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

type callbackCall struct {
	sessionKey string
	message    string
}

type fakeGateway struct {
	mu    sync.Mutex
	calls []callbackCall
	fail  bool
}

func (g *fakeGateway) SessionSend(ctx context.Context, sessionKey, message string, timeoutSeconds int) *upstream.Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, callbackCall{sessionKey: sessionKey, message: message})
	if g.fail {
		return &upstream.Envelope{OK: false, Error: "session not found"}
	}
	return &upstream.Envelope{OK: true}
}

func (g *fakeGateway) recorded() []callbackCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]callbackCall(nil), g.calls...)
}

func newSupervisorFixture(t *testing.T, gw CallbackGateway) (*Supervisor, *thread.Store, *Registry, bus.EventBus) {
	t.Helper()
	log := testLogger(t)
	store := thread.NewStore(t.TempDir())
	reg := NewRegistry()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)
	m := metrics.New(prometheus.NewRegistry())
	return NewSupervisor(store, reg, gw, eventBus, m, log), store, reg, eventBus
}

// launch registers a running record the way the dispatcher does and starts
// supervision.
func launch(sup *Supervisor, reg *Registry, spec Spec) {
	reg.Create(Record{
		TaskID:    spec.TaskID,
		ThreadID:  spec.ThreadID,
		Agent:     spec.Agent,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	})
	sup.Launch(spec)
}

func waitTerminal(t *testing.T, reg *Registry, taskID string) Record {
	t.Helper()
	select {
	case <-reg.Done(taskID):
	case <-time.After(10 * time.Second):
		t.Fatal("task did not reach a terminal status in time")
	}
	rec, ok := reg.Get(taskID)
	require.True(t, ok)
	return rec
}

func TestSupervisorCompletedTask(t *testing.T) {
	sup, store, reg, _ := newSupervisorFixture(t, nil)

	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     1,
		Agent:    "codex",
		Argv:     []string{"sh", "-c", "printf done"},
		Timeout:  5 * time.Second,
	})

	rec := waitTerminal(t, reg, "t1")
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Empty(t, rec.Error)
	assert.False(t, rec.EndedAt.IsZero())

	entries := store.Load("th1")
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Turn)
	assert.Equal(t, "codex", entries[0].Role)
	assert.Equal(t, "done", entries[0].Content)
	require.NotNil(t, entries[0].ExitCode)
	assert.Equal(t, 0, *entries[0].ExitCode)
}

func TestSupervisorFailedTask(t *testing.T) {
	sup, store, reg, _ := newSupervisorFixture(t, nil)

	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     3,
		Agent:    "claude",
		Argv:     []string{"sh", "-c", "echo boom >&2; exit 2"},
		Timeout:  5 * time.Second,
	})

	rec := waitTerminal(t, reg, "t1")
	assert.Equal(t, StatusFailed, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 2, *rec.ExitCode)
	assert.Equal(t, "exit code 2", rec.Error)

	entries := store.Load("th1")
	require.Len(t, entries, 1)
	assert.Equal(t, 4, entries[0].Turn)
	// stderr is captured alongside stdout, trailing newline trimmed.
	assert.Equal(t, "boom", entries[0].Content)
}

func TestSupervisorTimeout(t *testing.T) {
	sup, store, reg, _ := newSupervisorFixture(t, nil)

	start := time.Now()
	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     1,
		Agent:    "codex",
		Argv:     []string{"sh", "-c", "sleep 30"},
		Timeout:  200 * time.Millisecond,
	})

	rec := waitTerminal(t, reg, "t1")
	assert.Less(t, time.Since(start), 5*time.Second, "kill should not wait out the sleep")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, "timeout", rec.Error)

	// No output was produced, so the entry carries the error instead.
	entries := store.Load("th1")
	require.Len(t, entries, 1)
	assert.Equal(t, "timeout", entries[0].Content)
}

func TestSupervisorCancel(t *testing.T) {
	sup, store, reg, _ := newSupervisorFixture(t, nil)

	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     1,
		Agent:    "gemini",
		Argv:     []string{"sh", "-c", "sleep 30"},
		Timeout:  time.Minute,
	})

	require.Eventually(t, func() bool {
		return reg.Process("t1") != nil
	}, 5*time.Second, 10*time.Millisecond, "subprocess never registered")

	proc, changed := reg.RequestCancel("t1")
	require.True(t, changed)
	require.NoError(t, SignalGroup(proc, syscall.SIGTERM))

	rec := waitTerminal(t, reg, "t1")
	assert.Equal(t, StatusCanceled, rec.Status)
	// The kill-induced exit is not an error once cancel was requested.
	assert.Empty(t, rec.Error)

	entries := store.Load("th1")
	require.Len(t, entries, 1)
	assert.Equal(t, "gemini", entries[0].Role)
}

func TestSupervisorStartFailure(t *testing.T) {
	sup, store, reg, _ := newSupervisorFixture(t, nil)

	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     1,
		Agent:    "codex",
		Argv:     []string{"/nonexistent/agent-binary"},
		Timeout:  time.Second,
	})

	rec := waitTerminal(t, reg, "t1")
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Nil(t, rec.ExitCode)
	assert.NotEmpty(t, rec.Error)

	entries := store.Load("th1")
	require.Len(t, entries, 1)
	assert.Equal(t, rec.Error, entries[0].Content)
	assert.Nil(t, entries[0].ExitCode)
}

func TestSupervisorCallback(t *testing.T) {
	gw := &fakeGateway{}
	sup, _, reg, _ := newSupervisorFixture(t, gw)

	launch(sup, reg, Spec{
		TaskID:          "t1",
		ThreadID:        "th1",
		Turn:            1,
		Agent:           "codex",
		Argv:            []string{"sh", "-c", "printf done"},
		Timeout:         5 * time.Second,
		CallbackSession: "edi:caller",
	})
	waitTerminal(t, reg, "t1")

	require.Eventually(t, func() bool {
		return len(gw.recorded()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	call := gw.recorded()[0]
	assert.Equal(t, "edi:caller", call.sessionKey)
	assert.Contains(t, call.message, "[EDI Dispatch] Task t1 (codex) on thread th1 finished: completed")
	assert.Contains(t, call.message, "(exit 0)")
	assert.Contains(t, call.message, "Output:\ndone")
}

func TestSupervisorCallbackSkippedWithoutSession(t *testing.T) {
	gw := &fakeGateway{}
	sup, _, reg, _ := newSupervisorFixture(t, gw)

	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     1,
		Agent:    "codex",
		Argv:     []string{"sh", "-c", "true"},
		Timeout:  5 * time.Second,
	})
	waitTerminal(t, reg, "t1")

	assert.Empty(t, gw.recorded())
}

func TestSupervisorCallbackFailureIgnored(t *testing.T) {
	gw := &fakeGateway{fail: true}
	sup, _, reg, _ := newSupervisorFixture(t, gw)

	launch(sup, reg, Spec{
		TaskID:          "t1",
		ThreadID:        "th1",
		Turn:            1,
		Agent:           "codex",
		Argv:            []string{"sh", "-c", "true"},
		Timeout:         5 * time.Second,
		CallbackSession: "edi:caller",
	})

	rec := waitTerminal(t, reg, "t1")
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestSupervisorPublishesLifecycleEvents(t *testing.T) {
	sup, _, reg, eventBus := newSupervisorFixture(t, nil)

	received := make(chan *bus.Event, 4)
	_, err := eventBus.Subscribe(events.TaskFinished, func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	launch(sup, reg, Spec{
		TaskID:   "t1",
		ThreadID: "th1",
		Turn:     1,
		Agent:    "codex",
		Argv:     []string{"sh", "-c", "true"},
		Timeout:  5 * time.Second,
	})
	waitTerminal(t, reg, "t1")

	select {
	case e := <-received:
		assert.Equal(t, events.TaskFinished, e.Type)
		assert.Equal(t, events.Source, e.Source)
		assert.Equal(t, "t1", e.Data["taskId"])
		assert.Equal(t, "completed", e.Data["status"])
		assert.Equal(t, 0, e.Data["exitCode"])
	case <-time.After(5 * time.Second):
		t.Fatal("no task.finished event")
	}
}

func TestTailBuffer(t *testing.T) {
	t.Run("under limit passes through", func(t *testing.T) {
		buf := newTailBuffer(16)
		buf.Write([]byte("hello"))
		assert.Equal(t, "hello", buf.String())
	})

	t.Run("keeps only the tail", func(t *testing.T) {
		buf := newTailBuffer(8)
		buf.Write([]byte("0123456789"))
		got := buf.String()
		assert.True(t, strings.HasPrefix(got, "[output truncated]\n"), "got %q", got)
		assert.True(t, strings.HasSuffix(got, "23456789"), "got %q", got)
	})

	t.Run("accumulates across writes", func(t *testing.T) {
		buf := newTailBuffer(64)
		buf.Write([]byte("line one\n"))
		buf.Write([]byte("line two\n"))
		assert.Equal(t, "line one\nline two\n", buf.String())
	})
}
