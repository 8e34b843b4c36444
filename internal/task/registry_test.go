package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusCanceling.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestRegistryCreateGet(t *testing.T) {
	reg := NewRegistry()
	reg.Create(Record{
		TaskID:    "t1",
		ThreadID:  "th1",
		Agent:     "codex",
		Status:    StatusRunning,
		StartedAt: time.Now(),
	})

	rec, ok := reg.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "t1", rec.TaskID)
	assert.Equal(t, "th1", rec.ThreadID)
	assert.Equal(t, StatusRunning, rec.Status)

	// Get returns a copy; mutating it must not leak back.
	rec.Status = StatusFailed
	again, _ := reg.Get("t1")
	assert.Equal(t, StatusRunning, again.Status)

	_, ok = reg.Get("missing")
	assert.False(t, ok)
}

func TestRegistryUpdate(t *testing.T) {
	reg := NewRegistry()
	reg.Create(Record{TaskID: "t1", Status: StatusRunning})

	ok := reg.Update("t1", func(rec *Record) { rec.Error = "flaky" })
	require.True(t, ok)
	rec, _ := reg.Get("t1")
	assert.Equal(t, "flaky", rec.Error)

	assert.False(t, reg.Update("missing", func(rec *Record) {}))
}

func TestRegistryFinishClosesDone(t *testing.T) {
	reg := NewRegistry()
	reg.Create(Record{TaskID: "t1", Status: StatusRunning})

	done := reg.Done("t1")
	require.NotNil(t, done)
	select {
	case <-done:
		t.Fatal("done closed before Finish")
	default:
	}

	code := 0
	ok := reg.Finish("t1", func(rec *Record) {
		rec.Status = StatusCompleted
		rec.EndedAt = time.Now()
		rec.ExitCode = &code
	})
	require.True(t, ok)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("done not closed after Finish")
	}

	// Finishing again must not re-close the channel.
	assert.NotPanics(t, func() {
		reg.Finish("t1", func(rec *Record) { rec.Status = StatusCompleted })
	})

	rec, _ := reg.Get("t1")
	assert.Equal(t, StatusCompleted, rec.Status)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
}

func TestRegistryDoneUnknownTask(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.Done("missing"))
}

func TestRegistryRequestCancel(t *testing.T) {
	reg := NewRegistry()
	reg.Create(Record{TaskID: "t1", Status: StatusRunning})

	_, changed := reg.RequestCancel("t1")
	require.True(t, changed)
	rec, _ := reg.Get("t1")
	assert.Equal(t, StatusCanceling, rec.Status)
	assert.True(t, rec.CancelRequested())

	// Second cancel is a no-op.
	_, changed = reg.RequestCancel("t1")
	assert.False(t, changed)

	_, changed = reg.RequestCancel("missing")
	assert.False(t, changed)
}

func TestRegistryRequestCancelTerminalTask(t *testing.T) {
	reg := NewRegistry()
	reg.Create(Record{TaskID: "t1", Status: StatusRunning})
	reg.Finish("t1", func(rec *Record) { rec.Status = StatusCompleted })

	_, changed := reg.RequestCancel("t1")
	assert.False(t, changed)
	rec, _ := reg.Get("t1")
	assert.Equal(t, StatusCompleted, rec.Status)
}

func TestRegistryListActive(t *testing.T) {
	reg := NewRegistry()
	base := time.Now()
	reg.Create(Record{TaskID: "b", Status: StatusRunning, StartedAt: base.Add(2 * time.Second)})
	reg.Create(Record{TaskID: "a", Status: StatusRunning, StartedAt: base})
	reg.Create(Record{TaskID: "c", Status: StatusCanceling, StartedAt: base.Add(time.Second)})
	reg.Create(Record{TaskID: "d", Status: StatusRunning, StartedAt: base.Add(3 * time.Second)})
	reg.Finish("d", func(rec *Record) { rec.Status = StatusFailed })

	active := reg.ListActive()
	require.Len(t, active, 3)
	assert.Equal(t, "a", active[0].TaskID)
	assert.Equal(t, "c", active[1].TaskID)
	assert.Equal(t, "b", active[2].TaskID)

	// The finished task is still addressable, just not listed.
	rec, ok := reg.Get("d")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, rec.Status)
}
