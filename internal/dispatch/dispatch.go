// Package dispatch implements the gateway's write flows: relayed asks,
// supervised agent task dispatches, and GitHub webhook triggers.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edisys/edigw/internal/agent"
	"github.com/edisys/edigw/internal/common/config"
	apperrors "github.com/edisys/edigw/internal/common/errors"
	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/events"
	"github.com/edisys/edigw/internal/events/bus"
	"github.com/edisys/edigw/internal/metrics"
	"github.com/edisys/edigw/internal/task"
	"github.com/edisys/edigw/internal/thread"
)

// DispatchService accepts agent tasks: it validates the request against the
// thread's binding, records the operator turn, and hands the subprocess to
// the supervisor.
type DispatchService struct {
	cfg        config.DispatchConfig
	store      *thread.Store
	registry   *task.Registry
	supervisor *task.Supervisor
	bus        bus.EventBus
	metrics    *metrics.Metrics
	log        *logger.Logger
}

// NewDispatchService builds the dispatch flow service.
func NewDispatchService(cfg config.DispatchConfig, store *thread.Store, registry *task.Registry, supervisor *task.Supervisor, eventBus bus.EventBus, m *metrics.Metrics, log *logger.Logger) *DispatchService {
	return &DispatchService{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		supervisor: supervisor,
		bus:        eventBus,
		metrics:    m,
		log:        log,
	}
}

// DispatchRequest is a validated-shape dispatch. Zero values select the
// configured defaults.
type DispatchRequest struct {
	Agent           string
	Message         string
	ThreadID        string
	TimeoutSeconds  int
	Workdir         string
	CallbackSession string
}

// DispatchResult is the accepted task's state at response time: running when
// the early completion window elapsed first, terminal when the task beat it.
type DispatchResult struct {
	TaskID   string
	ThreadID string
	Status   task.Status
	ExitCode *int
	Error    string
}

// Dispatch validates req, appends the operator turn to the thread, spawns
// the agent subprocess, and waits up to the early completion window for a
// quick exit before answering.
func (s *DispatchService) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, *apperrors.AppError) {
	if !agent.ValidKind(req.Agent) {
		return nil, apperrors.Validation(fmt.Sprintf("Invalid agent: must be one of %s", strings.Join(agent.Kinds(), ", ")))
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, apperrors.Validation("message required")
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.NewString()
	} else if appErr := thread.ValidateID(threadID); appErr != nil {
		return nil, appErr
	}

	timeoutSeconds := req.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = s.cfg.DefaultTimeoutSeconds
	}

	workdir := req.Workdir
	if workdir == "" {
		workdir = s.cfg.Workdir
	}
	workdir = config.ExpandTilde(workdir)
	if info, err := os.Stat(workdir); err != nil || !info.IsDir() {
		return nil, apperrors.Validation("Workdir does not exist: " + workdir)
	}

	entries := s.store.Load(threadID)
	bound, mixed := thread.Binding(entries)
	if mixed {
		return nil, apperrors.Validation("Thread has mixed agent history")
	}
	if bound != "" && bound != req.Agent {
		return nil, apperrors.Validation("Thread already bound to " + bound)
	}

	turn := thread.NextTurn(entries)
	prompt := thread.BuildPrompt(thread.FilterRecent(entries, s.cfg.MaxTurns), req.Message)

	entry := thread.Entry{Turn: turn, Role: thread.RoleEDI, Content: req.Message, TS: time.Now().Unix()}
	if err := s.store.Append(threadID, entry); err != nil {
		return nil, apperrors.Internal("Failed to record thread entry", err)
	}
	s.publish(ctx, events.ThreadAppended, events.ThreadData(threadID, turn, thread.RoleEDI))

	argv, err := agent.Command(req.Agent, prompt)
	if err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	taskID := uuid.NewString()
	s.registry.Create(task.Record{
		TaskID:         taskID,
		ThreadID:       threadID,
		Agent:          req.Agent,
		Status:         task.StatusRunning,
		StartedAt:      time.Now(),
		Workdir:        workdir,
		TimeoutSeconds: timeoutSeconds,
	})
	s.metrics.RecordTaskStarted()
	s.publish(ctx, events.TaskStarted, events.TaskData(taskID, threadID, req.Agent, string(task.StatusRunning)))

	s.log.WithContext(ctx).WithTaskID(taskID).WithThreadID(threadID).WithAgent(req.Agent).Info("task dispatched",
		zap.Int("turn", turn),
		zap.String("workdir", workdir),
		zap.Int("timeout_seconds", timeoutSeconds))

	s.supervisor.Launch(task.Spec{
		TaskID:          taskID,
		ThreadID:        threadID,
		Turn:            turn,
		Agent:           req.Agent,
		Argv:            argv,
		Env:             agent.Env(),
		Workdir:         workdir,
		Timeout:         time.Duration(timeoutSeconds) * time.Second,
		CallbackSession: req.CallbackSession,
	})

	// Early completion window: quick failures surface synchronously instead
	// of forcing the caller to poll for a task that died in milliseconds.
	timer := time.NewTimer(s.cfg.EarlyCheck())
	defer timer.Stop()
	select {
	case <-s.registry.Done(taskID):
	case <-timer.C:
	case <-ctx.Done():
	}

	result := &DispatchResult{TaskID: taskID, ThreadID: threadID, Status: task.StatusRunning}
	if rec, ok := s.registry.Get(taskID); ok && rec.Status.Terminal() {
		result.Status = rec.Status
		result.ExitCode = rec.ExitCode
		result.Error = rec.Error
	}
	return result, nil
}

// Cancel requests termination of a running task. Canceling and terminal
// tasks are returned as-is; the call is idempotent.
func (s *DispatchService) Cancel(ctx context.Context, taskID string) (*DispatchResult, *apperrors.AppError) {
	rec, ok := s.registry.Get(taskID)
	if !ok {
		return nil, apperrors.NotFound("Unknown taskId")
	}

	if proc, changed := s.registry.RequestCancel(taskID); changed {
		if proc != nil {
			if err := task.SignalGroup(proc, syscall.SIGTERM); err != nil {
				s.log.WithTaskID(taskID).Warn("failed to signal process group", zap.Error(err))
			}
		}
		s.publish(ctx, events.TaskCanceling, events.TaskData(taskID, rec.ThreadID, rec.Agent, string(task.StatusCanceling)))
		s.log.WithContext(ctx).WithTaskID(taskID).Info("task cancel requested")
	}

	rec, _ = s.registry.Get(taskID)
	return &DispatchResult{
		TaskID:   rec.TaskID,
		ThreadID: rec.ThreadID,
		Status:   rec.Status,
		ExitCode: rec.ExitCode,
		Error:    rec.Error,
	}, nil
}

func (s *DispatchService) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, events.Source, data)
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.log.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
