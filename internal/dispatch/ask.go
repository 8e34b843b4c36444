package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/edisys/edigw/internal/common/config"
	apperrors "github.com/edisys/edigw/internal/common/errors"
	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/metrics"
	"github.com/edisys/edigw/internal/thread"
	"github.com/edisys/edigw/internal/upstream"
)

// AskService relays conversational requests to the upstream agent gateway.
// Ask threads live upstream as sessions; nothing is written locally.
type AskService struct {
	gateway UpstreamGateway
	cfg     config.AskConfig
	metrics *metrics.Metrics
	log     *logger.Logger
}

// NewAskService builds the /ask flow service.
func NewAskService(gateway UpstreamGateway, cfg config.AskConfig, m *metrics.Metrics, log *logger.Logger) *AskService {
	return &AskService{gateway: gateway, cfg: cfg, metrics: m, log: log}
}

// Ask relays message to the agent. An empty threadID opens a new thread via
// the agent hook and polls the session history for the reply; a non-empty
// threadID continues the session synchronously. timeoutSeconds bounds the
// whole exchange; zero or negative selects the configured default.
//
// The returned thread id is set on every path, including errors on a freshly
// opened thread, so the response envelope can always name the thread.
func (s *AskService) Ask(ctx context.Context, message, threadID string, timeoutSeconds int) (reply, resolvedID string, appErr *apperrors.AppError) {
	if timeoutSeconds <= 0 {
		timeoutSeconds = s.cfg.DefaultTimeoutSeconds
	}

	if threadID == "" {
		return s.askNewThread(ctx, message, timeoutSeconds)
	}
	return s.askContinuation(ctx, message, threadID, timeoutSeconds)
}

func (s *AskService) askNewThread(ctx context.Context, message string, timeoutSeconds int) (string, string, *apperrors.AppError) {
	threadID := uuid.NewString()[:8]
	sessionKey := ediSessionKey(threadID)
	log := s.log.WithContext(ctx).WithThreadID(threadID)

	env := s.gateway.TriggerAgentHook(ctx, sessionKey, newThreadPrompt(threadID, message), timeoutSeconds)
	if !env.OK {
		s.metrics.RecordAsk("new", "upstream_error")
		log.Warn("agent hook failed")
		return "", threadID, apperrors.Upstream("Failed to trigger agent: "+env.Error, nil)
	}
	log.Info("agent hook triggered, polling for reply",
		zap.String("run_id", env.RunID),
		zap.Int("timeout_seconds", timeoutSeconds))

	reply, ok := s.pollForReply(ctx, sessionKey, time.Duration(timeoutSeconds)*time.Second)
	if !ok {
		s.metrics.RecordAsk("new", "timeout")
		return "", threadID, apperrors.GatewayTimeout("Timeout waiting for response")
	}

	s.metrics.RecordAsk("new", "ok")
	return reply, threadID, nil
}

func (s *AskService) askContinuation(ctx context.Context, message, threadID string, timeoutSeconds int) (string, string, *apperrors.AppError) {
	if appErr := thread.ValidateID(threadID); appErr != nil {
		return "", threadID, appErr
	}

	env := s.gateway.SessionSend(ctx, ediSessionKey(threadID), message, timeoutSeconds)
	if !env.OK {
		s.metrics.RecordAsk("continuation", "upstream_error")
		return "", threadID, apperrors.Upstream("Failed to continue thread: "+env.Error, nil)
	}

	reply, ok := upstream.SendReply(env)
	if !ok {
		s.metrics.RecordAsk("continuation", "timeout")
		return "", threadID, apperrors.GatewayTimeout("Timeout waiting for response")
	}

	s.metrics.RecordAsk("continuation", "ok")
	return reply, threadID, nil
}

// pollForReply watches the session history until an assistant reply shows up
// or the deadline passes. The initial delay gives the agent time to wake
// before the first history read.
func (s *AskService) pollForReply(ctx context.Context, sessionKey string, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)

	select {
	case <-ctx.Done():
		return "", false
	case <-time.After(s.cfg.InitialDelay()):
	}

	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		env := s.gateway.SessionHistory(ctx, sessionKey)
		if env.OK {
			if reply, ok := upstream.LastAssistantReply(env); ok {
				return reply, true
			}
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-ticker.C:
		}
	}
	return "", false
}

// newThreadPrompt wraps the first message of a thread so the agent knows the
// channel it is answering on.
func newThreadPrompt(threadID, message string) string {
	return fmt.Sprintf(`[EDI CLI Request - Thread: %s]

You are EDI, responding to an automated coding CLI on the operator's behalf.
This is a NEW thread. Keep responses focused and technical.

Request: %s`, threadID, message)
}
