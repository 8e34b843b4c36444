package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/edisys/edigw/internal/common/errors"
	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/metrics"
)

// commitMessageLimit caps the commit message excerpt forwarded to the agent.
const commitMessageLimit = 200

// WebhookService turns GitHub push deliveries into agent hook triggers.
type WebhookService struct {
	gateway UpstreamGateway
	// timeoutSeconds is passed to the hook trigger; the flow itself never
	// waits for the agent's reply.
	timeoutSeconds int
	metrics        *metrics.Metrics
	log            *logger.Logger
}

// NewWebhookService builds the webhook flow service.
func NewWebhookService(gateway UpstreamGateway, timeoutSeconds int, m *metrics.Metrics, log *logger.Logger) *WebhookService {
	return &WebhookService{gateway: gateway, timeoutSeconds: timeoutSeconds, metrics: m, log: log}
}

// WebhookResult reports a triggered agent run.
type WebhookResult struct {
	RunID      string
	SessionKey string
}

// pushEvent is the subset of the GitHub push payload the flow reads. Every
// field is optional; extraction falls back rather than rejecting.
type pushEvent struct {
	Repository struct {
		Name     string `json:"name"`
		FullName string `json:"full_name"`
	} `json:"repository"`
	Ref        string `json:"ref"`
	SHA        string `json:"sha"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

// HandlePush extracts repo/branch/sha from a verified push payload and
// triggers the agent hook. It does not wait for the agent's reply.
func (s *WebhookService) HandlePush(ctx context.Context, payload []byte) (*WebhookResult, *apperrors.AppError) {
	var push pushEvent
	// The signature already covered these bytes; shape drift degrades to
	// the fallback values rather than a rejection.
	_ = json.Unmarshal(payload, &push)

	repo := push.Repository.Name
	if repo == "" {
		repo = push.Repository.FullName
		if i := strings.LastIndex(repo, "/"); i >= 0 {
			repo = repo[i+1:]
		}
	}
	if repo == "" {
		repo = "unknown"
	}

	branch := "unknown"
	if push.Ref != "" {
		parts := strings.Split(push.Ref, "/")
		branch = parts[len(parts)-1]
	}

	sha := push.SHA
	if sha == "" {
		sha = push.HeadCommit.ID
	}
	shortSHA := sha
	if len(shortSHA) > 7 {
		shortSHA = shortSHA[:7]
	}
	if shortSHA == "" {
		shortSHA = "unknown"
	}

	commit := strings.TrimSpace(push.HeadCommit.Message)
	if len(commit) > commitMessageLimit {
		commit = commit[:commitMessageLimit]
	}

	sessionKey := fmt.Sprintf("github:%s:%s", repo, shortSHA)
	message := fmt.Sprintf("[GitHub Push] %s@%s (%s)\n\nCommit: %s\n\nReview the changes if relevant to current work.",
		repo, branch, shortSHA, commit)

	log := s.log.WithContext(ctx).WithFields(
		zap.String("repo", repo),
		zap.String("branch", branch),
		zap.String("sha", shortSHA))

	env := s.gateway.TriggerAgentHook(ctx, sessionKey, message, s.timeoutSeconds)
	if !env.OK {
		s.metrics.RecordWebhook("upstream_error")
		log.Warn("webhook agent trigger failed", zap.String("error", env.Error))
		return nil, apperrors.Upstream("Failed to trigger agent: "+env.Error, nil)
	}

	s.metrics.RecordWebhook("triggered")
	log.Info("webhook agent triggered", zap.String("run_id", env.RunID))
	return &WebhookResult{RunID: env.RunID, SessionKey: sessionKey}, nil
}
