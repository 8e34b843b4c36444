package dispatch

import (
	"context"

	"github.com/edisys/edigw/internal/upstream"
)

// UpstreamGateway is the slice of the agent gateway client the dispatch
// flows use. Tests substitute scripted fakes.
type UpstreamGateway interface {
	TriggerAgentHook(ctx context.Context, sessionKey, message string, timeoutSeconds int) *upstream.Envelope
	SessionHistory(ctx context.Context, sessionKey string) *upstream.Envelope
	SessionSend(ctx context.Context, sessionKey, message string, timeoutSeconds int) *upstream.Envelope
}

var _ UpstreamGateway = (*upstream.Client)(nil)

// ediSessionKey names the upstream session that carries an /ask thread.
func ediSessionKey(threadID string) string {
	return "edi:" + threadID
}
