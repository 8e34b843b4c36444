// Package upstream implements the outbound HTTP client for the agent gateway.
// All failures fold into an envelope with ok=false so callers branch on ok
// alone.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edisys/edigw/internal/common/config"
	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/common/tracing"
)

// sessionKeyPrefix qualifies client session keys for tool invocations. Hook
// calls send the bare key; the gateway qualifies those itself.
const sessionKeyPrefix = "agent:main:"

// hookName identifies this service to the upstream gateway on hook calls.
const hookName = "EDI-CLI"

// Envelope is the upstream response shape shared by both endpoints.
type Envelope struct {
	OK     bool            `json:"ok"`
	RunID  string          `json:"runId,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Client talks to the agent gateway with two bearer tokens: the hooks token
// for /hooks/agent and the gateway token for /tools/invoke.
type Client struct {
	baseURL      string
	gatewayToken string
	hooksToken   string
	http         *http.Client
	log          *logger.Logger
	tracer       trace.Tracer
}

// NewClient builds a client from the upstream configuration.
func NewClient(cfg config.UpstreamConfig, log *logger.Logger) *Client {
	return &Client{
		baseURL:      cfg.URL,
		gatewayToken: cfg.GatewayToken,
		hooksToken:   cfg.HooksToken,
		http:         &http.Client{Timeout: cfg.Timeout()},
		log:          log,
		tracer:       tracing.Tracer("edigw-upstream"),
	}
}

// TriggerAgentHook starts an agent run via /hooks/agent. The reply arrives
// asynchronously; callers poll SessionHistory for it.
func (c *Client) TriggerAgentHook(ctx context.Context, sessionKey, message string, timeoutSeconds int) *Envelope {
	payload := map[string]interface{}{
		"message":        message,
		"sessionKey":     sessionKey,
		"name":           hookName,
		"wakeMode":       "now",
		"deliver":        false,
		"timeoutSeconds": timeoutSeconds,
	}
	return c.post(ctx, "/hooks/agent", payload, c.hooksToken)
}

// SessionHistory fetches recent session messages via sessions_history.
func (c *Client) SessionHistory(ctx context.Context, sessionKey string) *Envelope {
	payload := map[string]interface{}{
		"tool": "sessions_history",
		"args": map[string]interface{}{
			"sessionKey":   sessionKeyPrefix + sessionKey,
			"limit":        10,
			"includeTools": false,
		},
	}
	return c.post(ctx, "/tools/invoke", payload, c.gatewayToken)
}

// SessionSend appends a message to an existing session via sessions_send and
// returns the assistant reply synchronously in the envelope.
func (c *Client) SessionSend(ctx context.Context, sessionKey, message string, timeoutSeconds int) *Envelope {
	payload := map[string]interface{}{
		"tool": "sessions_send",
		"args": map[string]interface{}{
			"sessionKey":     sessionKeyPrefix + sessionKey,
			"message":        message,
			"timeoutSeconds": timeoutSeconds,
		},
	}
	return c.post(ctx, "/tools/invoke", payload, c.gatewayToken)
}

// post performs one authenticated call. Transport errors and non-2xx
// responses fold into {ok:false, error}.
func (c *Client) post(ctx context.Context, path string, payload interface{}, token string) *Envelope {
	ctx, span := c.tracer.Start(ctx, "upstream.post")
	defer span.End()
	span.SetAttributes(attribute.String("upstream.path", path))

	body, err := json.Marshal(payload)
	if err != nil {
		return &Envelope{OK: false, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &Envelope{OK: false, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("Upstream call failed", zap.String("path", path), zap.Error(err))
		return &Envelope{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Envelope{OK: false, Error: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Envelope{OK: false, Error: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))}
	}

	var env Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return &Envelope{OK: false, Error: fmt.Sprintf("invalid upstream response: %v", err)}
	}
	return &env
}

type resultDetails struct {
	Details struct {
		Reply    string           `json:"reply"`
		Messages []historyMessage `json:"messages"`
	} `json:"details"`
}

type historyMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendReply extracts the assistant reply from a sessions_send envelope.
func SendReply(env *Envelope) (string, bool) {
	if env == nil || !env.OK || len(env.Result) == 0 {
		return "", false
	}
	var res resultDetails
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return "", false
	}
	if res.Details.Reply == "" {
		return "", false
	}
	return res.Details.Reply, true
}

// LastAssistantReply extracts the newest assistant text from a
// sessions_history envelope. Content is usually a list of typed blocks but
// plain strings are accepted too.
func LastAssistantReply(env *Envelope) (string, bool) {
	if env == nil || !env.OK || len(env.Result) == 0 {
		return "", false
	}
	var res resultDetails
	if err := json.Unmarshal(env.Result, &res); err != nil {
		return "", false
	}

	msgs := res.Details.Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "assistant" {
			continue
		}

		var blocks []contentBlock
		if err := json.Unmarshal(msgs[i].Content, &blocks); err == nil {
			for _, b := range blocks {
				if b.Type == "text" && b.Text != "" {
					return b.Text, true
				}
			}
			continue
		}

		var s string
		if err := json.Unmarshal(msgs[i].Content, &s); err == nil && s != "" {
			return s, true
		}
	}
	return "", false
}
