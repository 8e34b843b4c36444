package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/edisys/edigw/internal/auth"
	apperrors "github.com/edisys/edigw/internal/common/errors"
	"github.com/edisys/edigw/internal/common/logger"
	"github.com/edisys/edigw/internal/dispatch"
	"github.com/edisys/edigw/internal/metrics"
	"github.com/edisys/edigw/internal/task"
	"github.com/edisys/edigw/internal/thread"
)

const (
	serverName = "edi-gateway"
	// serverVersion is the protocol generation reported by /health.
	serverVersion = "3"
)

// Handler contains the HTTP handlers for the gateway API.
type Handler struct {
	ask             *dispatch.AskService
	dispatcher      *dispatch.DispatchService
	webhook         *dispatch.WebhookService
	store           *thread.Store
	registry        *task.Registry
	verifier        *auth.HMACVerifier
	webhookVerifier *auth.WebhookVerifier
	metrics         *metrics.Metrics
	logger          *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	ask *dispatch.AskService,
	dispatcher *dispatch.DispatchService,
	webhook *dispatch.WebhookService,
	store *thread.Store,
	registry *task.Registry,
	verifier *auth.HMACVerifier,
	webhookVerifier *auth.WebhookVerifier,
	m *metrics.Metrics,
	log *logger.Logger,
) *Handler {
	return &Handler{
		ask:             ask,
		dispatcher:      dispatcher,
		webhook:         webhook,
		store:           store,
		registry:        registry,
		verifier:        verifier,
		webhookVerifier: webhookVerifier,
		metrics:         m,
		logger:          log,
	}
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"server":  serverName,
		"version": serverVersion,
	})
}

// ListTasks handles GET /tasks. Only running and canceling tasks are listed;
// finished tasks live in their thread transcripts.
func (h *Handler) ListTasks(c *gin.Context) {
	recs := h.registry.ListActive()
	views := make([]taskView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, newTaskView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "tasks": views})
}

// GetThread handles GET /thread/:id.
func (h *Handler) GetThread(c *gin.Context) {
	threadID := c.Param("id")
	if appErr := thread.ValidateID(threadID); appErr != nil {
		respondError(c, appErr, nil)
		return
	}
	if !h.store.Exists(threadID) {
		respondError(c, apperrors.NotFound("Thread not found"), gin.H{"threadId": threadID})
		return
	}

	entries := h.store.Load(threadID)
	if entries == nil {
		entries = []thread.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "threadId": threadID, "entries": entries})
}

// Ask handles POST /ask.
func (h *Handler) Ask(c *gin.Context) {
	body, appErr := readBody(c)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	var payload interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		respondError(c, apperrors.Validation("Invalid JSON"), nil)
		return
	}

	req, appErr := parseAskRequest(payload)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(c, apperrors.Validation("message required"), nil)
		return
	}

	if appErr := h.authenticate(c, payload, "ask"); appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	reply, threadID, appErr := h.ask.Ask(c.Request.Context(), req.Message, req.ThreadID, req.TimeoutSeconds)
	if appErr != nil {
		respondError(c, appErr, gin.H{"threadId": threadID})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "reply": reply, "threadId": threadID})
}

// Dispatch handles POST /dispatch.
func (h *Handler) Dispatch(c *gin.Context) {
	payload, appErr := h.resolveDispatchPayload(c)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	if appErr := h.authenticate(c, payload, "dispatch"); appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	req, appErr := parseDispatchRequest(payload)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	res, appErr := h.dispatcher.Dispatch(c.Request.Context(), *req)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	if res.Status == task.StatusFailed {
		extra := gin.H{
			"taskId":   res.TaskID,
			"threadId": res.ThreadID,
			"status":   string(res.Status),
		}
		if res.ExitCode != nil {
			extra["exitCode"] = *res.ExitCode
		}
		respondError(c, apperrors.Internal("Dispatch failed quickly", nil), extra)
		return
	}

	resp := gin.H{
		"ok":       true,
		"taskId":   res.TaskID,
		"threadId": res.ThreadID,
		"status":   string(res.Status),
	}
	if res.ExitCode != nil {
		resp["exitCode"] = *res.ExitCode
	}
	c.JSON(http.StatusOK, resp)
}

// resolveDispatchPayload produces the signed payload object for /dispatch.
// JSON bodies are used as-is; text and markdown bodies become the message,
// with the remaining fields merged from query parameters and X-EDI-* headers
// (query wins).
func (h *Handler) resolveDispatchPayload(c *gin.Context) (interface{}, *apperrors.AppError) {
	body, appErr := readBody(c)
	if appErr != nil {
		return nil, appErr
	}

	switch c.ContentType() {
	case "text/plain", "text/markdown", "text/x-markdown":
		return h.synthesizeDispatchPayload(c, body)
	default:
		var payload interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, apperrors.Validation("Invalid JSON")
		}
		return payload, nil
	}
}

func (h *Handler) synthesizeDispatchPayload(c *gin.Context, body []byte) (map[string]interface{}, *apperrors.AppError) {
	payload := map[string]interface{}{"message": string(body)}

	param := func(query, header string) string {
		if v := c.Query(query); v != "" {
			return v
		}
		return c.GetHeader(header)
	}

	if v := param("agent", "X-EDI-Agent"); v != "" {
		payload["agent"] = v
	}

	threadID := c.Query("threadId")
	if threadID == "" {
		threadID = c.Query("thread")
	}
	if threadID == "" {
		threadID = c.GetHeader("X-EDI-Thread")
	}
	if threadID != "" {
		payload["threadId"] = threadID
	}

	timeout := c.Query("timeout")
	if timeout == "" {
		timeout = c.Query("timeoutSeconds")
	}
	if timeout == "" {
		timeout = c.GetHeader("X-EDI-Timeout")
	}
	if timeout != "" {
		payload["timeoutSeconds"] = timeout
	}

	if v := param("workdir", "X-EDI-Workdir"); v != "" {
		payload["workdir"] = v
	}
	if v := param("callback", "X-EDI-Callback"); v != "" {
		payload["callback"] = map[string]interface{}{"sessionKey": v}
	}

	return payload, nil
}

// CancelTask handles POST /tasks/:id/cancel. An empty body is treated as an
// empty signed object so unauthenticated deployments can cancel bare.
func (h *Handler) CancelTask(c *gin.Context) {
	body, appErr := readBody(c)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	var payload interface{} = map[string]interface{}{}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			respondError(c, apperrors.Validation("Invalid JSON"), nil)
			return
		}
	}

	if appErr := h.authenticate(c, payload, "cancel"); appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	taskID := c.Param("id")
	if strings.TrimSpace(taskID) == "" {
		respondError(c, apperrors.Validation("missing id"), nil)
		return
	}

	res, appErr := h.dispatcher.Cancel(c.Request.Context(), taskID)
	if appErr != nil {
		respondError(c, appErr, gin.H{"taskId": taskID})
		return
	}

	resp := gin.H{
		"ok":       true,
		"taskId":   res.TaskID,
		"threadId": res.ThreadID,
		"status":   string(res.Status),
	}
	if res.ExitCode != nil {
		resp["exitCode"] = *res.ExitCode
	}
	c.JSON(http.StatusOK, resp)
}

// GitHubWebhook handles POST /github-webhook. The signature covers the raw
// received bytes, never a re-serialization.
func (h *Handler) GitHubWebhook(c *gin.Context) {
	body, appErr := readBody(c)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	if appErr := h.webhookVerifier.Verify(body, c.GetHeader(auth.HeaderWebhookSignature)); appErr != nil {
		if appErr.Code == apperrors.ErrCodeUnauthorized {
			h.metrics.RecordAuthFailure("github-webhook")
			h.metrics.RecordWebhook("unauthorized")
		}
		respondError(c, appErr, nil)
		return
	}

	res, appErr := h.webhook.HandlePush(c.Request.Context(), body)
	if appErr != nil {
		respondError(c, appErr, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"message":    "Agent triggered",
		"runId":      res.RunID,
		"sessionKey": res.SessionKey,
	})
}

// authenticate verifies the HMAC headers over the parsed payload.
func (h *Handler) authenticate(c *gin.Context, payload interface{}, route string) *apperrors.AppError {
	appErr := h.verifier.VerifyRequest(payload,
		c.GetHeader(auth.HeaderTimestamp),
		c.GetHeader(auth.HeaderSignature))
	if appErr != nil {
		h.metrics.RecordAuthFailure(route)
		h.logger.WithContext(c.Request.Context()).Warn("authentication rejected: " + route)
	}
	return appErr
}

// readBody drains the request body, translating the body-limit error into a
// 413 the client can act on.
func readBody(c *gin.Context) ([]byte, *apperrors.AppError) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, apperrors.PayloadTooLarge("Request body too large")
		}
		return nil, apperrors.Validation("Failed to read request body")
	}
	return body, nil
}

// respondError writes the error envelope. extra fields (taskId, threadId)
// are merged in when the route has them.
func respondError(c *gin.Context, appErr *apperrors.AppError, extra gin.H) {
	body := gin.H{"ok": false, "error": appErr.Message}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(appErr.HTTPStatus, body)
}
