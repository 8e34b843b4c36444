// Package api provides the HTTP handlers for the dispatch gateway.
package api

import (
	"strconv"

	apperrors "github.com/edisys/edigw/internal/common/errors"
	"github.com/edisys/edigw/internal/dispatch"
	"github.com/edisys/edigw/internal/task"
)

// askRequest is the typed shape of an /ask payload.
type askRequest struct {
	Message        string
	ThreadID       string
	TimeoutSeconds int
}

// parseAskRequest coerces the generic payload into an askRequest. The
// payload stays generic until after signature verification, so coercion is
// separate from decoding.
func parseAskRequest(payload interface{}) (*askRequest, *apperrors.AppError) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return nil, apperrors.Validation("Invalid JSON")
	}

	message, appErr := stringField(obj, "message", "Invalid message")
	if appErr != nil {
		return nil, appErr
	}
	threadID, appErr := stringField(obj, "threadId", "Invalid threadId")
	if appErr != nil {
		return nil, appErr
	}
	timeout, _, appErr := intField(obj, "timeoutSeconds", "Invalid timeout")
	if appErr != nil {
		return nil, appErr
	}

	return &askRequest{Message: message, ThreadID: threadID, TimeoutSeconds: timeout}, nil
}

// parseDispatchRequest coerces the generic payload into a DispatchRequest.
// Both threadId/thread and timeoutSeconds/timeout spellings are accepted.
func parseDispatchRequest(payload interface{}) (*dispatch.DispatchRequest, *apperrors.AppError) {
	obj, ok := payload.(map[string]interface{})
	if !ok {
		return nil, apperrors.Validation("Invalid JSON")
	}

	agent, appErr := stringField(obj, "agent", "Invalid agent")
	if appErr != nil {
		return nil, appErr
	}
	message, appErr := stringField(obj, "message", "Invalid message")
	if appErr != nil {
		return nil, appErr
	}

	threadID, appErr := stringField(obj, "threadId", "Invalid threadId")
	if appErr != nil {
		return nil, appErr
	}
	if threadID == "" {
		if threadID, appErr = stringField(obj, "thread", "Invalid threadId"); appErr != nil {
			return nil, appErr
		}
	}

	timeout, present, appErr := intField(obj, "timeoutSeconds", "Invalid timeout")
	if appErr != nil {
		return nil, appErr
	}
	if !present {
		if timeout, _, appErr = intField(obj, "timeout", "Invalid timeout"); appErr != nil {
			return nil, appErr
		}
	}

	workdir, appErr := stringField(obj, "workdir", "Invalid workdir")
	if appErr != nil {
		return nil, appErr
	}

	session, appErr := callbackSession(obj["callback"])
	if appErr != nil {
		return nil, appErr
	}

	return &dispatch.DispatchRequest{
		Agent:           agent,
		Message:         message,
		ThreadID:        threadID,
		TimeoutSeconds:  timeout,
		Workdir:         workdir,
		CallbackSession: session,
	}, nil
}

// callbackSession extracts the callback session key. Callbacks are optional:
// absent callbacks and callbacks without a session key both mean "none".
func callbackSession(v interface{}) (string, *apperrors.AppError) {
	switch cb := v.(type) {
	case nil:
		return "", nil
	case string:
		return cb, nil
	case map[string]interface{}:
		return stringField(cb, "sessionKey", "Invalid callback")
	default:
		return "", apperrors.Validation("Invalid callback")
	}
}

// stringField returns the string at key, "" when absent or null.
func stringField(obj map[string]interface{}, key, errMsg string) (string, *apperrors.AppError) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", apperrors.Validation(errMsg)
	}
	return s, nil
}

// intField returns the integer at key. JSON numbers arrive as float64;
// numeric strings are accepted for query-parameter parity.
func intField(obj map[string]interface{}, key, errMsg string) (int, bool, *apperrors.AppError) {
	v, ok := obj[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, false, apperrors.Validation(errMsg)
		}
		return int(n), true, nil
	case int:
		return n, true, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false, apperrors.Validation(errMsg)
		}
		return i, true, nil
	default:
		return 0, false, apperrors.Validation(errMsg)
	}
}

// taskView is the public shape of a task record.
type taskView struct {
	TaskID         string `json:"taskId"`
	ThreadID       string `json:"threadId"`
	Agent          string `json:"agent"`
	Status         string `json:"status"`
	StartedAt      int64  `json:"startedAt"`
	EndedAt        *int64 `json:"endedAt,omitempty"`
	ExitCode       *int   `json:"exitCode,omitempty"`
	Error          string `json:"error,omitempty"`
	Workdir        string `json:"workdir"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

func newTaskView(rec task.Record) taskView {
	view := taskView{
		TaskID:         rec.TaskID,
		ThreadID:       rec.ThreadID,
		Agent:          rec.Agent,
		Status:         string(rec.Status),
		StartedAt:      rec.StartedAt.Unix(),
		ExitCode:       rec.ExitCode,
		Error:          rec.Error,
		Workdir:        rec.Workdir,
		TimeoutSeconds: rec.TimeoutSeconds,
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt.Unix()
		view.EndedAt = &ended
	}
	return view
}
