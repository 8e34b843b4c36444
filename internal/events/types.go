// Package events provides event types and utilities for the gateway's event system.
package events

// Source identifies this service in published events.
const Source = "edi-gateway"

// Event types for dispatch tasks
const (
	TaskStarted   = "task.started"
	TaskCanceling = "task.canceling"
	TaskFinished  = "task.finished" // terminal: completed, failed, or canceled
)

// Event types for thread logs
const (
	ThreadAppended = "thread.appended"
)

// TaskWildcardSubject subscribes to every task lifecycle event.
func TaskWildcardSubject() string {
	return "task.>"
}

// TaskData shapes the payload of task lifecycle events.
func TaskData(taskID, threadID, agent, status string) map[string]interface{} {
	return map[string]interface{}{
		"taskId":   taskID,
		"threadId": threadID,
		"agent":    agent,
		"status":   status,
	}
}

// ThreadData shapes the payload of thread append events.
func ThreadData(threadID string, turn int, role string) map[string]interface{} {
	return map[string]interface{}{
		"threadId": threadID,
		"turn":     turn,
		"role":     role,
	}
}
