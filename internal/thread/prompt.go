package thread

import (
	"fmt"
	"strings"
)

var roleLabels = map[string]string{
	RoleEDI:  "EDI",
	"codex":  "Codex",
	"claude": "Claude",
	"gemini": "Gemini",
}

// Label returns the human-friendly transcript tag for a role.
func Label(role string) string {
	if l, ok := roleLabels[role]; ok {
		return l
	}
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// BuildPrompt assembles the continuation prompt handed to an agent: the
// filtered prior turns tagged by role label, then the new operator message.
func BuildPrompt(prior []Entry, message string) string {
	if len(prior) == 0 {
		return message
	}

	var b strings.Builder
	b.WriteString("You are continuing a task. Here is the conversation so far:\n\n---\n")
	for _, e := range prior {
		fmt.Fprintf(&b, "[%s] %s\n", Label(e.Role), e.Content)
	}
	b.WriteString("---\n\nNow continue:\n")
	fmt.Fprintf(&b, "[%s] %s", Label(RoleEDI), message)
	return b.String()
}
