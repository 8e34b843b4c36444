// Package thread implements the durable conversation log: one append-only
// JSONL file per thread under a fixed directory.
package thread

// RoleEDI is the role recorded for operator-sent turns. Any other role names
// the agent kind that produced the entry.
const RoleEDI = "edi"

// Entry is one turn in a thread. Entries are immutable once written.
type Entry struct {
	Turn     int    `json:"turn"`
	Role     string `json:"role"`
	Content  string `json:"content"`
	TS       int64  `json:"ts"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// NextTurn returns one greater than the maximum turn found, or 1 when the
// thread is empty.
func NextTurn(entries []Entry) int {
	max := 0
	for _, e := range entries {
		if e.Turn > max {
			max = e.Turn
		}
	}
	return max + 1
}

// FilterRecent keeps the entries whose turn number is among the last maxTurns
// distinct turns, preserving insertion order.
func FilterRecent(entries []Entry, maxTurns int) []Entry {
	if maxTurns <= 0 {
		return nil
	}

	var distinct []int
	seen := make(map[int]bool)
	for _, e := range entries {
		if !seen[e.Turn] {
			seen[e.Turn] = true
			distinct = append(distinct, e.Turn)
		}
	}
	if len(distinct) <= maxTurns {
		out := make([]Entry, len(entries))
		copy(out, entries)
		return out
	}

	keep := make(map[int]bool, maxTurns)
	for _, t := range distinct[len(distinct)-maxTurns:] {
		keep[t] = true
	}

	var out []Entry
	for _, e := range entries {
		if keep[e.Turn] {
			out = append(out, e)
		}
	}
	return out
}

// Binding reports the agent kind a thread is bound to. A thread with no
// non-edi entries is unbound (empty string). A thread whose non-edi entries
// carry two or more distinct roles is mixed and must not be dispatched to.
func Binding(entries []Entry) (agent string, mixed bool) {
	for _, e := range entries {
		if e.Role == RoleEDI {
			continue
		}
		if agent == "" {
			agent = e.Role
			continue
		}
		if e.Role != agent {
			return agent, true
		}
	}
	return agent, false
}
