package agent

import (
	"reflect"
	"testing"
)

func TestCommand(t *testing.T) {
	tests := []struct {
		kind string
		want []string
	}{
		{KindCodex, []string{"codex", "exec", "--skip-git-repo-check", "fix the bug"}},
		{KindClaude, []string{"claude", "-p", "--dangerously-skip-permissions", "fix the bug"}},
		{KindGemini, []string{"gemini", "--yolo", "-p", "fix the bug"}},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			argv, err := Command(tt.kind, "fix the bug")
			if err != nil {
				t.Fatalf("Command(%q) error: %v", tt.kind, err)
			}
			if !reflect.DeepEqual(argv, tt.want) {
				t.Errorf("Command(%q) = %v, want %v", tt.kind, argv, tt.want)
			}
		})
	}
}

func TestCommandUnknownKind(t *testing.T) {
	_, err := Command("aider", "prompt")
	if err == nil {
		t.Fatal("expected an error for an unknown agent")
	}
	want := "unknown agent: aider (must be one of: codex, claude, gemini)"
	if err.Error() != want {
		t.Errorf("error = %q, want %q", err.Error(), want)
	}
}

func TestValidKind(t *testing.T) {
	for _, kind := range Kinds() {
		if !ValidKind(kind) {
			t.Errorf("ValidKind(%q) = false, want true", kind)
		}
	}
	for _, kind := range []string{"", "aider", "Codex", "CLAUDE"} {
		if ValidKind(kind) {
			t.Errorf("ValidKind(%q) = true, want false", kind)
		}
	}
}

func TestEnvDisablesColor(t *testing.T) {
	env := Env()
	for _, kv := range env {
		if kv == "NO_COLOR=1" {
			return
		}
	}
	t.Errorf("env missing NO_COLOR=1 (%d vars)", len(env))
}
