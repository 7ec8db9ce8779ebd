package cli

import (
	"bytes"
	"strings"
	"testing"
)

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLMCHAT_DATA_DIR", dir)
	t.Setenv("LLMCHAT_GROUPS_FILE", writeFile(t, dir, "groups.yaml", groupsBody))

	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--log-level", "error"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	text := out.String()
	for _, want := range []string{"localllm", "tools", "2 group(s) valid"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestValidateCommand_InvalidFlag(t *testing.T) {
	t.Setenv("LLMCHAT_DATA_DIR", t.TempDir())

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate", "--log-format", "xml"})

	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "log-format") {
		t.Fatalf("expected log format error, got %v", err)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	want := map[string]bool{"up": false, "down": false, "status": false, "logs": false, "validate": false}
	for _, sub := range cmd.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing subcommand %q", name)
		}
	}
}
