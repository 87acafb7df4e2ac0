package taskexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/swarmguard/modelrt/internal/backend"
	"github.com/swarmguard/modelrt/internal/types"
)

func writeTestScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "echo.sh")
	if err := os.WriteFile(path, []byte(body), 0700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestScriptBackendChatReturnsStdout(t *testing.T) {
	script := writeTestScript(t, "#!/bin/sh\necho -n hello-from-script\n")
	b := NewScriptBackend("/bin/sh", script)

	result, err := b.Chat(context.Background(), backend.ChatOptions{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if result.Content != "hello-from-script" {
		t.Fatalf("expected script stdout, got %q", result.Content)
	}
}

func TestScriptBackendChatSurfacesNonZeroExit(t *testing.T) {
	script := writeTestScript(t, "#!/bin/sh\nexit 1\n")
	b := NewScriptBackend("/bin/sh", script)

	_, err := b.Chat(context.Background(), backend.ChatOptions{})
	if err == nil {
		t.Fatalf("expected error on non-zero exit")
	}
}

func TestScriptBackendHealthCheck(t *testing.T) {
	script := writeTestScript(t, "#!/bin/sh\nexit 0\n")
	b := NewScriptBackend("/bin/sh", script)
	if !b.HealthCheck(context.Background()) {
		t.Fatalf("expected healthy when interpreter and script both exist")
	}

	missing := NewScriptBackend("/bin/sh", filepath.Join(t.TempDir(), "nope.sh"))
	if missing.HealthCheck(context.Background()) {
		t.Fatalf("expected unhealthy when script is missing")
	}
}
