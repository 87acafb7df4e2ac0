package taskexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	osExec "os/exec"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/modelrt/internal/backend"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/types"
)

// ScriptBackend runs a local script per Chat call, passing the message
// history in as JSON on stdin and treating stdout as the response
// content, generalizing PythonPlugin's temp-script-and-exec shape to
// the Backend trait instead of a workflow task type.
type ScriptBackend struct {
	mu           sync.Mutex
	interpreter  string
	scriptPath   string
	capabilities backend.Capabilities
	contextState map[string]interface{}
	tracer       trace.Tracer
}

// NewScriptBackend runs scriptPath via interpreter (e.g. "python3").
func NewScriptBackend(interpreter, scriptPath string) *ScriptBackend {
	return &ScriptBackend{
		interpreter:  interpreter,
		scriptPath:   scriptPath,
		capabilities: backend.Capabilities{ContextWindow: 4096, ModelType: "script"},
		contextState: make(map[string]interface{}),
		tracer:       otel.Tracer("taskexec-script"),
	}
}

func (s *ScriptBackend) Chat(ctx context.Context, opts backend.ChatOptions) (backend.ChatResult, error) {
	ctx, span := s.tracer.Start(ctx, "taskexec.script.chat", trace.WithAttributes(
		attribute.String("script", s.scriptPath),
	))
	defer span.End()

	input, err := json.Marshal(opts.Messages)
	if err != nil {
		return backend.ChatResult{}, rterr.Wrap(rterr.KindProviderError, "marshal script input", err)
	}

	cmd := osExec.Command(s.interpreter, s.scriptPath)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if ctx.Done() != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				if cmd.Process != nil {
					cmd.Process.Kill()
				}
			case <-done:
			}
		}()
	}

	if err := cmd.Run(); err != nil {
		return backend.ChatResult{}, rterr.Wrap(rterr.KindProviderError,
			fmt.Sprintf("script execution failed: %s", stderr.String()), err)
	}

	span.SetAttributes(attribute.Int("output_size", stdout.Len()))
	return backend.ChatResult{Content: stdout.String(), Role: types.RoleAssistant}, nil
}

func (s *ScriptBackend) GetCapabilities(ctx context.Context) (backend.Capabilities, error) {
	return s.capabilities, nil
}

// HealthCheck confirms the interpreter and script are reachable without
// actually invoking the script.
func (s *ScriptBackend) HealthCheck(ctx context.Context) bool {
	if _, err := osExec.LookPath(s.interpreter); err != nil {
		return false
	}
	_, err := os.Stat(s.scriptPath)
	return err == nil
}

func (s *ScriptBackend) GetResourceMetrics(ctx context.Context) (backend.ResourceMetrics, error) {
	return backend.ResourceMetrics{}, nil
}

func (s *ScriptBackend) GetContextState(ctx context.Context) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.contextState))
	for k, v := range s.contextState {
		out[k] = v
	}
	return out, nil
}

func (s *ScriptBackend) SetContextState(ctx context.Context, state map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextState = state
	return nil
}

var _ backend.Backend = (*ScriptBackend)(nil)
