package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	fanouterrors "github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/workitem"
)

func testItem(t *testing.T, id string, payload any) workitem.Item {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return workitem.New(id, data)
}

func TestExecute_CapturesStdout(t *testing.T) {
	e := NewCommandExecutor("echo processed", t.TempDir())

	out, err := e.Execute(context.Background(), testItem(t, "item-1", map[string]string{"input": "a.go"}), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "processed" {
		t.Errorf("output = %q", out)
	}
}

func TestExecute_PayloadOnStdin(t *testing.T) {
	e := NewCommandExecutor("cat", t.TempDir())

	out, err := e.Execute(context.Background(), testItem(t, "item-1", map[string]string{"input": "a.go"}), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("stdout is not the payload JSON: %v", err)
	}
	if payload["input"] != "a.go" {
		t.Errorf("payload = %v", payload)
	}
}

func TestExecute_ItemIDInEnvironment(t *testing.T) {
	e := NewCommandExecutor(`printf '%s' "$FANOUT_ITEM_ID"`, t.TempDir())

	out, err := e.Execute(context.Background(), testItem(t, "item-42", nil), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "item-42" {
		t.Errorf("FANOUT_ITEM_ID = %q", out)
	}
}

func TestExecute_ExtraEnv(t *testing.T) {
	e := NewCommandExecutor(`printf '%s' "$MODEL"`, t.TempDir())
	e.Env = map[string]string{"MODEL": "default"}

	out, err := e.Execute(context.Background(), testItem(t, "item-1", nil), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "default" {
		t.Errorf("MODEL = %q", out)
	}
}

func TestExecute_PerDispatchEnvOverridesExecutorEnv(t *testing.T) {
	e := NewCommandExecutor(`printf '%s' "$FANOUT_SETUP_DEPS"`, t.TempDir())
	e.Env = map[string]string{"FANOUT_SETUP_DEPS": "stale"}

	out, err := e.Execute(context.Background(), testItem(t, "item-1", nil),
		map[string]string{"FANOUT_SETUP_DEPS": "installed"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "installed" {
		t.Errorf("FANOUT_SETUP_DEPS = %q", out)
	}
}

func TestExecute_NonZeroExitIncludesStderr(t *testing.T) {
	e := NewCommandExecutor("echo broken >&2; exit 3", t.TempDir())

	_, err := e.Execute(context.Background(), testItem(t, "item-1", nil), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error does not carry stderr: %v", err)
	}
	var de *fanouterrors.DispatchError
	if fanouterrors.As(err, &de) {
		t.Error("a started-but-failed agent should not be a DispatchError")
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := NewCommandExecutor("sleep 10", t.TempDir())
	e.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := e.Execute(context.Background(), testItem(t, "item-1", nil), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not bound execution time")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Errorf("error = %v", err)
	}
}

func TestExecute_TimeoutKillsDescendants(t *testing.T) {
	// A backgrounded child outlives the sh wrapper and holds the
	// stdout pipe; the wait must not block on it after cancellation.
	e := NewCommandExecutor("sleep 10 & sleep 10", t.TempDir())
	e.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, err := e.Execute(context.Background(), testItem(t, "item-1", nil), nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("descendant process kept the agent wait alive")
	}
}

func TestExecute_ContextCancellation(t *testing.T) {
	e := NewCommandExecutor("sleep 10", t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := e.Execute(ctx, testItem(t, "item-1", nil), nil); err == nil {
		t.Fatal("expected error after cancellation")
	}
}

func TestRunStep(t *testing.T) {
	out, err := RunStep(context.Background(), "echo setup-done", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if out != "setup-done" {
		t.Errorf("output = %q", out)
	}
}

func TestRunStep_Failure(t *testing.T) {
	_, err := RunStep(context.Background(), "exit 1", t.TempDir(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "failed") {
		t.Errorf("error = %v", err)
	}
}
