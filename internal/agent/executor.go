// Package agent runs the external agent command for individual work
// items. Each invocation is a one-shot subprocess executed inside the
// item's worktree: the item payload arrives on stdin as JSON and
// stdout is captured as the item result.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/mkallio/fanout/internal/errors"
	"github.com/mkallio/fanout/internal/logging"
	"github.com/mkallio/fanout/internal/workitem"
)

// CommandExecutor invokes a shell command once per work item.
type CommandExecutor struct {
	// Command is run via `sh -c`. The work item is available on
	// stdin and as FANOUT_ITEM_ID / FANOUT_INPUT in the environment.
	Command string

	// Dir is the working directory for the subprocess, normally the
	// job's worktree.
	Dir string

	// Env holds extra environment variables, merged over the parent
	// process environment.
	Env map[string]string

	// Timeout bounds a single invocation. Zero means no per-item
	// timeout beyond the caller's context.
	Timeout time.Duration

	Log *logging.Logger
}

// NewCommandExecutor returns an executor for the given shell command
// running in dir.
func NewCommandExecutor(command, dir string) *CommandExecutor {
	return &CommandExecutor{
		Command: command,
		Dir:     dir,
		Log:     logging.NopLogger(),
	}
}

// Execute runs the agent command for one work item and returns its
// trimmed stdout. extra holds per-dispatch environment variables
// (setup outputs, job variables) layered over the executor's own Env.
// A command that cannot be started at all is reported as a
// DispatchError; a command that starts and exits non-zero is an
// ordinary retryable failure carrying the tail of stderr.
func (e *CommandExecutor) Execute(ctx context.Context, item workitem.Item, extra map[string]string) (string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", e.Command)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(item.Payload)
	setKillGroup(cmd)

	cmd.Env = append(os.Environ(), "FANOUT_ITEM_ID="+item.ID)
	for k, v := range e.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	for k, v := range extra {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := e.Log.WithItem(item.ID)
	log.Debug("starting agent", "command", e.Command, "dir", e.Dir)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return "", errors.NewDispatchError("agent command failed to start", err).
			WithItemID(item.ID)
	}

	err := cmd.Wait()
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			log.Warn("agent canceled", "elapsed", elapsed.String(), "error", ctx.Err())
			return "", fmt.Errorf("agent canceled after %s: %w", elapsed.Round(time.Millisecond), ctx.Err())
		}
		log.Warn("agent failed", "elapsed", elapsed.String(), "error", err)
		return "", fmt.Errorf("agent exited with error: %v: %s", err, tail(stderr.String(), 512))
	}

	log.Debug("agent completed", "elapsed", elapsed.String())
	return strings.TrimSpace(stdout.String()), nil
}

// RunStep executes a setup or reduce step command in dir and returns
// its trimmed stdout. Unlike Execute there is no payload; step output
// is captured into the job's variables.
func RunStep(ctx context.Context, command, dir string, env map[string]string) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	setKillGroup(cmd)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("step canceled: %w", ctx.Err())
		}
		return "", fmt.Errorf("step %q failed: %v: %s", command, err, tail(stderr.String(), 512))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// setKillGroup places the subprocess in its own process group and
// makes context cancellation kill the whole group. Without this a
// grandchild of sh keeps the stdout/stderr pipes open and Wait blocks
// until it exits on its own, which would make timeouts and drain wait
// on the full runtime of the spawned command. WaitDelay covers any
// process that detached from the group and still holds a pipe.
func setKillGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
}

// tail returns at most n trailing bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
