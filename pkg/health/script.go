package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// ScriptChecker performs health checks by running a host command. Exit code 0
// means healthy.
type ScriptChecker struct {
	// Command is the command line to execute (e.g., "pg_isready -U postgres")
	Command string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// ExpectedOutput, when non-empty, must appear in the command's stdout
	ExpectedOutput string
}

// NewScriptChecker creates a new script health checker
func NewScriptChecker(command string) *ScriptChecker {
	return &ScriptChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the script health check
func (s *ScriptChecker) Check(ctx context.Context) Result {
	start := time.Now()

	argv, err := shellwords.Parse(s.Command)
	if err != nil || len(argv) == 0 {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("invalid command %q: %v", s.Command, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		message := fmt.Sprintf("command %q failed: %v", s.Command, err)
		if stderr.Len() > 0 {
			message = fmt.Sprintf("%s, stderr: %s", message, strings.TrimSpace(stderr.String()))
		}
		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	if s.ExpectedOutput != "" && !strings.Contains(stdout.String(), s.ExpectedOutput) {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("output does not contain %q", s.ExpectedOutput),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	message := fmt.Sprintf("command %q succeeded", s.Command)
	if out := strings.TrimSpace(stdout.String()); out != "" {
		if len(out) > 100 {
			out = out[:100] + "..."
		}
		message = fmt.Sprintf("%s, output: %s", message, out)
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (s *ScriptChecker) Type() CheckType {
	return CheckTypeScript
}

// WithTimeout sets the execution timeout
func (s *ScriptChecker) WithTimeout(timeout time.Duration) *ScriptChecker {
	s.Timeout = timeout
	return s
}

// WithExpectedOutput requires stdout to contain out
func (s *ScriptChecker) WithExpectedOutput(out string) *ScriptChecker {
	s.ExpectedOutput = out
	return s
}
