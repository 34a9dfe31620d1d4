package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandResult is the captured outcome of one external command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Output joins stdout and stderr; CLIs disagree on where they print URLs.
func (r CommandResult) Output() string {
	return r.Stdout + "\n" + r.Stderr
}

// Commander runs external commands. A non-zero exit is an error.
type Commander interface {
	Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error)
}

// ExecCommander runs commands with os/exec. Env entries are appended to the
// process environment.
type ExecCommander struct {
	Env []string
}

func (c ExecCommander) Run(ctx context.Context, dir, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.WaitDelay = 2 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	res := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return res, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, fmt.Errorf("%s exited with code %d: %s", name, res.ExitCode, lastLine(res.Stderr, res.Stdout))
	}
	return res, fmt.Errorf("run %s: %w", name, err)
}

func lastLine(outputs ...string) string {
	for _, out := range outputs {
		lines := strings.Split(strings.TrimSpace(out), "\n")
		if l := strings.TrimSpace(lines[len(lines)-1]); l != "" {
			return l
		}
	}
	return "no output"
}
