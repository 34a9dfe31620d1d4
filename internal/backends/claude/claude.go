package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/appfleet/internal/backends"
)

// Options configures the agent CLI invocation.
type Options struct {
	Binary string
	Model  string
	APIKey string
}

// waitDelay bounds how long Wait keeps reading stderr after the agent is
// killed; a grandchild holding the pipe open cannot stall the attempt.
const waitDelay = 2 * time.Second

// Backend drives the claude agent CLI in non-interactive stream-json mode.
type Backend struct{ opts Options }

func New(opts Options) *Backend {
	if opts.Binary == "" {
		opts.Binary = "claude"
	}
	return &Backend{opts: opts}
}

func (b *Backend) Name() string { return "claude" }

// Args builds the CLI argument list for req.
func (b *Backend) Args(req backends.Request) []string {
	args := []string{"-p", req.TaskPrompt, "--output-format", "stream-json", "--verbose"}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	model := req.Model
	if model == "" {
		model = b.opts.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

func (b *Backend) Generate(ctx context.Context, req backends.Request) (backends.Response, error) {
	cmd := exec.CommandContext(ctx, b.opts.Binary, b.Args(req)...)
	cmd.Dir = req.WorkDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = waitDelay
	if b.opts.APIKey != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+b.opts.APIKey)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return backends.Response{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return backends.Response{}, fmt.Errorf("start %s: %w", b.opts.Binary, err)
	}
	// unblock the stream reader once ctx is done, even if stdout is still held open
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stop()
	resp, parseErr := ParseStream(stdout)
	// drain so Wait does not block on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return resp, fmt.Errorf("agent interrupted: %w", ctx.Err())
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return resp, fmt.Errorf("agent exited: %s", msg)
	}
	if parseErr != nil {
		return resp, parseErr
	}
	if res, ok := resp.Result(); ok && res.IsError {
		return resp, fmt.Errorf("%w: %s", backends.ErrBackendResult, res.Value)
	}
	return resp, nil
}

type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
	} `json:"message"`
	Result   string `json:"result"`
	IsError  bool   `json:"is_error"`
	NumTurns int    `json:"num_turns"`
}

// ParseStream decodes newline-delimited stream-json events into messages.
// Unknown event types are ignored; lines that are not JSON are skipped.
func ParseStream(r io.Reader) (backends.Response, error) {
	var resp backends.Response
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Debug().Err(err).Msg("Skipping non-JSON agent output")
			continue
		}
		switch ev.Type {
		case "assistant":
			if ev.Message == nil {
				continue
			}
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "text":
					resp.Messages = append(resp.Messages, backends.TextMessage{Content: block.Text})
				case "tool_use":
					resp.Messages = append(resp.Messages, backends.ToolCallMessage{Name: block.Name, Input: block.Input})
				}
			}
		case "result":
			resp.Messages = append(resp.Messages, backends.ResultMessage{
				Value:   ev.Result,
				IsError: ev.IsError || strings.HasPrefix(ev.Subtype, "error"),
				Turns:   ev.NumTurns,
			})
		}
	}
	if err := sc.Err(); err != nil {
		return resp, fmt.Errorf("read agent stream: %w", err)
	}
	return resp, nil
}
