package backends

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/3cpo-dev/appfleet/pkg/api"
)

// Request is one generation call: a system/task prompt pair plus the directory
// the agent should write into.
type Request struct {
	Spec         api.JobSpec
	SystemPrompt string
	TaskPrompt   string
	WorkDir      string
	MaxTurns     int
	AllowedTools []string
	Model        string
}

// Response collects the messages streamed back by a backend.
type Response struct {
	Messages []Message
}

// Text concatenates the text content of every TextMessage.
func (r Response) Text() string {
	var b strings.Builder
	for _, m := range r.Messages {
		if t, ok := m.(TextMessage); ok {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}

// Result returns the final ResultMessage, if the backend produced one.
func (r Response) Result() (ResultMessage, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if res, ok := r.Messages[i].(ResultMessage); ok {
			return res, true
		}
	}
	return ResultMessage{}, false
}

// Backend is an external code-generation agent.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// Message is a closed set of backend messages: TextMessage, ToolCallMessage
// and ResultMessage.
type Message interface {
	message()
}

type TextMessage struct {
	Content string
}

type ToolCallMessage struct {
	Name  string
	Input map[string]any
}

type ResultMessage struct {
	Value   string
	IsError bool
	Turns   int
}

func (TextMessage) message()     {}
func (ToolCallMessage) message() {}
func (ResultMessage) message()   {}

// ErrBackendResult is wrapped when the agent itself reports a failed result.
var ErrBackendResult = errors.New("backend reported an error result")

type Registry struct {
	backends map[string]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: map[string]Backend{}}
}

func (r *Registry) Register(b Backend) {
	r.backends[b.Name()] = b
}

func (r *Registry) Get(name string) (Backend, error) {
	b, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("backend not registered: %s", name)
	}
	return b, nil
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
