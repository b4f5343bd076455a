package model

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scripted replays canned responses per agent. The last queued response for
// an agent repeats once the queue is drained.
type Scripted struct {
	mu        sync.Mutex
	responses map[string][]Response
	calls     []Request
}

func NewScripted() *Scripted {
	return &Scripted{responses: map[string][]Response{}}
}

// On queues responses for agent.
func (s *Scripted) On(agent string, responses ...Response) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[agent] = append(s.responses[agent], responses...)
	return s
}

// Reply queues a successful response with content.
func (s *Scripted) Reply(agent string, content ...string) *Scripted {
	for _, c := range content {
		s.On(agent, Response{Success: true, Content: c, TokenUsage: estimateUsage(c)})
	}
	return s
}

// Fail queues a failed response.
func (s *Scripted) Fail(agent, msg string) *Scripted {
	return s.On(agent, Response{Success: false, ErrorMessage: msg})
}

func (s *Scripted) Invoke(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	queue := s.responses[req.Agent]
	if len(queue) == 0 {
		return Response{Success: false, ErrorMessage: fmt.Sprintf("no scripted response for agent %s", req.Agent)}, nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		s.responses[req.Agent] = queue[1:]
	}
	return resp, nil
}

func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// CallCount returns how often agent was invoked.
func (s *Scripted) CallCount(agent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Agent == agent {
			n++
		}
	}
	return n
}

type scriptFile struct {
	Responses map[string][]string `yaml:"responses"`
}

func newScriptedFromSettings(s Settings) (Invoker, error) {
	sc := NewScripted()
	if s.ScriptPath == "" {
		return sc, nil
	}
	data, err := os.ReadFile(s.ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("read model script: %w", err)
	}
	var f scriptFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse model script: %w", err)
	}
	for agent, replies := range f.Responses {
		sc.Reply(agent, replies...)
	}
	return sc, nil
}

func estimateUsage(content string) TokenUsage {
	n := len(strings.Fields(content))
	return TokenUsage{Completion: n, Total: n}
}
