// Package model is the boundary to the language model providers used by the
// planning agents.
package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Prompt: u.Prompt + o.Prompt, Completion: u.Completion + o.Completion, Total: u.Total + o.Total}
}

type Request struct {
	Agent             string
	Prompt            string
	RepositoryContext string
}

// Response carries provider failures as Success=false. Transient marks
// failures worth retrying (rate limits, 5xx, network).
type Response struct {
	Success      bool
	Content      string
	ErrorMessage string
	Transient    bool
	TokenUsage   TokenUsage
}

// Invoker calls a model once. The error return is reserved for context
// cancellation; provider errors come back in the Response.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

type InvokerFunc func(ctx context.Context, req Request) (Response, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type ProviderKind string

const (
	ProviderScripted ProviderKind = "scripted"
	ProviderOpenAI   ProviderKind = "openai"
)

// Settings configures a provider.
type Settings struct {
	Provider    ProviderKind
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float32

	// ScriptPath points the scripted provider at a YAML file of canned replies.
	ScriptPath string
}

type Factory func(Settings) (Invoker, error)

var factories = map[ProviderKind]Factory{
	ProviderScripted: newScriptedFromSettings,
	ProviderOpenAI:   newOpenAIFromSettings,
}

func ParseProviderKind(v string) (ProviderKind, error) {
	k := ProviderKind(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := factories[k]; !ok {
		return "", fmt.Errorf("unknown model provider %q (known: %s)", v, strings.Join(Providers(), ", "))
	}
	return k, nil
}

// Providers lists registered provider names.
func Providers() []string {
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// New builds the invoker for s.Provider.
func New(s Settings) (Invoker, error) {
	f, ok := factories[s.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown model provider %q", s.Provider)
	}
	return f(s)
}
