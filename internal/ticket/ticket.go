// Package ticket mirrors work item progress back to the ticket that started it.
package ticket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"planline/internal/domain"
)

var ErrInvalidRef = errors.New("invalid ticket reference")

// Ref points at one ticket.
type Ref struct {
	Repository domain.Repository
	Key        string
}

// RefFor returns the ticket reference of a work item.
func RefFor(w domain.WorkItem) Ref {
	return Ref{Repository: w.Repository, Key: w.ExternalKey}
}

// Number parses keys such as "42", "#42" or "acme/shop#42".
func (r Ref) Number() (int, error) {
	k := r.Key
	if i := strings.LastIndex(k, "#"); i >= 0 {
		k = k[i+1:]
	}
	n, err := strconv.Atoi(strings.TrimSpace(k))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRef, r.Key)
	}
	return n, nil
}

type System interface {
	PostComment(ctx context.Context, ref Ref, body string) error
	LinkPullRequest(ctx context.Context, ref Ref, prURL string) error
	TransitionStatus(ctx context.Context, ref Ref, status string) error
	UpdateSummary(ctx context.Context, ref Ref, summary string) error
	SetLabels(ctx context.Context, ref Ref, labels []string) error
}

// Call is one recorded System invocation.
type Call struct {
	Op    string
	Key   string
	Value string
}

// Recorder is a System that remembers calls in order.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *Recorder) record(op string, ref Ref, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Op: op, Key: ref.Key, Value: value})
	return nil
}

func (r *Recorder) PostComment(_ context.Context, ref Ref, body string) error {
	return r.record("comment", ref, body)
}

func (r *Recorder) LinkPullRequest(_ context.Context, ref Ref, prURL string) error {
	return r.record("link", ref, prURL)
}

func (r *Recorder) TransitionStatus(_ context.Context, ref Ref, status string) error {
	return r.record("status", ref, status)
}

func (r *Recorder) UpdateSummary(_ context.Context, ref Ref, summary string) error {
	return r.record("summary", ref, summary)
}

func (r *Recorder) SetLabels(_ context.Context, ref Ref, labels []string) error {
	return r.record("labels", ref, strings.Join(labels, ","))
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Values returns the values recorded for op in call order.
func (r *Recorder) Values(op string) []string {
	var out []string
	for _, c := range r.Calls() {
		if c.Op == op {
			out = append(out, c.Value)
		}
	}
	return out
}

// Nop discards every update.
type Nop struct{}

func (Nop) PostComment(context.Context, Ref, string) error      { return nil }
func (Nop) LinkPullRequest(context.Context, Ref, string) error  { return nil }
func (Nop) TransitionStatus(context.Context, Ref, string) error { return nil }
func (Nop) UpdateSummary(context.Context, Ref, string) error    { return nil }
func (Nop) SetLabels(context.Context, Ref, []string) error      { return nil }

var (
	_ System = (*Recorder)(nil)
	_ System = Nop{}
	_ System = (*GitHubIssues)(nil)
)
