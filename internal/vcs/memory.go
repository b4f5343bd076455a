package vcs

import (
	"context"
	"fmt"
	"sync"

	"planline/internal/domain"
)

// Memory is an in-process Client that records every call.
type Memory struct {
	mu       sync.Mutex
	Branches map[string][]string
	Commits  []MemoryCommit
	Pushed   []string
	PRs      []PullRequest
	Comments map[int][]string
	Stats    PullRequestStats

	// Err, when set, is returned by the next call to the named method.
	Err map[string]error
}

type MemoryCommit struct {
	Repo    string
	Files   []FileChange
	Message string
}

func NewMemory() *Memory {
	return &Memory{
		Branches: map[string][]string{},
		Comments: map[int][]string{},
		Err:      map[string]error{},
	}
}

func (m *Memory) fail(method string) error {
	if err, ok := m.Err[method]; ok {
		delete(m.Err, method)
		return err
	}
	return nil
}

// FailNext makes the next call to method return err.
func (m *Memory) FailNext(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err[method] = err
}

func (m *Memory) CloneOrFetch(ctx context.Context, repo domain.Repository) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CloneOrFetch"); err != nil {
		return "", err
	}
	return "mem://" + repo.FullName(), nil
}

func (m *Memory) CreateBranch(ctx context.Context, repo domain.Repository, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateBranch"); err != nil {
		return err
	}
	key := repo.FullName()
	for _, b := range m.Branches[key] {
		if b == branch {
			return nil
		}
	}
	m.Branches[key] = append(m.Branches[key], branch)
	return nil
}

func (m *Memory) Commit(ctx context.Context, repo domain.Repository, files []FileChange, message string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Commit"); err != nil {
		return "", err
	}
	for _, f := range files {
		if _, err := cleanPath(f.Path); err != nil {
			return "", err
		}
	}
	m.Commits = append(m.Commits, MemoryCommit{Repo: repo.FullName(), Files: files, Message: message})
	return fmt.Sprintf("%040d", len(m.Commits)), nil
}

func (m *Memory) Push(ctx context.Context, repo domain.Repository, branch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("Push"); err != nil {
		return err
	}
	m.Pushed = append(m.Pushed, branch)
	return nil
}

func (m *Memory) OpenPullRequest(ctx context.Context, repo domain.Repository, req PullRequestRequest) (PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("OpenPullRequest"); err != nil {
		return PullRequest{}, err
	}
	n := len(m.PRs) + 1
	pr := PullRequest{Number: n, URL: fmt.Sprintf("https://github.com/%s/pull/%d", repo.FullName(), n), Head: req.Head}
	m.PRs = append(m.PRs, pr)
	return pr, nil
}

func (m *Memory) AddPullRequestComment(ctx context.Context, repo domain.Repository, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("AddPullRequestComment"); err != nil {
		return err
	}
	m.Comments[number] = append(m.Comments[number], body)
	return nil
}

func (m *Memory) PullRequestStats(ctx context.Context, repo domain.Repository, number int) (PullRequestStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("PullRequestStats"); err != nil {
		return PullRequestStats{}, err
	}
	return m.Stats, nil
}

// CommitCount returns the number of recorded commits.
func (m *Memory) CommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Commits)
}
