// Package vcs is the version control boundary: local clones driven by
// go-git and pull requests on GitHub.
package vcs

import (
	"context"
	"errors"

	"planline/internal/domain"
)

var ErrInvalidPath = errors.New("invalid file path")

type FileChange struct {
	Path    string
	Content string
}

type PullRequestRequest struct {
	Head  string
	Base  string
	Title string
	Body  string
}

type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Head   string `json:"head"`
}

type PullRequestStats struct {
	State        string `json:"state"`
	Merged       bool   `json:"merged"`
	Commits      int    `json:"commits"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
	ChangedFiles int    `json:"changed_files"`
}

// Client is everything the orchestrator needs from version control.
type Client interface {
	CloneOrFetch(ctx context.Context, repo domain.Repository) (string, error)
	CreateBranch(ctx context.Context, repo domain.Repository, branch string) error
	Commit(ctx context.Context, repo domain.Repository, files []FileChange, message string) (string, error)
	Push(ctx context.Context, repo domain.Repository, branch string) error
	OpenPullRequest(ctx context.Context, repo domain.Repository, req PullRequestRequest) (PullRequest, error)
	AddPullRequestComment(ctx context.Context, repo domain.Repository, number int, body string) error
	PullRequestStats(ctx context.Context, repo domain.Repository, number int) (PullRequestStats, error)
}

// Git combines local workspace operations with a pull request host.
type Git struct {
	Local  *GitWorkspace
	Remote *GitHub
}

func (g Git) CloneOrFetch(ctx context.Context, repo domain.Repository) (string, error) {
	return g.Local.CloneOrFetch(ctx, repo)
}

func (g Git) CreateBranch(ctx context.Context, repo domain.Repository, branch string) error {
	return g.Local.CreateBranch(ctx, repo, branch)
}

func (g Git) Commit(ctx context.Context, repo domain.Repository, files []FileChange, message string) (string, error) {
	return g.Local.Commit(ctx, repo, files, message)
}

func (g Git) Push(ctx context.Context, repo domain.Repository, branch string) error {
	return g.Local.Push(ctx, repo, branch)
}

func (g Git) OpenPullRequest(ctx context.Context, repo domain.Repository, req PullRequestRequest) (PullRequest, error) {
	return g.Remote.OpenPullRequest(ctx, repo, req)
}

func (g Git) AddPullRequestComment(ctx context.Context, repo domain.Repository, number int, body string) error {
	return g.Remote.AddPullRequestComment(ctx, repo, number, body)
}

func (g Git) PullRequestStats(ctx context.Context, repo domain.Repository, number int) (PullRequestStats, error) {
	return g.Remote.PullRequestStats(ctx, repo, number)
}

var (
	_ Client = Git{}
	_ Client = (*Memory)(nil)
)
