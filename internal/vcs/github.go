package vcs

import (
	"context"
	"fmt"

	"github.com/google/go-github/v57/github"

	"planline/internal/domain"
	"planline/internal/gh"
	"planline/internal/logging"
)

// GitHub opens and inspects pull requests.
type GitHub struct {
	Client *github.Client
	Retry  gh.RetryConfig
	Log    *logging.Logger
}

func NewGitHub(c *github.Client, log *logging.Logger) *GitHub {
	return &GitHub{Client: c, Retry: gh.DefaultRetryConfig(), Log: log}
}

func (g *GitHub) OpenPullRequest(ctx context.Context, repo domain.Repository, req PullRequestRequest) (PullRequest, error) {
	base := req.Base
	if base == "" {
		base = repo.BaseBranch
	}
	var pr *github.PullRequest
	_, err := gh.Do(ctx, g.Retry, g.Log, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		pr, resp, err = g.Client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
			Title: github.String(req.Title),
			Head:  github.String(req.Head),
			Base:  github.String(base),
			Body:  github.String(req.Body),
		})
		return resp, err
	})
	if err != nil {
		return PullRequest{}, fmt.Errorf("open pull request on %s: %w", repo.FullName(), err)
	}
	return PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Head: req.Head}, nil
}

func (g *GitHub) AddPullRequestComment(ctx context.Context, repo domain.Repository, number int, body string) error {
	_, err := gh.Do(ctx, g.Retry, g.Log, func() (*github.Response, error) {
		_, resp, err := g.Client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo.FullName(), number, err)
	}
	return nil
}

func (g *GitHub) PullRequestStats(ctx context.Context, repo domain.Repository, number int) (PullRequestStats, error) {
	var pr *github.PullRequest
	_, err := gh.Do(ctx, g.Retry, g.Log, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		pr, resp, err = g.Client.PullRequests.Get(ctx, repo.Owner, repo.Name, number)
		return resp, err
	})
	if err != nil {
		return PullRequestStats{}, fmt.Errorf("get %s#%d: %w", repo.FullName(), number, err)
	}
	return PullRequestStats{
		State:        pr.GetState(),
		Merged:       pr.GetMerged(),
		Commits:      pr.GetCommits(),
		Additions:    pr.GetAdditions(),
		Deletions:    pr.GetDeletions(),
		ChangedFiles: pr.GetChangedFiles(),
	}, nil
}
