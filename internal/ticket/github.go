package ticket

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v57/github"

	"planline/internal/domain"
	"planline/internal/gh"
	"planline/internal/logging"
)

const (
	statusLabelPrefix = "planline:"
	summaryMarker     = "<!-- planline:summary -->"
)

// GitHubIssues treats GitHub issues as tickets. Status is carried by a
// single "planline:<state>" label.
type GitHubIssues struct {
	Client *github.Client
	Retry  gh.RetryConfig
	Log    *logging.Logger
}

func NewGitHubIssues(c *github.Client, log *logging.Logger) *GitHubIssues {
	return &GitHubIssues{Client: c, Retry: gh.DefaultRetryConfig(), Log: log}
}

func (g *GitHubIssues) do(ctx context.Context, op func() (*github.Response, error)) error {
	_, err := gh.Do(ctx, g.Retry, g.Log, op)
	return err
}

func (g *GitHubIssues) PostComment(ctx context.Context, ref Ref, body string) error {
	n, err := ref.Number()
	if err != nil {
		return err
	}
	repo := ref.Repository
	err = g.do(ctx, func() (*github.Response, error) {
		_, resp, err := g.Client.Issues.CreateComment(ctx, repo.Owner, repo.Name, n, &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("comment on %s#%d: %w", repo.FullName(), n, err)
	}
	return nil
}

func (g *GitHubIssues) LinkPullRequest(ctx context.Context, ref Ref, prURL string) error {
	return g.PostComment(ctx, ref, "Pull request opened: "+prURL)
}

func (g *GitHubIssues) TransitionStatus(ctx context.Context, ref Ref, status string) error {
	n, err := ref.Number()
	if err != nil {
		return err
	}
	repo := ref.Repository
	var labels []*github.Label
	err = g.do(ctx, func() (*github.Response, error) {
		var (
			resp *github.Response
			err  error
		)
		labels, resp, err = g.Client.Issues.ListLabelsByIssue(ctx, repo.Owner, repo.Name, n, &github.ListOptions{PerPage: 100})
		return resp, err
	})
	if err != nil {
		return fmt.Errorf("list labels of %s#%d: %w", repo.FullName(), n, err)
	}
	want := statusLabelPrefix + strings.ToLower(status)
	have := false
	for _, l := range labels {
		name := l.GetName()
		if name == want {
			have = true
			continue
		}
		if !strings.HasPrefix(name, statusLabelPrefix) {
			continue
		}
		if err := g.do(ctx, func() (*github.Response, error) {
			return g.Client.Issues.RemoveLabelForIssue(ctx, repo.Owner, repo.Name, n, name)
		}); err != nil {
			return fmt.Errorf("remove label %s: %w", name, err)
		}
	}
	if !have {
		if err := g.do(ctx, func() (*github.Response, error) {
			_, resp, err := g.Client.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, n, []string{want})
			return resp, err
		}); err != nil {
			return fmt.Errorf("add label %s: %w", want, err)
		}
	}
	reason := ""
	switch domain.State(status) {
	case domain.StateCompleted:
		reason = "completed"
	case domain.StateCancelled:
		reason = "not_planned"
	default:
		return nil
	}
	return g.do(ctx, func() (*github.Response, error) {
		_, resp, err := g.Client.Issues.Edit(ctx, repo.Owner, repo.Name, n, &github.IssueRequest{
			State:       github.String("closed"),
			StateReason: github.String(reason),
		})
		return resp, err
	})
}

// UpdateSummary keeps one summary comment per issue, editing it in place.
func (g *GitHubIssues) UpdateSummary(ctx context.Context, ref Ref, summary string) error {
	n, err := ref.Number()
	if err != nil {
		return err
	}
	repo := ref.Repository
	body := summaryMarker + "\n" + summary
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var existing *github.IssueComment
	for existing == nil {
		var (
			page []*github.IssueComment
			resp *github.Response
		)
		err := g.do(ctx, func() (*github.Response, error) {
			var err error
			page, resp, err = g.Client.Issues.ListComments(ctx, repo.Owner, repo.Name, n, opts)
			return resp, err
		})
		if err != nil {
			return fmt.Errorf("list comments of %s#%d: %w", repo.FullName(), n, err)
		}
		for _, c := range page {
			if strings.HasPrefix(c.GetBody(), summaryMarker) {
				existing = c
				break
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	if existing == nil {
		return g.PostComment(ctx, ref, body)
	}
	return g.do(ctx, func() (*github.Response, error) {
		_, resp, err := g.Client.Issues.EditComment(ctx, repo.Owner, repo.Name, existing.GetID(), &github.IssueComment{Body: github.String(body)})
		return resp, err
	})
}

func (g *GitHubIssues) SetLabels(ctx context.Context, ref Ref, labels []string) error {
	n, err := ref.Number()
	if err != nil {
		return err
	}
	repo := ref.Repository
	return g.do(ctx, func() (*github.Response, error) {
		_, resp, err := g.Client.Issues.ReplaceLabelsForIssue(ctx, repo.Owner, repo.Name, n, labels)
		return resp, err
	})
}
