package vcs_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"planline/internal/domain"
	"planline/internal/gh"
	"planline/internal/vcs"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestRepoCacheExpiryIsAbsolute(t *testing.T) {
	c, err := vcs.NewRepoCache(4, 10*time.Minute, nil)
	require.NoError(t, err)
	now := testNow
	c.SetClock(func() time.Time { return now })

	c.Put("acme/shop", "/clones/acme/shop")
	path, ok := c.Fresh("acme/shop")
	require.True(t, ok)
	assert.Equal(t, "/clones/acme/shop", path)

	now = now.Add(9 * time.Minute)
	_, ok = c.Fresh("acme/shop")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Fresh("acme/shop")
	assert.False(t, ok, "reads must not extend the window")
	assert.Equal(t, 1, c.Len(), "expired entries stay until refreshed or evicted")

	c.Put("acme/shop", "/clones/acme/shop")
	_, ok = c.Fresh("acme/shop")
	assert.True(t, ok)
}

func TestRepoCacheEvictsLeastRecentlyUsed(t *testing.T) {
	evicted := map[string]string{}
	c, err := vcs.NewRepoCache(2, time.Hour, func(key, path string) { evicted[key] = path })
	require.NoError(t, err)

	c.Put("a/one", "/c/a/one")
	c.Put("b/two", "/c/b/two")
	_, _ = c.Fresh("a/one")
	c.Put("c/three", "/c/c/three")

	assert.Equal(t, map[string]string{"b/two": "/c/b/two"}, evicted)
	_, ok := c.Fresh("a/one")
	assert.True(t, ok)
}

func initRepo(t *testing.T, dir string) *git.Repository {
	t.Helper()
	r, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# shop\n"), 0o644))
	wt, err := r.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: testNow}})
	require.NoError(t, err)
	return r
}

func TestGitWorkspaceBranchAndCommit(t *testing.T) {
	ctx := context.Background()
	ws, err := vcs.NewGitWorkspace(t.TempDir(), "", 4, time.Minute, nil)
	require.NoError(t, err)
	ws.Now = func() time.Time { return testNow }
	repo := domain.Repository{Owner: "acme", Name: "shop", BaseBranch: "master"}
	r := initRepo(t, ws.Dir(repo))

	path, err := ws.CloneOrFetch(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, ws.Dir(repo), path)
	assert.Equal(t, 1, ws.Cache.Len())

	require.NoError(t, ws.CreateBranch(ctx, repo, "planline/wi-1"))
	sha, err := ws.Commit(ctx, repo, []vcs.FileChange{{Path: "docs/plans/wi-1.md", Content: "# Plan\n"}}, "Add plan")
	require.NoError(t, err)

	head, err := r.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/planline/wi-1", head.Name().String())
	assert.Equal(t, sha, head.Hash().String())
	commit, err := r.CommitObject(head.Hash())
	require.NoError(t, err)
	assert.Equal(t, "Add plan", commit.Message)
	_, err = commit.File("docs/plans/wi-1.md")
	assert.NoError(t, err)

	// checking out an existing branch is not an error
	require.NoError(t, ws.CreateBranch(ctx, repo, "planline/wi-1"))
}

func TestGitWorkspaceRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	ws, err := vcs.NewGitWorkspace(t.TempDir(), "", 4, time.Minute, nil)
	require.NoError(t, err)
	repo := domain.Repository{Owner: "acme", Name: "shop", BaseBranch: "master"}
	initRepo(t, ws.Dir(repo))

	for _, p := range []string{"../outside.txt", "/etc/passwd", ".git/config", ""} {
		_, err := ws.Commit(ctx, repo, []vcs.FileChange{{Path: p, Content: "x"}}, "bad")
		assert.True(t, errors.Is(err, vcs.ErrInvalidPath), "path %q: %v", p, err)
	}
}

func TestGitHubOpensPullRequestAgainstBaseBranch(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number":12,"html_url":"https://github.com/acme/shop/pull/12"}`))
	})
	mux.HandleFunc("/repos/acme/shop/pulls/12", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"number":12,"state":"open","commits":2,"additions":40,"deletions":3,"changed_files":4}`))
	})
	mux.HandleFunc("/repos/acme/shop/issues/12/comments", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := gh.NewClient(context.Background(), "token", srv.URL)
	require.NoError(t, err)
	g := vcs.NewGitHub(client, nil)
	repo := domain.Repository{Owner: "acme", Name: "shop", BaseBranch: "main"}

	pr, err := g.OpenPullRequest(context.Background(), repo, vcs.PullRequestRequest{Head: "planline/wi-1", Title: "Export orders"})
	require.NoError(t, err)
	assert.Equal(t, 12, pr.Number)
	assert.Equal(t, "https://github.com/acme/shop/pull/12", pr.URL)
	assert.Equal(t, "main", got["base"])
	assert.Equal(t, "planline/wi-1", got["head"])

	stats, err := g.PullRequestStats(context.Background(), repo, 12)
	require.NoError(t, err)
	assert.Equal(t, vcs.PullRequestStats{State: "open", Commits: 2, Additions: 40, Deletions: 3, ChangedFiles: 4}, stats)
	require.NoError(t, g.AddPullRequestComment(context.Background(), repo, 12, "LGTM"))
}
