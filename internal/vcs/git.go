package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"planline/internal/domain"
	"planline/internal/logging"
)

// GitWorkspace keeps one working clone per repository under Root.
type GitWorkspace struct {
	Root        string
	Token       string
	AuthorName  string
	AuthorEmail string
	Cache       *RepoCache
	Log         *logging.Logger
	Now         func() time.Time
}

// NewGitWorkspace returns a workspace whose cache deletes clones it evicts.
func NewGitWorkspace(root, token string, cacheSize int, ttl time.Duration, log *logging.Logger) (*GitWorkspace, error) {
	if log == nil {
		log = logging.Nop()
	}
	cache, err := NewRepoCache(cacheSize, ttl, func(key, path string) {
		if err := os.RemoveAll(path); err != nil {
			log.Warn(context.Background(), "remove evicted clone", zap.String("repo", key), zap.Error(err))
		}
	})
	if err != nil {
		return nil, err
	}
	return &GitWorkspace{
		Root:        root,
		Token:       token,
		AuthorName:  "planline",
		AuthorEmail: "planline@localhost",
		Cache:       cache,
		Log:         log,
		Now:         time.Now,
	}, nil
}

func (g *GitWorkspace) log() *logging.Logger {
	if g.Log == nil {
		return logging.Nop()
	}
	return g.Log
}

func (g *GitWorkspace) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Dir returns the clone directory for repo.
func (g *GitWorkspace) Dir(repo domain.Repository) string {
	return filepath.Join(g.Root, repo.Owner, repo.Name)
}

func (g *GitWorkspace) auth() transport.AuthMethod {
	if g.Token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: g.Token}
}

func cloneURL(repo domain.Repository) string {
	if repo.CloneURL != "" {
		return repo.CloneURL
	}
	return fmt.Sprintf("https://github.com/%s.git", repo.FullName())
}

// CloneOrFetch makes sure an up to date clone exists and returns its path.
// A clone fetched within the cache TTL is returned without network access.
func (g *GitWorkspace) CloneOrFetch(ctx context.Context, repo domain.Repository) (string, error) {
	key := repo.FullName()
	if g.Cache != nil {
		if path, ok := g.Cache.Fresh(key); ok {
			return path, nil
		}
	}
	dir := g.Dir(repo)
	r, err := git.PlainOpen(dir)
	switch {
	case err == nil:
		err = r.FetchContext(ctx, &git.FetchOptions{RemoteName: "origin", Auth: g.auth(), Force: true})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) && !errors.Is(err, git.ErrRemoteNotFound) {
			return "", fmt.Errorf("fetch %s: %w", key, err)
		}
		g.log().Debug(ctx, "fetched clone", zap.String("repo", key))
	case errors.Is(err, git.ErrRepositoryNotExists):
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", err
		}
		if _, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{URL: cloneURL(repo), Auth: g.auth()}); err != nil {
			return "", fmt.Errorf("clone %s: %w", key, err)
		}
		g.log().Info(ctx, "cloned repository", zap.String("repo", key), zap.String("dir", dir))
	default:
		return "", fmt.Errorf("open %s: %w", key, err)
	}
	if g.Cache != nil {
		g.Cache.Put(key, dir)
	}
	return dir, nil
}

// CreateBranch checks out branch, creating it from the base branch when it
// does not exist yet.
func (g *GitWorkspace) CreateBranch(ctx context.Context, repo domain.Repository, branch string) error {
	r, wt, err := g.open(repo)
	if err != nil {
		return err
	}
	name := plumbing.NewBranchReferenceName(branch)
	if _, err := r.Reference(name, true); err == nil {
		return wt.Checkout(&git.CheckoutOptions{Branch: name, Force: true})
	}
	base, err := baseHash(r, repo.BaseBranch)
	if err != nil {
		return fmt.Errorf("resolve base of %s: %w", repo.FullName(), err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: name, Hash: base, Create: true, Force: true}); err != nil {
		return fmt.Errorf("create branch %s: %w", branch, err)
	}
	return nil
}

func baseHash(r *git.Repository, base string) (plumbing.Hash, error) {
	if base == "" {
		head, err := r.Head()
		if err != nil {
			return plumbing.ZeroHash, err
		}
		return head.Hash(), nil
	}
	for _, rev := range []string{"refs/remotes/origin/" + base, "refs/heads/" + base} {
		if h, err := r.ResolveRevision(plumbing.Revision(rev)); err == nil {
			return *h, nil
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("branch %s not found", base)
}

// Commit writes files into the checked out branch and commits them.
func (g *GitWorkspace) Commit(ctx context.Context, repo domain.Repository, files []FileChange, message string) (string, error) {
	if len(files) == 0 {
		return "", errors.New("nothing to commit")
	}
	_, wt, err := g.open(repo)
	if err != nil {
		return "", err
	}
	dir := g.Dir(repo)
	for _, f := range files {
		rel, err := cleanPath(f.Path)
		if err != nil {
			return "", err
		}
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(full, []byte(f.Content), 0o644); err != nil {
			return "", err
		}
		if _, err := wt.Add(filepath.ToSlash(rel)); err != nil {
			return "", fmt.Errorf("stage %s: %w", rel, err)
		}
	}
	hash, err := wt.Commit(message, &git.CommitOptions{Author: &object.Signature{
		Name:  g.AuthorName,
		Email: g.AuthorEmail,
		When:  g.now(),
	}})
	if err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	g.log().Info(ctx, "committed files", zap.String("repo", repo.FullName()), zap.Int("files", len(files)), zap.String("sha", hash.String()))
	return hash.String(), nil
}

// Push publishes branch to origin.
func (g *GitWorkspace) Push(ctx context.Context, repo domain.Repository, branch string) error {
	r, _, err := g.open(repo)
	if err != nil {
		return err
	}
	spec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err = r.PushContext(ctx, &git.PushOptions{RemoteName: "origin", RefSpecs: []gitconfig.RefSpec{spec}, Auth: g.auth()})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("push %s: %w", branch, err)
	}
	return nil
}

func (g *GitWorkspace) open(repo domain.Repository) (*git.Repository, *git.Worktree, error) {
	r, err := git.PlainOpen(g.Dir(repo))
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", repo.FullName(), err)
	}
	wt, err := r.Worktree()
	if err != nil {
		return nil, nil, err
	}
	return r, wt, nil
}

func cleanPath(p string) (string, error) {
	c := filepath.Clean(filepath.FromSlash(strings.TrimSpace(p)))
	if c == "." || c == "" || filepath.IsAbs(c) || c == ".." || strings.HasPrefix(c, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	if c == ".git" || strings.HasPrefix(c, ".git"+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return c, nil
}
