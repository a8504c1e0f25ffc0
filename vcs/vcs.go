// Package vcs checks out the exact commit under review into a temporary
// working tree.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"golang.org/x/sync/semaphore"

	"github.com/sentinelcode/sentinel/models"
)

// Fetcher checks out a commit of a repository.
type Fetcher interface {
	FetchTree(ctx context.Context, repo *models.Repository, req *models.ScanRequest, token string) (*Tree, error)
}

// Tree is a checked-out working tree. Callers must Close it.
type Tree struct {
	Root      string
	CommitSHA string
	// Changed lists files added or modified by the commit relative to its
	// first parent, sorted. For a root commit every file is listed.
	Changed []string

	remove bool
}

// FS returns a read-only view of the working tree.
func (t *Tree) FS() fs.FS {
	return os.DirFS(t.Root)
}

// Close removes the working tree from disk.
func (t *Tree) Close() error {
	if t == nil || !t.remove {
		return nil
	}
	return os.RemoveAll(t.Root)
}

type cloneFunc func(ctx context.Context, dir string, opts *gogit.CloneOptions) (*gogit.Repository, error)

// GitClient fetches trees with go-git. Concurrent checkouts are bounded.
type GitClient struct {
	workDir string
	sem     *semaphore.Weighted
	logger  *slog.Logger
	clone   cloneFunc
}

// NewGitClient creates a client that clones under workDir (the system temp
// dir when empty) with at most maxConcurrent checkouts in progress.
func NewGitClient(workDir string, maxConcurrent int, logger *slog.Logger) *GitClient {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitClient{
		workDir: workDir,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		logger:  logger,
		clone: func(ctx context.Context, dir string, opts *gogit.CloneOptions) (*gogit.Repository, error) {
			return gogit.PlainCloneContext(ctx, dir, false, opts)
		},
	}
}

// FetchTree clones repo and checks out the requested commit. token may be
// empty for public repositories.
func (c *GitClient) FetchTree(ctx context.Context, repo *models.Repository, req *models.ScanRequest, token string) (*Tree, error) {
	sha := req.CommitSHA
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	dir, err := os.MkdirTemp(c.workDir, "sentinel-checkout-*")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp directory: %v", models.ErrCheckoutTransient, err)
	}

	opts := &gogit.CloneOptions{
		URL:        repo.RepoURL,
		NoCheckout: true,
	}
	if token != "" {
		opts.Auth = &githttp.BasicAuth{
			Username: "sentinel", // anything except an empty string
			Password: token,
		}
	}

	c.logger.Debug("cloning repository",
		slog.String("repo", repo.RepoName),
		slog.String("sha", sha),
		slog.String("dest", dir),
	)

	r, err := c.clone(ctx, dir, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, classify(ctx, fmt.Sprintf("cloning %s", repo.RepoName), err)
	}

	if err := c.fetchCommit(ctx, r, repo, req, opts.Auth); err != nil {
		os.RemoveAll(dir)
		return nil, classify(ctx, fmt.Sprintf("fetching %s", sha), err)
	}

	changed, err := checkout(r, sha)
	if err != nil {
		os.RemoveAll(dir)
		return nil, classify(ctx, fmt.Sprintf("checking out %s", sha), err)
	}

	return &Tree{Root: dir, CommitSHA: sha, Changed: changed, remove: true}, nil
}

// fetchCommit makes sure the commit is present after a clone. A clone only
// carries branches and tags, so pull request heads from forks are fetched
// from the platform's pull request ref, then by exact sha.
func (c *GitClient) fetchCommit(ctx context.Context, r *gogit.Repository, repo *models.Repository, req *models.ScanRequest, auth transport.AuthMethod) error {
	hash := plumbing.NewHash(req.CommitSHA)
	if hash.IsZero() || hasCommit(r, hash) {
		return nil
	}
	if _, err := r.Remote(gogit.DefaultRemoteName); err != nil {
		return nil
	}

	var refspecs []config.RefSpec
	if ref := pullRef(repo.Platform, req.PRNumber); ref != "" {
		refspecs = append(refspecs, config.RefSpec("+"+ref+":refs/remotes/origin/"+ref[len("refs/"):]))
	}
	refspecs = append(refspecs, config.RefSpec(hash.String()+":refs/sentinel/"+hash.String()))

	for _, refspec := range refspecs {
		c.logger.Debug("fetching commit outside branches",
			slog.String("repo", repo.RepoName),
			slog.String("refspec", refspec.String()),
		)
		err := r.FetchContext(ctx, &gogit.FetchOptions{
			RemoteName: gogit.DefaultRemoteName,
			RefSpecs:   []config.RefSpec{refspec},
			Auth:       auth,
		})
		switch {
		case err == nil, errors.Is(err, gogit.NoErrAlreadyUpToDate):
		case ctx.Err() != nil:
			return ctx.Err()
		case refspec.IsExactSHA1():
			// Servers may refuse unadvertised objects; the checkout reports
			// the commit as missing.
			c.logger.Debug("exact sha fetch failed", slog.String("repo", repo.RepoName), slog.Any("error", err))
		case errors.Is(err, gogit.NoMatchingRefSpecError{}):
		default:
			return err
		}
		if hasCommit(r, hash) {
			return nil
		}
	}
	return nil
}

func hasCommit(r *gogit.Repository, hash plumbing.Hash) bool {
	_, err := r.CommitObject(hash)
	return err == nil
}

// pullRef names the ref a platform publishes a pull request head under.
func pullRef(platform models.Platform, number *int) string {
	if number == nil {
		return ""
	}
	switch platform {
	case models.PlatformGitHub:
		return fmt.Sprintf("refs/pull/%d/head", *number)
	case models.PlatformGitLab:
		return fmt.Sprintf("refs/merge-requests/%d/head", *number)
	default:
		return ""
	}
}

// checkout moves the worktree to sha and returns the files it changed.
func checkout(r *gogit.Repository, sha string) ([]string, error) {
	hash := plumbing.NewHash(sha)
	if hash.IsZero() {
		return nil, fmt.Errorf("invalid commit sha %q: %w", sha, plumbing.ErrObjectNotFound)
	}
	commit, err := r.CommitObject(hash)
	if err != nil {
		return nil, err
	}

	wt, err := r.Worktree()
	if err != nil {
		return nil, err
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return nil, err
	}

	return changedFiles(commit)
}

// changedFiles diffs commit against its first parent.
func changedFiles(commit *object.Commit) ([]string, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	var files []string
	if commit.NumParents() == 0 {
		err := tree.Files().ForEach(func(f *object.File) error {
			files = append(files, f.Name)
			return nil
		})
		if err != nil {
			return nil, err
		}
		sort.Strings(files)
		return files, nil
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return nil, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}
	for _, ch := range changes {
		action, err := ch.Action()
		if err != nil {
			return nil, err
		}
		if action == merkletrie.Delete {
			continue
		}
		files = append(files, ch.To.Name)
	}
	sort.Strings(files)
	return files, nil
}

// classify maps go-git errors onto checkout failures. Missing repositories,
// rejected credentials and unknown commits are terminal; everything else is
// assumed to be a transient transport problem.
func classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrEmptyRemoteRepository),
		errors.Is(err, plumbing.ErrObjectNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return fmt.Errorf("%w: %s: %v", models.ErrCheckoutFailed, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", models.ErrCheckoutTransient, op, err)
	}
}

// LocalTree wraps an existing directory as a Tree that Close leaves in place.
// Every regular file outside .git is reported as changed.
func LocalTree(root, sha string) (*Tree, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			files = append(files, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return &Tree{Root: root, CommitSHA: sha, Changed: files}, nil
}
