package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Options configures a Workspace.
type Options struct {
	RemoteURL   string
	Dir         string // local working copy
	Branch      string // main line
	AuthorName  string
	AuthorEmail string
}

// Workspace is the single shared working copy of the credentials repository. Every operation
// that touches the working tree or the remote holds the workspace lock, so publishes from
// different sessions never interleave.
type Workspace struct {
	mu     sync.Mutex
	opts   Options
	repo   *Repository
	parent *Repository
}

// NewWorkspace validates opts and prepares the parent directory of the working copy.
func NewWorkspace(opts Options) (*Workspace, error) {
	if opts.RemoteURL == "" {
		return nil, errors.New("gitrepo: remote URL is empty")
	}
	if opts.Dir == "" || opts.Branch == "" {
		return nil, errors.New("gitrepo: working directory and branch are required")
	}
	dir, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, err
	}
	opts.Dir = dir
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("gitrepo: create parent of %s: %w", dir, err)
	}
	return &Workspace{
		opts:   opts,
		repo:   NewRepository(dir),
		parent: NewRepository(filepath.Dir(dir)),
	}, nil
}

// Dir returns the working copy directory.
func (w *Workspace) Dir() string {
	return w.opts.Dir
}

// Sync brings the working copy up to date with the remote main line, cloning it if absent.
func (w *Workspace) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync(ctx)
}

func (w *Workspace) sync(ctx context.Context) error {
	cloned, err := w.ensureClone(ctx)
	if err != nil || cloned {
		return err
	}
	steps := [][]string{
		{"fetch", "--prune", "origin"},
		{"checkout", "-f", w.opts.Branch},
		{"clean", "-fdx"},
		{"pull", "--ff-only", "origin", w.opts.Branch},
	}
	for _, args := range steps {
		if _, err := w.repo.Run(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) ensureClone(ctx context.Context) (bool, error) {
	if _, err := os.Stat(filepath.Join(w.opts.Dir, ".git")); err == nil {
		return false, nil
	}
	if entries, err := os.ReadDir(w.opts.Dir); err == nil && len(entries) > 0 {
		return false, fmt.Errorf("gitrepo: %s exists and is not a git working copy", w.opts.Dir)
	}
	_, err := w.parent.Run(ctx, "clone", "--branch", w.opts.Branch, w.opts.RemoteURL, w.opts.Dir)
	return err == nil, err
}

// Publish cuts ref from the freshly synced main line, lets write populate the working tree,
// commits everything with message and force-pushes ref. It returns the new commit hash.
// The working copy is always returned to the main line and the local ref deleted.
func (w *Workspace) Publish(ctx context.Context, ref, message string, write func(dir string) error) (string, error) {
	if ref == "" || ref == w.opts.Branch {
		return "", fmt.Errorf("gitrepo: refusing to publish on %q", ref)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.sync(ctx); err != nil {
		return "", err
	}
	if _, err := w.repo.Run(ctx, "checkout", "-B", ref); err != nil {
		return "", err
	}
	defer w.restore(ref)

	if err := write(w.opts.Dir); err != nil {
		return "", fmt.Errorf("gitrepo: write working tree: %w", err)
	}
	if _, err := w.repo.Run(ctx, "add", "-A"); err != nil {
		return "", err
	}
	if _, err := w.repo.Run(ctx,
		"-c", "user.name="+w.opts.AuthorName,
		"-c", "user.email="+w.opts.AuthorEmail,
		"commit", "--allow-empty", "-m", message); err != nil {
		return "", err
	}
	out, err := w.repo.Run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	commit := strings.TrimSpace(out)
	if _, err := w.repo.Run(ctx, "push", "--force", "origin", "HEAD:refs/heads/"+ref); err != nil {
		return "", err
	}
	return commit, nil
}

// restore puts the working copy back on the main line. It runs with its own context so that
// a cancelled publish still leaves a clean tree for the next caller.
func (w *Workspace) restore(ref string) {
	ctx := context.Background()
	if _, err := w.repo.Run(ctx, "checkout", "-f", w.opts.Branch); err != nil {
		return
	}
	_, _ = w.repo.Run(ctx, "branch", "-D", ref)
}

// RemoteRef returns the commit ref points at on the remote. ok is false when the ref does not exist.
func (w *Workspace) RemoteRef(ctx context.Context, ref string) (commit string, ok bool, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remoteRef(ctx, ref)
}

func (w *Workspace) remoteRef(ctx context.Context, ref string) (string, bool, error) {
	out, err := w.parent.Run(ctx, "ls-remote", "--heads", w.opts.RemoteURL, "refs/heads/"+ref)
	if err != nil {
		return "", false, err
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		hash, name, found := strings.Cut(line, "\t")
		if found && name == "refs/heads/"+ref {
			return hash, true, nil
		}
	}
	return "", false, nil
}

// DeleteRemoteRef deletes ref on the remote only if it still points at commit.
func (w *Workspace) DeleteRemoteRef(ctx context.Context, ref, commit string) error {
	if ref == "" || ref == w.opts.Branch {
		return fmt.Errorf("gitrepo: refusing to delete %q", ref)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.ensureClone(ctx); err != nil {
		return err
	}
	_, err := w.repo.Run(ctx, "push",
		"--force-with-lease=refs/heads/"+ref+":"+commit,
		"origin", ":refs/heads/"+ref)
	return err
}
