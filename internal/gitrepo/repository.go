// Package gitrepo drives the git CLI for the working copy that session credentials are
// published from. All commands target a specific directory via -C.
package gitrepo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Repository is a git repository or working tree at a specific directory.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command in this repository and returns stdout. Stderr is
// included in the error on failure. Git never prompts for credentials.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	fullArgs := append([]string{"-C", r.dir}, args...)
	var stdout, stderr bytes.Buffer
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(redact(args), " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// redact hides userinfo in URL arguments so tokens embedded in remote URLs never reach logs.
func redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		scheme, rest, ok := strings.Cut(a, "://")
		if at := strings.LastIndex(rest, "@"); ok && at >= 0 && !strings.Contains(rest[:at], "/") {
			a = scheme + "://***@" + rest[at+1:]
		}
		out[i] = a
	}
	return out
}
