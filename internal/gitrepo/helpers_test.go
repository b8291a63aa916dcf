package gitrepo

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// initRemote creates a bare repository whose main branch has one commit with a README
// and returns its path.
func initRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	remote := filepath.Join(dir, "remote.git")
	seed := filepath.Join(dir, "seed")

	gitCmd(t, "", "init", "--bare", remote)
	gitCmd(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")
	gitCmd(t, "", "init", seed)
	gitCmd(t, seed, "checkout", "-b", "main")
	if err := os.WriteFile(filepath.Join(seed, "README"), []byte("bot\n"), 0o644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	gitCmd(t, seed, "add", "README")
	gitCmd(t, seed, "commit", "-m", "initial")
	gitCmd(t, seed, "push", remote, "main")
	return remote
}

// gitCmd runs git in dir (or the current directory when dir is empty) with a fixed identity.
func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	command := exec.Command("git", args...)
	command.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@test.local",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@test.local",
	)
	output, err := command.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, output)
	}
	return string(output)
}
