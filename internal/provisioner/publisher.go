package provisioner

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/spf13/afero"

	"session-provisioner/internal/pairing"
	"session-provisioner/internal/session/domain"
)

// Publication is the branch and commit one publish produced.
type Publication struct {
	Ref    string
	Commit string
}

// Publisher copies a session's credential files into the shared workspace and pushes
// them on the user's own branch.
type Publisher struct {
	workspace  Workspace
	fs         afero.Fs
	subdir     string
	buildpacks []string
}

// NewPublisher returns a publisher writing into workspace through fs (normally afero.NewOsFs).
// subdir is the directory inside the repository that receives the credential files.
func NewPublisher(workspace Workspace, fs afero.Fs, subdir string, buildpacks []string) *Publisher {
	if subdir == "" {
		subdir = "session"
	}
	return &Publisher{workspace: workspace, fs: fs, subdir: subdir, buildpacks: buildpacks}
}

// SessionRef is the branch a user's credentials are published on.
func SessionRef(userID string) string {
	return "sessions/" + domain.UserKey(userID)
}

// Publish commits the credentials in store together with the app manifest for appName.
func (p *Publisher) Publish(ctx context.Context, userID, appName string, store *pairing.CredentialStore) (Publication, error) {
	files, err := store.Snapshot()
	if err != nil {
		return Publication{}, fmt.Errorf("read credentials: %w", err)
	}
	if len(files) == 0 {
		return Publication{}, errors.New("no credentials captured for session")
	}
	manifest, err := NewManifest(appName, userID, p.buildpacks).Marshal()
	if err != nil {
		return Publication{}, fmt.Errorf("encode manifest: %w", err)
	}

	ref := SessionRef(userID)
	commit, err := p.workspace.Publish(ctx, ref, "Publish session credentials for "+userID, func(dir string) error {
		tree := afero.NewBasePathFs(p.fs, dir)
		if err := tree.RemoveAll(p.subdir); err != nil {
			return err
		}
		if err := tree.MkdirAll(p.subdir, 0o755); err != nil {
			return err
		}
		for name, data := range files {
			if err := afero.WriteFile(tree, path.Join(p.subdir, name), data, 0o600); err != nil {
				return err
			}
		}
		return afero.WriteFile(tree, ManifestFile, manifest, 0o644)
	})
	if err != nil {
		return Publication{}, err
	}
	return Publication{Ref: ref, Commit: commit}, nil
}
