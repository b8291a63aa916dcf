package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// compensateTimeout bounds the app deletion after a failed deploy.
const compensateTimeout = 30 * time.Second

// Deployment is a platform app created and built from a publication.
type Deployment struct {
	App     string
	WebURL  string
	BuildID string
}

// Deployer creates one platform app per user and builds it from the published branch.
type Deployer struct {
	platform  Platform
	sourceURL string
	extra     map[string]string
	logger    *slog.Logger
}

// NewDeployer returns a deployer. sourceURL is the build source tarball; "{ref}" and "{commit}"
// are replaced by the publication. extra config vars are set on every app.
func NewDeployer(platform Platform, sourceURL string, extra map[string]string, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deployer{platform: platform, sourceURL: sourceURL, extra: extra, logger: logger}
}

// SourceURL returns the build source for pub.
func (d *Deployer) SourceURL(pub Publication) string {
	return strings.NewReplacer("{ref}", pub.Ref, "{commit}", pub.Commit).Replace(d.sourceURL)
}

// Deploy creates appName, sets its config vars and starts a build of pub.
// An app created by a deploy that later fails is deleted again.
func (d *Deployer) Deploy(ctx context.Context, userID, appName string, pub Publication) (dep Deployment, err error) {
	if d.sourceURL == "" {
		return Deployment{}, errors.New("source tarball url is not configured")
	}
	app, err := d.platform.CreateApp(ctx, appName)
	if err != nil {
		return Deployment{}, fmt.Errorf("create app: %w", err)
	}
	defer func() {
		if err != nil {
			d.compensate(ctx, app.Name)
		}
	}()

	vars := make(map[string]string, len(d.extra)+1)
	for k, v := range d.extra {
		vars[k] = v
	}
	vars["USER_ID"] = userID
	if err := d.platform.SetConfigVars(ctx, app.Name, vars); err != nil {
		return Deployment{}, fmt.Errorf("set config vars: %w", err)
	}
	build, err := d.platform.CreateBuild(ctx, app.Name, d.SourceURL(pub), pub.Commit)
	if err != nil {
		return Deployment{}, fmt.Errorf("create build: %w", err)
	}
	return Deployment{App: app.Name, WebURL: app.WebURL, BuildID: build.ID}, nil
}

func (d *Deployer) compensate(ctx context.Context, app string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensateTimeout)
	defer cancel()
	if err := d.platform.DeleteApp(ctx, app); err != nil {
		d.logger.Warn("provisioner: delete app after failed deploy", "app", app, "error", err)
		return
	}
	d.logger.Info("provisioner: deleted app after failed deploy", "app", app)
}
