package provisioner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"session-provisioner/internal/pairing"
	"session-provisioner/internal/policy/engine"
	"session-provisioner/internal/session/registry"
	"session-provisioner/internal/telemetry"
	userdomain "session-provisioner/internal/user/domain"
)

type harness struct {
	svc      *Service
	reaper   *Reaper
	registry *registry.Registry
	users    *memUsers
	jobs     *memJobs
	proto    *fakeProtocol
	ws       *fakeWorkspace
	platform *fakePlatform
	events   *recordingEmitter
	fs       afero.Fs
}

func newHarness(t *testing.T, admission engine.Evaluator) *harness {
	t.Helper()
	h := &harness{
		registry: registry.New(),
		users:    newMemUsers(),
		jobs:     &memJobs{},
		proto:    &fakeProtocol{},
		platform: newFakePlatform(),
		events:   &recordingEmitter{},
		fs:       afero.NewMemMapFs(),
	}
	h.ws = newFakeWorkspace(h.fs)
	logger := discardLogger()
	h.svc = NewService(Config{SessionsDir: "/sessions", AppPrefix: "bot", CleanupGrace: time.Minute}, Deps{
		Users:     h.users,
		Jobs:      h.jobs,
		Registry:  h.registry,
		Protocol:  h.proto,
		Admission: admission,
		Publisher: NewPublisher(h.ws, h.fs, "session", []string{"heroku/nodejs"}),
		Deployer:  NewDeployer(h.platform, "https://git.example.com/archive/{ref}.tar.gz", map[string]string{"NODE_ENV": "production"}, logger),
		Events:    h.events,
		Fs:        h.fs,
		Logger:    logger,
	})
	h.reaper = NewReaper(ReaperConfig{SessionsDir: "/sessions"}, h.jobs, h.users, h.ws, h.fs, h.events, logger)
	t.Cleanup(func() { h.svc.Close() })
	return h
}

func (h *harness) pair(t *testing.T, userID string) (string, *fakeHandle) {
	t.Helper()
	sessionID, code, err := h.svc.StartPairing(context.Background(), userID, "+1 (555) 123-4567")
	if err != nil {
		t.Fatalf("StartPairing(%s): %v", userID, err)
	}
	if code == "" || sessionID == "" {
		t.Fatalf("StartPairing(%s) = %q, %q", userID, sessionID, code)
	}
	return sessionID, h.proto.last()
}

func connect(handle *fakeHandle) {
	handle.send(pairing.Event{Kind: pairing.EventCredentialsUpdate, Credentials: map[string][]byte{
		"creds.json": []byte(`{"me":"15551234567"}`),
	}})
	handle.send(pairing.Event{Kind: pairing.EventConnectionUpdate, Connection: pairing.ConnectionConnecting})
	handle.send(pairing.Event{Kind: pairing.EventConnectionUpdate, Connection: pairing.ConnectionOpen})
}

func (h *harness) waitStatus(t *testing.T, userID string, want userdomain.Status) userdomain.Record {
	t.Helper()
	var rec userdomain.Record
	waitFor(t, "status "+string(want), func() bool {
		var ok bool
		rec, ok = h.users.get(userID)
		return ok && rec.Status == want
	})
	return rec
}

func TestStartPairing_FullLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	sessionID, handle := h.pair(t, "u1")

	if !strings.HasPrefix(sessionID, "u1-bb82030dbc2bcaba_") {
		t.Errorf("session id = %q, want user key prefix", sessionID)
	}
	rec, _ := h.users.get("u1")
	if rec.Status != userdomain.StatusPairing || rec.PhoneNumber != "15551234567" || rec.SessionID != sessionID {
		t.Fatalf("record after pairing = %+v", rec)
	}
	if h.registry.GetByUser("u1") == nil {
		t.Fatal("session should be registered")
	}

	connect(handle)
	rec = h.waitStatus(t, "u1", userdomain.StatusDeployed)
	if rec.ConnectedAt == nil || rec.DeployedAt == nil {
		t.Errorf("timestamps not set: %+v", rec)
	}
	if rec.PublishRef != SessionRef("u1") || rec.PublishCommit == "" {
		t.Errorf("publication = %q@%q", rec.PublishRef, rec.PublishCommit)
	}
	if !strings.HasPrefix(rec.HerokuApp, "bot-u1-") || rec.LastError != "" {
		t.Errorf("HerokuApp = %q, LastError = %q", rec.HerokuApp, rec.LastError)
	}

	tree := h.ws.tree(rec.PublishCommit)
	if string(tree["session/creds.json"]) != `{"me":"15551234567"}` {
		t.Errorf("published credentials = %q", tree["session/creds.json"])
	}
	var manifest Manifest
	if err := json.Unmarshal(tree[ManifestFile], &manifest); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if manifest.Name != rec.HerokuApp || manifest.Env["USER_ID"].Value != "u1" || !manifest.Env["USER_ID"].Required {
		t.Errorf("manifest = %+v", manifest)
	}

	h.platform.mu.Lock()
	vars := h.platform.vars[rec.HerokuApp]
	source := h.platform.builds[rec.HerokuApp]
	h.platform.mu.Unlock()
	if vars["USER_ID"] != "u1" || vars["NODE_ENV"] != "production" {
		t.Errorf("config vars = %v", vars)
	}
	if source != "https://git.example.com/archive/"+SessionRef("u1")+".tar.gz" {
		t.Errorf("build source = %q", source)
	}

	waitFor(t, "session retired", func() bool { return handle.isClosed() && h.registry.Len() == 0 })
	jobs := h.jobs.all()
	if len(jobs) != 1 || jobs[0].Ref != SessionRef("u1") || jobs[0].Commit != rec.PublishCommit || jobs[0].SessionID != sessionID {
		t.Fatalf("cleanup jobs = %+v", jobs)
	}
	if listed, err := h.svc.CleanupJobs(context.Background(), "u1"); err != nil || len(listed) != 1 || listed[0].ID != jobs[0].ID {
		t.Errorf("CleanupJobs = %+v, %v", listed, err)
	}
	if d := jobs[0].RunAt.Sub(*rec.DeployedAt); d < 59*time.Second || d > 61*time.Second {
		t.Errorf("cleanup scheduled %v after deploy, want ~60s", d)
	}

	// Nothing is due before the grace period.
	if n, err := h.reaper.RunOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("early RunOnce = %d, %v", n, err)
	}
	h.reaper.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if n, err := h.reaper.RunOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if _, ok := h.ws.tip(SessionRef("u1")); ok {
		t.Error("session branch should be deleted")
	}
	if ok, _ := afero.DirExists(h.fs, "/sessions/"+sessionID); ok {
		t.Error("credential area should be removed after cleanup")
	}
	if got := h.jobs.all()[0].Status; got != "done" {
		t.Errorf("job status = %s, want done", got)
	}

	for _, typ := range []string{
		telemetry.EventPairingStarted, telemetry.EventSessionConnected, telemetry.EventPublishSucceeded,
		telemetry.EventDeploySucceeded, telemetry.EventCleanupSucceeded,
	} {
		typ := typ
		waitFor(t, typ, func() bool { return h.events.has(typ, "u1") })
	}
}

func TestStartPairing_InvalidRequest(t *testing.T) {
	h := newHarness(t, nil)
	tests := []struct{ user, phone string }{
		{"", "15551234567"},
		{"   ", "15551234567"},
		{"u1", "1234567"},
		{"u1", "1234567890123456"},
		{"u1", "no digits"},
	}
	for _, tt := range tests {
		if _, _, err := h.svc.StartPairing(context.Background(), tt.user, tt.phone); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("StartPairing(%q, %q) error = %v, want ErrInvalidRequest", tt.user, tt.phone, err)
		}
	}
	if len(h.proto.handles) != 0 {
		t.Error("invalid requests must not open protocol handles")
	}
}

func TestStartPairing_AdmissionPolicy(t *testing.T) {
	ev, err := engine.NewOPAEvaluator(context.Background(), "", engine.Settings{
		MaxActiveSessions: 1,
		DeniedPrefixes:    []string{"999"},
	})
	if err != nil {
		t.Fatalf("NewOPAEvaluator: %v", err)
	}
	h := newHarness(t, ev)

	_, _, err = h.svc.StartPairing(context.Background(), "u1", "99912345678")
	if !errors.Is(err, ErrPairingDenied) || !strings.Contains(err.Error(), "prefix") {
		t.Fatalf("denied prefix error = %v", err)
	}
	h.pair(t, "u1")
	_, _, err = h.svc.StartPairing(context.Background(), "u2", "15550000000")
	if !errors.Is(err, ErrPairingDenied) || !strings.Contains(err.Error(), "too many active sessions") {
		t.Fatalf("session limit error = %v", err)
	}
}

func TestStartPairing_DuplicateUser(t *testing.T) {
	h := newHarness(t, nil)
	_, handle := h.pair(t, "u1")

	if _, _, err := h.svc.StartPairing(context.Background(), "u1", "15551234567"); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("second pairing while live = %v, want ErrDuplicateUser", err)
	}
	connect(handle)
	h.waitStatus(t, "u1", userdomain.StatusDeployed)
	waitFor(t, "session retired", func() bool { return h.registry.Len() == 0 })
	if _, _, err := h.svc.StartPairing(context.Background(), "u1", "15551234567"); !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("pairing a deployed user = %v, want ErrDuplicateUser", err)
	}
}

func TestStartPairing_HandshakeFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	h.proto.codeErr = errors.New("bridge unavailable")

	_, _, err := h.svc.StartPairing(context.Background(), "u1", "15551234567")
	if !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("StartPairing error = %v, want ErrHandshakeFailure", err)
	}
	if _, ok := h.users.get("u1"); ok {
		t.Error("record should be deleted after a failed handshake")
	}
	if h.registry.Len() != 0 {
		t.Error("registry should be empty after a failed handshake")
	}
	if !h.proto.last().isClosed() {
		t.Error("handle should be closed after a failed handshake")
	}
	if entries, _ := afero.ReadDir(h.fs, "/sessions"); len(entries) != 0 {
		t.Errorf("credential areas left behind: %d", len(entries))
	}
	waitFor(t, "pairing.failed", func() bool { return h.events.has(telemetry.EventPairingFailed, "u1") })

	h.proto.codeErr = nil
	h.pair(t, "u1")
}

func TestStartPairing_OpenFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.proto.openErr = errors.New("dial failed")
	if _, _, err := h.svc.StartPairing(context.Background(), "u1", "15551234567"); !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("StartPairing error = %v, want ErrHandshakeFailure", err)
	}
	if _, ok := h.users.get("u1"); ok {
		t.Error("no record should be written when the handle cannot be opened")
	}
}

func TestStartPairing_ReclaimsStaleRecord(t *testing.T) {
	h := newHarness(t, nil)
	stale := userdomain.Record{UserID: "u1", PhoneNumber: "15550000000", SessionID: "u1_1", Status: userdomain.StatusPairing, CreatedAt: time.Now()}
	h.users.records["u1"] = stale
	if err := afero.WriteFile(h.fs, "/sessions/u1_1/creds.json", []byte("stale"), 0o600); err != nil {
		t.Fatal(err)
	}

	h.proto.codeErr = errors.New("bridge unavailable")
	if _, _, err := h.svc.StartPairing(context.Background(), "u1", "15551234567"); !errors.Is(err, ErrHandshakeFailure) {
		t.Fatalf("StartPairing error = %v", err)
	}
	if rec, _ := h.users.get("u1"); rec.SessionID != "u1_1" || rec.Status != userdomain.StatusPairing {
		t.Fatalf("stale record not restored: %+v", rec)
	}
	if ok, _ := afero.DirExists(h.fs, "/sessions/u1_1"); !ok {
		t.Fatal("a rolled back attempt must leave the previous credential area alone")
	}

	h.proto.codeErr = nil
	sessionID, _ := h.pair(t, "u1")
	rec, _ := h.users.get("u1")
	if rec.SessionID != sessionID || rec.Status != userdomain.StatusPairing || rec.PhoneNumber != "15551234567" {
		t.Errorf("reclaimed record = %+v", rec)
	}
	if ok, _ := afero.DirExists(h.fs, "/sessions/u1_1"); ok {
		t.Error("the stale session's credential area should be removed")
	}
}

func TestActor_RepeatedOpenDeploysOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, handle := h.pair(t, "u1")
	connect(handle)
	handle.send(pairing.Event{Kind: pairing.EventConnectionUpdate, Connection: pairing.ConnectionOpen})

	h.waitStatus(t, "u1", userdomain.StatusDeployed)
	waitFor(t, "session retired", func() bool { return handle.isClosed() })
	if apps := h.platform.createdApps(); len(apps) != 1 {
		t.Errorf("created apps = %v, want exactly one", apps)
	}
	if jobs := h.jobs.all(); len(jobs) != 1 {
		t.Errorf("cleanup jobs = %d, want 1", len(jobs))
	}
}

func TestActor_CloseBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	sessionID, handle := h.pair(t, "u1")
	handle.send(pairing.Event{Kind: pairing.EventCredentialsUpdate, Credentials: map[string][]byte{"creds.json": []byte("{}")}})
	handle.send(pairing.Event{Kind: pairing.EventConnectionUpdate, Connection: pairing.ConnectionClose, Reason: "logged out"})

	waitFor(t, "session evicted", func() bool { return h.registry.Len() == 0 })
	waitFor(t, "closed recorded", func() bool {
		rec, _ := h.users.get("u1")
		return rec.LastError == "pairing: closed: logged out"
	})
	if rec, _ := h.users.get("u1"); rec.Status != userdomain.StatusPairing {
		t.Errorf("status = %s, want pairing", rec.Status)
	}
	if ok, _ := afero.DirExists(h.fs, "/sessions/"+sessionID); ok {
		t.Error("credential area should be removed")
	}
	if len(h.platform.createdApps()) != 0 {
		t.Error("nothing should be deployed")
	}

	// The stale attempt can be restarted.
	h.pair(t, "u1")
}

func TestActor_StreamEndsBeforeConnect(t *testing.T) {
	h := newHarness(t, nil)
	sessionID, handle := h.pair(t, "u1")
	// The sidecar goes away: the stream ends without any connection update.
	handle.Close()

	waitFor(t, "session evicted", func() bool { return h.registry.GetByUser("u1") == nil })
	waitFor(t, "closed recorded", func() bool {
		rec, _ := h.users.get("u1")
		return rec.LastError == "pairing: closed: event stream ended"
	})
	if ok, _ := afero.DirExists(h.fs, "/sessions/"+sessionID); ok {
		t.Error("credential area should be removed")
	}
	waitFor(t, "pairing.closed", func() bool { return h.events.has(telemetry.EventPairingClosed, "u1") })

	next, _ := h.pair(t, "u1")
	if next == sessionID {
		t.Error("re-pair should start a new session")
	}
}

func TestPipeline_CollidingUserIDsStayIsolated(t *testing.T) {
	h := newHarness(t, nil)
	fixed := time.UnixMilli(1700000000123).UTC()
	h.svc.now = func() time.Time { return fixed }

	idA, handleA := h.pair(t, "a.b")
	idB, handleB := h.pair(t, "a b")
	if idA == idB {
		t.Fatalf("both users got session %q", idA)
	}

	handleA.send(pairing.Event{Kind: pairing.EventCredentialsUpdate, Credentials: map[string][]byte{"creds.json": []byte("A-SECRET")}})
	handleA.send(pairing.Event{Kind: pairing.EventConnectionUpdate, Connection: pairing.ConnectionOpen})
	recA := h.waitStatus(t, "a.b", userdomain.StatusDeployed)
	handleB.send(pairing.Event{Kind: pairing.EventCredentialsUpdate, Credentials: map[string][]byte{"creds.json": []byte("B-SECRET")}})
	handleB.send(pairing.Event{Kind: pairing.EventConnectionUpdate, Connection: pairing.ConnectionOpen})
	recB := h.waitStatus(t, "a b", userdomain.StatusDeployed)

	if recA.PublishRef == recB.PublishRef {
		t.Fatalf("both users published to %q", recA.PublishRef)
	}
	tipA, ok := h.ws.tip(recA.PublishRef)
	if !ok || tipA != recA.PublishCommit {
		t.Fatalf("user a.b branch tip = %q, want %q", tipA, recA.PublishCommit)
	}
	if got := string(h.ws.tree(tipA)["session/creds.json"]); got != "A-SECRET" {
		t.Errorf("user a.b branch carries %q", got)
	}
}

func TestPipeline_PublishFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.ws.publishErr = errors.New("push rejected")
	_, handle := h.pair(t, "u1")
	connect(handle)

	waitFor(t, "publish failure recorded", func() bool {
		rec, _ := h.users.get("u1")
		return strings.HasPrefix(rec.LastError, "publish: ")
	})
	if rec, _ := h.users.get("u1"); rec.Status != userdomain.StatusConnected || rec.PublishCommit != "" {
		t.Errorf("record = %+v, want connected without publication", rec)
	}
	waitFor(t, "publish.failed", func() bool { return h.events.has(telemetry.EventPublishFailed, "u1") })
	if len(h.platform.createdApps()) != 0 || len(h.jobs.all()) != 0 {
		t.Error("a failed publish must not deploy or schedule cleanup")
	}
}

func TestPipeline_DeployFailureThenRetrigger(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.set(func(p *fakePlatform) { p.createErr = errors.New("name taken") })
	_, handle := h.pair(t, "u1")
	connect(handle)

	rec := h.waitStatus(t, "u1", userdomain.StatusDeploymentFailed)
	if !strings.HasPrefix(rec.LastError, "deploy: create app") {
		t.Errorf("LastError = %q", rec.LastError)
	}
	if rec.PublishCommit == "" {
		t.Error("publication should be recorded before the deploy")
	}
	waitFor(t, "deploy.failed", func() bool { return h.events.has(telemetry.EventDeployFailed, "u1") })

	h.platform.set(func(p *fakePlatform) { p.createErr = nil })
	waitFor(t, "retrigger accepted", func() bool {
		err := h.svc.Retrigger(context.Background(), "u1")
		if err != nil && !errors.Is(err, ErrWorkflowInProgress) {
			t.Fatalf("Retrigger: %v", err)
		}
		return err == nil
	})
	rec = h.waitStatus(t, "u1", userdomain.StatusDeployed)
	if rec.LastError != "" || rec.HerokuApp == "" {
		t.Errorf("record after retrigger = %+v", rec)
	}
	waitFor(t, "two cleanup jobs", func() bool { return len(h.jobs.all()) == 2 })
}

func TestPipeline_BuildFailureDeletesApp(t *testing.T) {
	h := newHarness(t, nil)
	h.platform.set(func(p *fakePlatform) { p.buildErr = errors.New("source unreachable") })
	_, handle := h.pair(t, "u1")
	connect(handle)

	rec := h.waitStatus(t, "u1", userdomain.StatusDeploymentFailed)
	if !strings.HasPrefix(rec.LastError, "deploy: create build") || rec.HerokuApp != "" {
		t.Errorf("record = %+v", rec)
	}
	h.platform.mu.Lock()
	defer h.platform.mu.Unlock()
	if len(h.platform.deleted) != 1 || h.platform.deleted[0] != h.platform.created[0] {
		t.Errorf("deleted = %v, created = %v", h.platform.deleted, h.platform.created)
	}
}

func TestRetrigger_States(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if err := h.svc.Retrigger(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown user = %v, want ErrNotFound", err)
	}

	h.users.records["pairing"] = userdomain.Record{UserID: "pairing", SessionID: "s1", Status: userdomain.StatusPairing}
	h.users.records["deployed"] = userdomain.Record{UserID: "deployed", SessionID: "s2", Status: userdomain.StatusDeployed}
	h.users.records["gone"] = userdomain.Record{UserID: "gone", SessionID: "s3", Status: userdomain.StatusConnected}
	for _, user := range []string{"pairing", "deployed", "gone"} {
		if err := h.svc.Retrigger(ctx, user); !errors.Is(err, ErrInvalidState) {
			t.Errorf("Retrigger(%s) = %v, want ErrInvalidState", user, err)
		}
	}
}

func TestRetrigger_InProgress(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.platform.set(func(p *fakePlatform) { p.release = release })
	_, handle := h.pair(t, "u1")
	connect(handle)

	waitFor(t, "publish", func() bool { _, ok := h.ws.tip(SessionRef("u1")); return ok })
	h.waitStatus(t, "u1", userdomain.StatusConnected)
	if err := h.svc.Retrigger(context.Background(), "u1"); !errors.Is(err, ErrWorkflowInProgress) {
		t.Errorf("Retrigger during pipeline = %v, want ErrWorkflowInProgress", err)
	}
	close(release)
	h.waitStatus(t, "u1", userdomain.StatusDeployed)
}

func TestGetStatusAndList(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if _, err := h.svc.GetStatus(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetStatus unknown = %v, want ErrNotFound", err)
	}
	sessionID, _ := h.pair(t, "u1")
	rec, err := h.svc.GetStatus(ctx, " u1 ")
	if err != nil || rec.SessionID != sessionID {
		t.Fatalf("GetStatus = %+v, %v", rec, err)
	}
	recs, err := h.svc.ListSessions(ctx)
	if err != nil || len(recs) != 1 {
		t.Fatalf("ListSessions = %v, %v", recs, err)
	}
	if active := h.svc.ActiveSessions(); len(active) != 1 || active[0].ID != sessionID {
		t.Errorf("ActiveSessions = %+v", active)
	}
}

func TestClose_StopsSessions(t *testing.T) {
	h := newHarness(t, nil)
	_, handle := h.pair(t, "u1")
	if err := h.svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !handle.isClosed() || h.registry.Len() != 0 {
		t.Error("Close should close handles and drain the registry")
	}
	if _, _, err := h.svc.StartPairing(context.Background(), "u2", "15551234567"); err == nil {
		t.Error("StartPairing after Close should fail")
	}
}
