package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	jobdomain "session-provisioner/internal/cleanupjob/domain"
	"session-provisioner/internal/heroku"
	"session-provisioner/internal/pairing"
	"session-provisioner/internal/telemetry"
	userdomain "session-provisioner/internal/user/domain"
	userrepo "session-provisioner/internal/user/repository"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type memUsers struct {
	mu      sync.Mutex
	records map[string]userdomain.Record
}

func newMemUsers() *memUsers {
	return &memUsers{records: make(map[string]userdomain.Record)}
}

func (m *memUsers) GetByID(_ context.Context, userID string) (*userdomain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memUsers) List(_ context.Context) ([]*userdomain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*userdomain.Record, 0, len(m.records))
	for _, r := range m.records {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *memUsers) Create(_ context.Context, r *userdomain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.UserID]; ok {
		return userrepo.ErrDuplicate
	}
	m.records[r.UserID] = *r
	return nil
}

func (m *memUsers) Update(_ context.Context, r *userdomain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.UserID]; !ok {
		return errors.New("not found")
	}
	m.records[r.UserID] = *r
	return nil
}

func (m *memUsers) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, userID)
	return nil
}

func (m *memUsers) get(userID string) (userdomain.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[userID]
	return r, ok
}

type memJobs struct {
	mu   sync.Mutex
	jobs []*jobdomain.Job
}

func (m *memJobs) Create(_ context.Context, j *jobdomain.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *j
	c.Status = jobdomain.StatusPending
	m.jobs = append(m.jobs, &c)
	return nil
}

func (m *memJobs) ClaimDue(_ context.Context, now time.Time, lease time.Duration, limit int) ([]*jobdomain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*jobdomain.Job
	for _, j := range m.jobs {
		if len(out) == limit {
			break
		}
		due := j.Status == jobdomain.StatusPending && !j.RunAt.After(now)
		stale := j.Status == jobdomain.StatusRunning && j.ClaimedAt != nil && j.ClaimedAt.Before(now.Add(-lease))
		if !due && !stale {
			continue
		}
		at := now
		j.Status = jobdomain.StatusRunning
		j.Attempts++
		j.ClaimedAt = &at
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (m *memJobs) ListByUser(_ context.Context, userID string) ([]*jobdomain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*jobdomain.Job
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].UserID == userID {
			c := *m.jobs[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *memJobs) MarkDone(_ context.Context, id string, at time.Time) error {
	return m.finish(id, jobdomain.StatusDone, "", at)
}

func (m *memJobs) MarkFailed(_ context.Context, id, msg string, at time.Time) error {
	return m.finish(id, jobdomain.StatusFailed, msg, at)
}

func (m *memJobs) finish(id string, status jobdomain.Status, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			j.Status = status
			j.LastError = msg
			j.CompletedAt = &at
			return nil
		}
	}
	return fmt.Errorf("job %s not found", id)
}

func (m *memJobs) all() []jobdomain.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]jobdomain.Job, len(m.jobs))
	for i, j := range m.jobs {
		out[i] = *j
	}
	return out
}

type fakeHandle struct {
	mu      sync.Mutex
	events  chan pairing.Event
	closed  bool
	code    string
	codeErr error
}

func (h *fakeHandle) RequestPairingCode(context.Context, string) (string, error) {
	if h.codeErr != nil {
		return "", h.codeErr
	}
	return h.code, nil
}

func (h *fakeHandle) Events() <-chan pairing.Event {
	return h.events
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

// send delivers ev unless the handle is closed.
func (h *fakeHandle) send(ev pairing.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.events <- ev
	}
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeProtocol struct {
	mu      sync.Mutex
	handles []*fakeHandle
	openErr error
	codeErr error
}

func (p *fakeProtocol) Open(_ context.Context, _ *pairing.CredentialStore) (pairing.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return nil, p.openErr
	}
	h := &fakeHandle{events: make(chan pairing.Event, 16), code: fmt.Sprintf("CODE-%d", len(p.handles)+1), codeErr: p.codeErr}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakeProtocol) last() *fakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[len(p.handles)-1]
}

// fakeWorkspace keeps remote branches in memory and lets the publisher write into fs under "/ws".
type fakeWorkspace struct {
	mu         sync.Mutex
	fs         afero.Fs
	refs       map[string]string
	trees      map[string]map[string][]byte // commit -> published files
	n          int
	publishErr error
	deleteErr  error
}

func newFakeWorkspace(fs afero.Fs) *fakeWorkspace {
	return &fakeWorkspace{fs: fs, refs: make(map[string]string), trees: make(map[string]map[string][]byte)}
}

func (w *fakeWorkspace) Publish(_ context.Context, ref, _ string, write func(dir string) error) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.publishErr != nil {
		return "", w.publishErr
	}
	if err := w.fs.RemoveAll("/ws"); err != nil {
		return "", err
	}
	if err := w.fs.MkdirAll("/ws", 0o755); err != nil {
		return "", err
	}
	if err := write("/ws"); err != nil {
		return "", err
	}
	tree := make(map[string][]byte)
	err := afero.Walk(w.fs, "/ws", func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := afero.ReadFile(w.fs, path)
		tree[path[len("/ws/"):]] = data
		return err
	})
	if err != nil {
		return "", err
	}
	w.n++
	commit := fmt.Sprintf("%040d", w.n)
	w.refs[ref] = commit
	w.trees[commit] = tree
	return commit, nil
}

func (w *fakeWorkspace) RemoteRef(_ context.Context, ref string) (string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.refs[ref]
	return c, ok, nil
}

func (w *fakeWorkspace) DeleteRemoteRef(_ context.Context, ref, commit string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deleteErr != nil {
		return w.deleteErr
	}
	if w.refs[ref] != commit {
		return errors.New("stale info")
	}
	delete(w.refs, ref)
	return nil
}

func (w *fakeWorkspace) tip(ref string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.refs[ref]
	return c, ok
}

func (w *fakeWorkspace) tree(commit string) map[string][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.trees[commit]
}

type fakePlatform struct {
	mu        sync.Mutex
	created   []string
	vars      map[string]map[string]string
	builds    map[string]string // app -> source url
	deleted   []string
	createErr error
	buildErr  error
	release   chan struct{} // when set, CreateApp blocks until it is closed
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{vars: make(map[string]map[string]string), builds: make(map[string]string)}
}

func (p *fakePlatform) CreateApp(_ context.Context, name string) (*heroku.App, error) {
	p.mu.Lock()
	release := p.release
	p.mu.Unlock()
	if release != nil {
		<-release
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created = append(p.created, name)
	return &heroku.App{ID: "id-" + name, Name: name}, nil
}

func (p *fakePlatform) SetConfigVars(_ context.Context, app string, vars map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vars[app] = vars
	return nil
}

func (p *fakePlatform) CreateBuild(_ context.Context, app, sourceURL, _ string) (*heroku.Build, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buildErr != nil {
		return nil, p.buildErr
	}
	p.builds[app] = sourceURL
	return &heroku.Build{ID: "build-" + app, Status: "pending"}, nil
}

func (p *fakePlatform) DeleteApp(_ context.Context, app string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, app)
	return nil
}

func (p *fakePlatform) set(fn func(p *fakePlatform)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *fakePlatform) createdApps() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.created...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev *telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *recordingEmitter) has(typ, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == typ && ev.UserID == userID {
			return true
		}
	}
	return false
}
