package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/dyluth/convoy/internal/build"
	"github.com/dyluth/convoy/internal/notify"
	"github.com/dyluth/convoy/internal/pack"
	"github.com/dyluth/convoy/internal/release"
	"github.com/dyluth/convoy/internal/serial"
	"github.com/dyluth/convoy/internal/storage"
	"github.com/dyluth/convoy/internal/trigger"
	"github.com/stretchr/testify/require"
)

var testProducts = []string{
	"safe", "safenode", "safenode_rpc_client", "safenode-manager", "safenodemand",
	"faucet", "sn_auditor", "nat-detection", "node-launchpad",
}

func testPlatforms() []build.Platform {
	return []build.Platform{
		{OS: "linux", Arch: "x86_64", Linkage: "musl", Name: "x86_64-unknown-linux-musl"},
		{OS: "linux", Arch: "aarch64", Linkage: "musl", Name: "aarch64-unknown-linux-musl"},
		{OS: "linux", Arch: "arm", Linkage: "musleabi", Name: "arm-unknown-linux-musleabi"},
		{OS: "linux", Arch: "armv7", Linkage: "musleabihf", Name: "armv7-unknown-linux-musleabihf"},
		{OS: "darwin", Arch: "x86_64", Name: "x86_64-apple-darwin"},
		{OS: "windows", Arch: "x86_64", Linkage: "msvc", Name: "x86_64-pc-windows-msvc"},
	}
}

// fakeBuilder writes one binary per product into a per-run directory.
type fakeBuilder struct {
	root  string
	mu    sync.Mutex
	tasks []build.Task
	fail  map[string]bool
	hook  func(ctx context.Context, task build.Task) error
}

func (b *fakeBuilder) Build(ctx context.Context, task build.Task) (build.Bundle, error) {
	b.mu.Lock()
	b.tasks = append(b.tasks, task)
	b.mu.Unlock()

	if b.hook != nil {
		if err := b.hook(ctx, task); err != nil {
			return build.Bundle{}, err
		}
	}
	triple := task.Platform.Triple()
	if b.fail[triple] {
		return build.Bundle{}, fmt.Errorf("linker error for %s", triple)
	}

	dir := filepath.Join(b.root, task.RunID, triple)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return build.Bundle{}, err
	}
	for _, name := range testProducts {
		if task.Platform.IsWindows() {
			name += ".exe"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(triple+"/"+name), 0o755); err != nil {
			return build.Bundle{}, err
		}
	}
	return build.Collector{Binaries: testProducts}.Collect(task.Platform, dir)
}

func (b *fakeBuilder) envFor(runID string) [][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]string
	for _, t := range b.tasks {
		if t.RunID == runID {
			out = append(out, t.Env)
		}
	}
	return out
}

type publishCall struct {
	Product, Version string
	DryRun           bool
}

type fakeRegistry struct {
	mu        sync.Mutex
	versions  map[string]string
	bumps     []release.Bump
	failOn    string
	planHook  func()
	published []publishCall
}

func (r *fakeRegistry) Versions(ctx context.Context) (map[string]string, error) {
	return r.versions, nil
}

func (r *fakeRegistry) Plan(ctx context.Context) ([]release.Bump, error) {
	if r.planHook != nil {
		r.planHook()
	}
	return r.bumps, nil
}

func (r *fakeRegistry) Publish(ctx context.Context, product, version string, dryRun bool) error {
	if product == r.failOn {
		return errors.New("registry unavailable")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, publishCall{product, version, dryRun})
	return nil
}

func (r *fakeRegistry) calls() []publishCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publishCall(nil), r.published...)
}

type fakeHost struct {
	mu      sync.Mutex
	created []release.ReleaseRequest
	assets  []string
}

func (h *fakeHost) CreateRelease(ctx context.Context, req release.ReleaseRequest) (*release.HostedRelease, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, req)
	return &release.HostedRelease{ID: int64(len(h.created)), TagName: req.TagName, HTMLURL: "https://github.test/releases/" + req.TagName, Draft: req.Draft}, nil
}

func (h *fakeHost) UploadAsset(ctx context.Context, rel *release.HostedRelease, name, contentType string, body io.Reader, size int64) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assets = append(h.assets, name)
	return nil
}

func (h *fakeHost) releases() []release.ReleaseRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]release.ReleaseRequest(nil), h.created...)
}

type countingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (n *countingNotifier) Notify(ctx context.Context, alert notify.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
	return n.err
}

func (n *countingNotifier) sent() []notify.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Alert(nil), n.alerts...)
}

type harness struct {
	orch     *Orchestrator
	builder  *fakeBuilder
	store    *storage.MemoryStore
	registry *fakeRegistry
	host     *fakeHost
	notifier *countingNotifier
	runs     *MemoryRuns
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()

	versions := map[string]string{}
	for _, p := range testProducts {
		versions[p] = "1.0.0"
	}
	versions["safe"] = "0.83.1"
	versions["safenode"] = "0.91.0"

	h := &harness{
		builder: &fakeBuilder{root: t.TempDir()},
		store:   storage.NewMemoryStore(),
		registry: &fakeRegistry{
			versions: versions,
			bumps: []release.Bump{
				{Product: "safenode", Previous: "0.90.0", Next: "0.91.0"},
				{Product: "safe", Previous: "0.83.0", Next: "0.83.1"},
			},
		},
		host:     &fakeHost{},
		notifier: &countingNotifier{},
		runs:     NewMemoryRuns(),
	}

	products := make([]pack.Product, len(testProducts))
	for i, p := range testProducts {
		products[i] = pack.Product{Name: p, Binaries: []string{p}}
	}

	deps := Deps{
		InstanceName:   "test",
		Gate:           trigger.GateConfig{Owner: "maidsafe", ReleaseMarker: "chore(release):"},
		Platforms:      testPlatforms(),
		Products:       products,
		ArchiveRoot:    t.TempDir(),
		BuildRoot:      h.builder.root,
		Serializer:     serial.NewMemorySerializer(),
		Builds:         build.NewRunner(h.builder, "CONVOY_MODE"),
		Versions:       h.registry,
		Uploader:       &storage.Uploader{Store: h.store},
		Publisher:      &release.Publisher{Registry: h.registry, Host: h.host, Products: testProducts},
		Notifier:       h.notifier,
		Runs:           h.runs,
		RunURLTemplate: "https://ci.example/runs/{run_id}",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	orch, err := New(deps)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func pushEvent(branch, message string) trigger.Event {
	return trigger.Event{
		Kind:          trigger.KindPush,
		Owner:         "maidsafe",
		Ref:           "refs/heads/" + branch,
		CommitMessage: message,
		CommitSHA:     "abc123",
	}
}

func manualEvent(branch, mode string) trigger.Event {
	return trigger.Event{
		Kind:  trigger.KindManual,
		Owner: "maidsafe",
		Ref:   "refs/heads/" + branch,
		Mode:  mode,
		Actor: "operator",
	}
}

// keysWithLabel counts stored archives whose file name starts with label.
func keysWithLabel(store *storage.MemoryStore, label string) int {
	n := 0
	for _, k := range store.Keys() {
		if strings.HasPrefix(filepath.Base(k), label+".") {
			n++
		}
	}
	return n
}

func versionedKeys(store *storage.MemoryStore) int {
	return len(store.Keys()) - keysWithLabel(store, pack.LatestLabel)
}
