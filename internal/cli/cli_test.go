package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"yardstitch/internal/config"
	"yardstitch/internal/logging"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"
	"yardstitch/internal/watch"
	"yardstitch/internal/yard"
)

const gateDescriptor = `{
  "id": "gate",
  "name": "Gate",
  "boundary": [{"x": 0, "y": 0}, {"x": 20, "y": 0}, {"x": 20, "y": 10}, {"x": 0, "y": 10}],
  "cameras": [{"id": 1, "urlAccess": "http://cam/1.jpg", "yardPoints": [{"x": 0, "y": 0}], "transformPoints": [{"x": 0, "y": 0}]}]
}`

func newTestRoot(t *testing.T) (*Root, *fakePipeline, *storage.Store) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.Paths.DefaultOutput = t.TempDir()
	fake := newFakePipeline()
	root := &Root{
		pipeline: fake,
		cfg:      cfg,
		log:      logging.Discard(),
		store:    store,
	}
	return root, fake, store
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeDescriptor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gate.json")
	if err := os.WriteFile(path, []byte(gateDescriptor), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStitchFromDescriptorFile(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	fake.meta = map[string]any{"covered": 200, "contributing": 1}
	path := writeDescriptor(t)

	out, err := run(t, root, "stitch", path, "--blend", "max", "--width", "40", "--height", "20")
	if err != nil {
		t.Fatalf("stitch: %v", err)
	}
	if len(fake.jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(fake.jobs))
	}
	job := fake.jobs[0]
	if job.Type != pipeline.JobStitch || job.Yard == nil || job.YardID != "gate" {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Output != filepath.Join(root.cfg.Paths.DefaultOutput, "gate.png") {
		t.Fatalf("unexpected default output %q", job.Output)
	}
	if job.Options["blend"] != "max" || job.Options["outputWidth"] != 40 || job.Options["outputHeight"] != 20 {
		t.Fatalf("unexpected options %v", job.Options)
	}
	if _, set := job.Options["opaque"]; set {
		t.Fatalf("unset flags must not override config defaults: %v", job.Options)
	}
	if !strings.Contains(out, "covered:") || !strings.Contains(out, "200") {
		t.Fatalf("summary missing from output %q", out)
	}
}

func TestStitchStoredYardAndErrors(t *testing.T) {
	root, fake, store := newTestRoot(t)
	d, err := yard.Parse([]byte(gateDescriptor))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SaveYard(d); err != nil {
		t.Fatal(err)
	}

	if _, err := run(t, root, "stitch", "gate", "-o", "/tmp/g.jpg"); err != nil {
		t.Fatalf("stitch stored: %v", err)
	}
	if job := fake.jobs[0]; job.Yard != nil || job.YardID != "gate" || job.Output != "/tmp/g.jpg" {
		t.Fatalf("unexpected job %+v", job)
	}

	if _, err := run(t, root, "stitch", "unknown"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := run(t, root); err != nil {
		t.Fatalf("bare invocation should print help, got %v", err)
	}
	if _, err := run(t, root, "stitch"); err == nil {
		t.Fatalf("expected argument error")
	}

	fake.reset()
	fake.jobErr = errors.New("boom")
	if _, err := run(t, root, "stitch", "gate"); err == nil || err.Error() != "boom" {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestInspectPrintsCameraTable(t *testing.T) {
	root, fake, _ := newTestRoot(t)
	fake.meta = map[string]any{
		"yard": "gate", "width": 20, "height": 10,
		"cameras": []map[string]any{
			{"id": "1", "family": "translation", "points": 1, "reproj_error": 0.0, "skipped": false},
			{"id": "2", "family": "", "points": 0, "reproj_error": 0.0, "skipped": true, "reason": "timeout"},
		},
	}
	out, err := run(t, root, "inspect", writeDescriptor(t))
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if fake.jobs[0].Type != pipeline.JobInspect {
		t.Fatalf("unexpected job type %s", fake.jobs[0].Type)
	}
	for _, want := range []string{"canvas 20x10", "translation", "skipped: timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestYardCommands(t *testing.T) {
	root, _, store := newTestRoot(t)
	path := writeDescriptor(t)

	out, err := run(t, root, "yard", "import", path)
	if err != nil || !strings.Contains(out, "imported gate (1 cameras)") {
		t.Fatalf("import: %v %q", err, out)
	}
	if _, err := store.Yard("gate"); err != nil {
		t.Fatalf("yard not stored: %v", err)
	}

	out, err = run(t, root, "yard", "list")
	if err != nil || !strings.Contains(out, "gate") || !strings.Contains(out, "Gate") {
		t.Fatalf("list: %v %q", err, out)
	}

	out, err = run(t, root, "yard", "show", "gate")
	if err != nil || !strings.Contains(out, `"urlAccess": "http://cam/1.jpg"`) {
		t.Fatalf("show: %v %q", err, out)
	}
	if _, err := run(t, root, "yard", "show", "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobsCommand(t *testing.T) {
	root, _, store := newTestRoot(t)
	store.RecordJobQueued(storage.JobRecord{ID: "stitch-1", JobType: "stitch", Status: "queued", YardID: "gate"})
	store.RecordJobResult("stitch-1", "failed", nil, "no frames")
	store.RecordCameraReports([]storage.CameraReportRecord{
		{JobID: "stitch-1", CameraIndex: 0, CameraID: "1", Skipped: true, Stage: "fetch", Reason: "timeout"},
	})

	out, err := run(t, root, "jobs")
	if err != nil || !strings.Contains(out, "stitch-1") || !strings.Contains(out, "no frames") {
		t.Fatalf("jobs: %v %q", err, out)
	}
	out, err = run(t, root, "jobs", "--job", "stitch-1")
	if err != nil || !strings.Contains(out, "skipped at fetch: timeout") {
		t.Fatalf("jobs --job: %v %q", err, out)
	}
}

func TestServeAndWatchUseInjectedRunners(t *testing.T) {
	root, _, _ := newTestRoot(t)
	var gotServe serveOptions
	root.serveFn = func(ctx context.Context, r *Root, opts serveOptions) error {
		gotServe = opts
		return nil
	}
	var gotDirs []string
	var gotWatch watch.Options
	root.watchFn = func(ctx context.Context, r *Root, dirs []string, opts watch.Options) error {
		gotDirs, gotWatch = dirs, opts
		return nil
	}

	if _, err := run(t, root, "serve", "--grpc", "", "--watch", "/a", "--watch", "/b"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if gotServe.HTTPAddr != root.cfg.Server.HTTPAddr || gotServe.GRPCAddr != "" || len(gotServe.WatchDirs) != 2 {
		t.Fatalf("unexpected serve options %+v", gotServe)
	}

	if _, err := run(t, root, "watch", "--initial=false"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if len(gotDirs) != 1 || gotDirs[0] != root.cfg.Paths.YardDir || gotWatch.Initial {
		t.Fatalf("unexpected watch call %v %+v", gotDirs, gotWatch)
	}
	if gotWatch.Debounce != root.cfg.Watch.Debounce() {
		t.Fatalf("debounce not taken from config: %v", gotWatch.Debounce)
	}
}

func TestDefaultServeRequiresAService(t *testing.T) {
	root, _, _ := newTestRoot(t)
	root.pipeline = &pipeline.Pipeline{}
	if err := defaultServe(context.Background(), root, serveOptions{}); err == nil {
		t.Fatalf("expected error when nothing is enabled")
	}
}

func TestConfigShowAndVersion(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := run(t, root, "config", "show")
	if err != nil || !strings.Contains(out, "Blend: average") || !strings.Contains(out, "gRPC: 127.0.0.1:9090") || !strings.Contains(out, "Canvas pixel limit: 33554432") {
		t.Fatalf("config show: %v %q", err, out)
	}
	out, err = run(t, root, "version")
	if err != nil || !strings.Contains(out, "yardstitch v"+Version) {
		t.Fatalf("version: %v %q", err, out)
	}
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	meta      map[string]any
	jobErr    error
	subs      map[int]chan pipeline.Result
	nextSubID int
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{subs: make(map[int]chan pipeline.Result)}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	res := pipeline.Result{Job: job, Error: f.jobErr, Meta: f.meta}
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- res
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErr = nil
}
