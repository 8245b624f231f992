package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"yardstitch/internal/fsutil"
	"yardstitch/internal/pipeline"
	"yardstitch/internal/storage"
	"yardstitch/internal/yard"
)

// Submitter accepts stitch jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	// OutputDir receives <yard id>.png for every re-stitch.
	OutputDir string
	// Debounce coalesces bursts of writes to one descriptor.
	Debounce time.Duration
	// Initial queues every descriptor already present when Run starts.
	Initial bool
	// JobOptions are passed through to each stitch job.
	JobOptions map[string]any
}

// Watcher re-stitches yards whose descriptor files change on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	submit  Submitter
	store   *storage.Store
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New starts watching dirs. Events are only handled once Run is called.
// store may be nil; when set, changed descriptors are saved before stitching.
func New(dirs []string, submit Submitter, store *storage.Store, opts Options, log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if !fsutil.IsDir(dir) {
			fw.Close()
			return nil, fmt.Errorf("watch %s: not a directory", dir)
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
		log.Info("Watching yard directory", "dir", dir)
	}
	return &Watcher{
		watcher: fw,
		dirs:    dirs,
		submit:  submit,
		store:   store,
		opts:    opts,
		log:     log,
		pending: make(map[string]*time.Timer),
	}, nil
}

// Run handles filesystem events until ctx is cancelled, then releases the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	if w.opts.Initial {
		w.queueExisting()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !fsutil.IsDescriptor(event.Name) {
				continue
			}
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create,
				event.Op&fsnotify.Write == fsnotify.Write:
				w.schedule(event.Name)
			case event.Op&fsnotify.Remove == fsnotify.Remove,
				event.Op&fsnotify.Rename == fsnotify.Rename:
				w.cancel(event.Name)
				w.log.Info("Yard descriptor removed", "path", event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("Filesystem watcher error", "error", err)
		}
	}
}

func (w *Watcher) queueExisting() {
	for _, dir := range w.dirs {
		paths, err := fsutil.ListDescriptors(dir)
		if err != nil {
			w.log.Warn("Failed to scan yard directory", "dir", dir, "error", err)
			continue
		}
		for _, path := range paths {
			w.handle(path)
		}
	}
}

// schedule (re)arms the debounce timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.opts.Debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handle(path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

func (w *Watcher) handle(path string) {
	d, err := yard.Load(path)
	if err != nil {
		w.log.Warn("Skipping unreadable yard descriptor", "path", path, "error", err)
		return
	}
	if w.store != nil {
		if err := w.store.SaveYard(d); err != nil {
			w.log.Warn("Failed to store yard", "yard", string(d.ID), "error", err)
		}
	}

	job := pipeline.Job{
		ID:      pipeline.NewJobID("watch"),
		Type:    pipeline.JobStitch,
		YardID:  string(d.ID),
		Yard:    &d,
		Options: w.opts.JobOptions,
	}
	if w.opts.OutputDir != "" {
		job.Output = filepath.Join(w.opts.OutputDir, string(d.ID)+".png")
	}
	if err := w.submit.Submit(job); err != nil {
		w.log.Warn("Failed to queue re-stitch", "yard", string(d.ID), "error", err)
		return
	}
	w.log.Info("Queued re-stitch", "yard", string(d.ID), "job", job.ID, "path", path)
}

func (w *Watcher) close() {
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	w.watcher.Close()
}
