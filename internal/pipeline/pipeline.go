package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"log/slog"

	"yardstitch/internal/config"
	"yardstitch/internal/logging"
	"yardstitch/internal/storage"
	"yardstitch/internal/yard"
)

// ErrQueueFull is returned by Submit when no worker can accept the job.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates supported job categories.
type JobType string

const (
	JobStitch  JobType = "stitch"
	JobInspect JobType = "inspect"
)

// Job represents a single mosaic request. Either Yard is set inline or YardID
// names a stored descriptor.
type Job struct {
	ID      string
	Type    JobType
	YardID  string
	Yard    *yard.Descriptor
	Output  string
	Options map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"-"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta"`
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency and queue size,
// routing jobs to the stitcher with defaults taken from cfg.
func New(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, engine Stitcher, cfg config.Stitch) *Pipeline {
	if logger == nil {
		logger = logging.Discard()
	}
	return NewWithProcessor(ctx, concurrency, queueSize, logger, store, newRouter(logger, store, engine, cfg))
}

// NewWithProcessor is New with an explicit processor and queue size.
func NewWithProcessor(ctx context.Context, concurrency, queueSize int, logger *slog.Logger, store *storage.Store, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if queueSize < concurrency {
		queueSize = concurrency * 2
	}
	if logger == nil {
		logger = logging.Discard()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: proc,
		log:       logger,
		jobs:      make(chan Job, queueSize),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			YardID:      jobYardID(job),
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, jobYardID(job), job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"yard":    jobYardID(job),
					"output":  job.Output,
					"options": job.Options,
					"worker":  id,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}

			p.broadcast(res)
		}
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// NewJobID returns a sortable, mostly unique job id such as
// "stitch-20260102T150405-0042".
func NewJobID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func jobYardID(job Job) string {
	if job.YardID != "" {
		return job.YardID
	}
	if job.Yard != nil {
		return string(job.Yard.ID)
	}
	return ""
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

// Event is the wire form of a Result on live feeds.
type Event struct {
	JobID  string         `json:"job_id"`
	Type   JobType        `json:"type"`
	Yard   string         `json:"yard,omitempty"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Event converts the result for SSE and websocket subscribers.
func (r Result) Event() Event {
	status := "completed"
	if r.Error != nil {
		status = "failed"
	}
	return Event{
		JobID:  r.Job.ID,
		Type:   r.Job.Type,
		Yard:   jobYardID(r.Job),
		Status: status,
		Error:  errString(r.Error),
		Meta:   r.Meta,
	}
}
