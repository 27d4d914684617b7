// Package frontier implements the breadth-first URL frontier: a FIFO queue
// with a run-scoped seen-set, depth/scope/budget admission, and drain-aware
// termination.
package frontier

import (
	"context"
	"sync"

	"github.com/JakeFAU/edarchive/internal/crawler"
)

// Admission is the outcome of an Enqueue call.
type Admission int

// Admission outcomes. Only Enqueued creates a task; the rest are counted.
const (
	Enqueued Admission = iota
	Duplicate
	DroppedDepth
	DroppedScope
	DroppedBudget
	Invalid
)

func (a Admission) String() string {
	switch a {
	case Enqueued:
		return "enqueued"
	case Duplicate:
		return "duplicate"
	case DroppedDepth:
		return "dropped_depth"
	case DroppedScope:
		return "dropped_scope"
	case DroppedBudget:
		return "dropped_budget"
	default:
		return "invalid"
	}
}

// Config bounds frontier expansion.
type Config struct {
	// MaxDepth caps task depth; -1 means unlimited.
	MaxDepth int
	// MaxPages caps admitted page tasks; 0 means unlimited.
	MaxPages int
	// InScope decides whether a discovered URL may be crawled. Nil admits all.
	InScope func(rawURL string) bool
}

// Stats counts admissions over the frontier's lifetime.
type Stats struct {
	Enqueued      int `json:"enqueued"`
	Duplicates    int `json:"duplicates"`
	DroppedDepth  int `json:"dropped_depth"`
	DroppedScope  int `json:"dropped_scope"`
	DroppedBudget int `json:"dropped_budget"`
	Invalid       int `json:"invalid"`
	Dispatched    int `json:"dispatched"`
}

// Frontier is safe for concurrent use. It is created per run and discarded
// when the run ends.
type Frontier struct {
	cfg Config

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []crawler.CrawlTask
	seen     map[string]struct{}
	inflight int
	closed   bool
	stats    Stats
}

// New creates an empty Frontier.
func New(cfg Config) *Frontier {
	f := &Frontier{
		cfg:  cfg,
		seen: make(map[string]struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Seed admits a depth-0 task. Seeds bypass the scope check but not dedup.
func (f *Frontier) Seed(rawURL string) Admission {
	return f.admit(crawler.CrawlTask{URL: rawURL}, false)
}

// Enqueue admits task if its normalized URL has not been seen, it is in
// scope, and it is within the depth and page budgets.
func (f *Frontier) Enqueue(task crawler.CrawlTask) Admission {
	return f.admit(task, true)
}

func (f *Frontier) admit(task crawler.CrawlTask, checkScope bool) Admission {
	key, err := crawler.NormalizeURL(task.URL)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.stats.Invalid++
		return Invalid
	}
	if _, dup := f.seen[key]; dup {
		f.stats.Duplicates++
		return Duplicate
	}
	if checkScope && f.cfg.InScope != nil && !f.cfg.InScope(key) {
		f.stats.DroppedScope++
		return DroppedScope
	}
	if f.cfg.MaxDepth >= 0 && task.Depth > f.cfg.MaxDepth {
		f.stats.DroppedDepth++
		return DroppedDepth
	}
	if f.cfg.MaxPages > 0 && f.stats.Enqueued >= f.cfg.MaxPages {
		f.stats.DroppedBudget++
		return DroppedBudget
	}
	f.seen[key] = struct{}{}
	task.Key = key
	f.queue = append(f.queue, task)
	f.stats.Enqueued++
	f.cond.Signal()
	return Enqueued
}

// Claim marks a non-page URL (asset or data export) as seen and reports
// whether the caller is the first to claim it in this run.
func (f *Frontier) Claim(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.seen[key]; dup {
		return false
	}
	f.seen[key] = struct{}{}
	return true
}

// Seen reports whether rawURL has been enqueued or claimed.
func (f *Frontier) Seen(rawURL string) bool {
	key, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[key]
	return ok
}

// Next returns the oldest queued task. It blocks while the queue is empty
// but tasks are in flight, and returns false once the queue is drained with
// nothing in flight, after Close, or when ctx is done. Every task returned
// must be passed to Done.
func (f *Frontier) Next(ctx context.Context) (crawler.CrawlTask, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop()

	for {
		if f.closed || ctx.Err() != nil {
			return crawler.CrawlTask{}, false
		}
		if len(f.queue) > 0 {
			task := f.queue[0]
			f.queue[0] = crawler.CrawlTask{}
			f.queue = f.queue[1:]
			f.inflight++
			f.stats.Dispatched++
			return task, true
		}
		if f.inflight == 0 {
			return crawler.CrawlTask{}, false
		}
		f.cond.Wait()
	}
}

// Done marks a task returned by Next as terminal.
func (f *Frontier) Done(crawler.CrawlTask) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight > 0 {
		f.inflight--
	}
	if f.inflight == 0 && len(f.queue) == 0 {
		f.cond.Broadcast()
	}
}

// Close stops dispensing tasks. Queued tasks are abandoned.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

// Len returns the number of queued tasks.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// Stats returns a snapshot of the admission counters.
func (f *Frontier) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
