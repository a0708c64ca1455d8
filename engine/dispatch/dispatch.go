// Package dispatch runs a pool of N workers against a shared queue of
// per-course scrape tasks for one source (LMS or exam repository), pulling
// sessions from a shared login broker.
package dispatch

import (
	"context"
	"sync"

	"github.com/campuskb/sync-engine/engine/domain"
	"github.com/campuskb/sync-engine/engine/session"
)

// Task is one course's worth of scrape work. Folders is only meaningful for
// the exam source, where several courses can share one external code and
// must all receive a copy of that code's results.
type Task struct {
	Course  domain.Course
	Folders []string
}

// Result reports one task's outcome. Fatal distinguishes a source-level
// failure (e.g. the worker's session could never be acquired) from ordinary
// per-file errors collected during a successful scrape.
type Result struct {
	Course          domain.Course
	DownloadedFiles []string
	Errors          []error
	Fatal           bool
}

// WorkFunc performs the actual scrape for one task using an authenticated
// session, returning the files it wrote and any per-file errors.
type WorkFunc func(ctx context.Context, sess session.Session, task Task) (files []string, errs []error)

// Dispatcher runs up to N workers against a shared task queue for a single
// source, sharing Broker's global login mutex with every other Dispatcher.
type Dispatcher struct {
	broker *session.Broker
	source session.Source
	n      int
	creds  session.Credentials

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a Dispatcher for source with n parallel workers. creds is the
// credential pair handed to the Broker when each worker logs in.
func New(broker *session.Broker, source session.Source, n int, creds session.Credentials) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	return &Dispatcher{broker: broker, source: source, n: n, creds: creds}
}

// Cancel stops the dispatcher from accepting new tasks from the queue. It
// also cancels the context handed to in-flight work, so a task already in
// progress sees its pending requests fail; it is not left to finish its
// current file. Safe to call before Run starts or after it returns (no-op
// in both cases).
func (d *Dispatcher) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run creates n sessions eagerly (one broker.Acquire call per worker,
// serialized by the broker's login mutex), then drains tasks from a shared
// pull-model queue until it is empty or the run is cancelled. Sessions are
// closed when Run returns.
//
// If not a single worker can acquire a session, the whole source is
// considered fatally failed: every task is returned with Fatal set and no
// work is attempted.
func (d *Dispatcher) Run(ctx context.Context, tasks []Task, work WorkFunc) []Result {
	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	sessions, acquireErr := d.acquireSessions(runCtx)
	defer func() {
		for _, s := range sessions {
			s.Close()
		}
	}()

	if len(sessions) == 0 {
		results := make([]Result, len(tasks))
		for i, t := range tasks {
			results[i] = Result{Course: t.Course, Errors: []error{acquireErr}, Fatal: true}
		}
		return results
	}

	queue := make(chan Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	resultsCh := make(chan Result, len(tasks))
	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess session.Session) {
			defer wg.Done()
			d.drain(runCtx, sess, queue, resultsCh, work)
		}(sess)
	}
	wg.Wait()
	close(resultsCh)

	results := make([]Result, 0, len(tasks))
	for r := range resultsCh {
		results = append(results, r)
	}
	return results
}

func (d *Dispatcher) acquireSessions(ctx context.Context) ([]session.Session, error) {
	sessions := make([]session.Session, 0, d.n)
	var lastErr error
	for i := 0; i < d.n; i++ {
		sess, err := d.broker.Acquire(ctx, d.source, d.creds)
		if err != nil {
			lastErr = err
			break // same credentials, same source: further attempts would fail identically
		}
		sessions = append(sessions, sess)
	}
	return sessions, lastErr
}

func (d *Dispatcher) drain(ctx context.Context, sess session.Session, queue <-chan Task, out chan<- Result, work WorkFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case task, ok := <-queue:
			if !ok {
				return
			}
			files, errs := work(ctx, sess, task)
			out <- Result{Course: task.Course, DownloadedFiles: files, Errors: errs}
		}
	}
}
