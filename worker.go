// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Worker states.
const (
	WorkerCreated  = "created"
	WorkerActive   = "active"
	WorkerStopping = "stopping"
	WorkerStopped  = "stopped"
)

// errShutdown is stored as the output of jobs that were failed because
// their worker stopped.
var errShutdown = errors.New("jobqueue shut down while job was active")

// WorkerInfo describes the state of a worker.
type WorkerInfo struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	State            string    `json:"state"`
	Loops            int       `json:"loops"`
	Active           int       `json:"active"`    // jobs held right now
	Processed        int       `json:"processed"` // jobs completed by the processor
	Failed           int       `json:"failed"`    // jobs failed by the processor
	CreatedOn        time.Time `json:"createdOn"`
	LastFetchedOn    time.Time `json:"lastFetchedOn,omitempty"`
	LastJobStartedOn time.Time `json:"lastJobStartedOn,omitempty"`
	LastJobEndedOn   time.Time `json:"lastJobEndedOn,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	LastErrorOn      time.Time `json:"lastErrorOn,omitempty"`
}

// worker polls a single queue with one or more loops and passes the
// claimed jobs to its processor.
type worker struct {
	m      *Manager
	id     string
	name   string
	opts   WorkOptions
	p      Processor
	groups *groupTracker // nil unless LocalGroupConcurrency is set

	ctx      context.Context // parent of all processor contexts
	cancel   context.CancelFunc
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	loopsWg  sync.WaitGroup
	errLog   rate.Sometimes

	mu        sync.Mutex // guards the following block
	wakec     chan struct{}
	state     string
	inflight  map[string]*Job
	processed int
	failed    int
	createdOn time.Time
	fetchedOn time.Time
	startedOn time.Time
	endedOn   time.Time
	lastErr   error
	lastErrOn time.Time
}

func newWorker(m *Manager, name string, opts WorkOptions, p Processor) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		m:         m,
		id:        uuid.New().String(),
		name:      name,
		opts:      opts,
		p:         p,
		ctx:       ctx,
		cancel:    cancel,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		errLog:    rate.Sometimes{First: 1, Interval: time.Minute},
		wakec:     make(chan struct{}),
		state:     WorkerCreated,
		inflight:  make(map[string]*Job),
		createdOn: time.Now(),
	}
	if opts.LocalGroupConcurrency != nil {
		w.groups = newGroupTracker(opts.LocalGroupConcurrency)
	}
	return w
}

// start spins up the polling loops.
func (w *worker) start() {
	w.setState(WorkerActive)
	for i := 0; i < w.opts.LocalConcurrency; i++ {
		w.loopsWg.Add(1)
		go w.run()
	}
	go func() {
		w.loopsWg.Wait()
		w.cancel()
		w.setState(WorkerStopped)
		close(w.done)
	}()
}

// stop tells the loops to exit after their current batch.
func (w *worker) stop() {
	w.stopOnce.Do(func() {
		w.setState(WorkerStopping)
		close(w.stopping)
	})
}

// wake interrupts the sleep of all loops.
func (w *worker) wake() {
	w.mu.Lock()
	close(w.wakec)
	w.wakec = make(chan struct{})
	w.mu.Unlock()
}

// failActive fails all jobs the worker currently holds and cancels the
// context passed to the processor.
func (w *worker) failActive(ctx context.Context) error {
	w.mu.Lock()
	ids := make([]string, 0, len(w.inflight))
	for id := range w.inflight {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	w.cancel()
	if len(ids) == 0 {
		return nil
	}
	output, err := marshalOutput(errShutdown)
	if err != nil {
		return err
	}
	_, err = w.m.st.Fail(ctx, w.name, ids, output)
	return err
}

func (w *worker) isStopping() bool {
	select {
	case <-w.stopping:
		return true
	default:
		return false
	}
}

// run is the main goroutine of a loop. It polls, processes the claimed
// batch, then sleeps for the rest of the polling interval.
func (w *worker) run() {
	defer w.loopsWg.Done()
	for !w.isStopping() {
		started := time.Now()
		w.poll()
		delay := w.opts.PollingInterval - time.Since(started)
		if delay < 0 {
			delay = 0
		}
		if !w.sleep(delay) {
			return
		}
	}
}

// sleep waits for d, or until the worker is woken up. It returns false
// if the worker is stopping.
func (w *worker) sleep(d time.Duration) bool {
	w.mu.Lock()
	wakec := w.wakec
	w.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-wakec:
		return true
	case <-w.stopping:
		return false
	}
}

func (w *worker) poll() {
	jobs, leftover, err := w.fetch()
	if err != nil && w.ctx.Err() != nil {
		return
	}
	if err != nil {
		w.setError(err)
		w.m.events.emit(Event{Kind: EventError, Queue: w.name, Message: err.Error(), Err: err})
		w.errLog.Do(func() {
			w.m.logger.Printf("jobqueue: worker %s failed to fetch jobs from %s: %v", w.id, w.name, err)
		})
		return
	}
	if len(jobs) > 0 {
		w.process(jobs)
		if w.groups != nil {
			w.groups.release(jobs)
		}
	}

	// Jobs beyond the local group capacity run one by one as soon as
	// their group has room.
	for i, j := range leftover {
		if !w.groups.acquireWait(w.ctx, j) {
			// Cancelled by failActive, which failed the jobs already.
			w.untrack(leftover[i:])
			return
		}
		w.process([]*Job{j})
		w.groups.release([]*Job{j})
	}
}

// fetch claims the next batch. With local group concurrency, the claim
// and the reservation of capacity happen while holding the claim lock
// of the worker.
func (w *worker) fetch() (jobs, leftover []*Job, err error) {
	q, err := w.m.registry.resolve(w.ctx, w.name)
	if err != nil {
		return nil, nil, err
	}
	req := &FetchRequest{
		Queue:            q,
		BatchSize:        w.opts.BatchSize,
		Priority:         !w.opts.DisablePriority,
		IncludeMetadata:  w.opts.IncludeMetadata,
		Distributed:      w.opts.Distributed,
		GroupConcurrency: w.opts.GroupConcurrency,
	}
	if w.groups == nil {
		jobs, err = w.m.st.Fetch(w.ctx, req)
		if err != nil {
			return nil, nil, err
		}
		w.fetched(jobs)
		return jobs, nil, nil
	}

	w.groups.claimMu.Lock()
	defer w.groups.claimMu.Unlock()
	req.GroupConcurrency = w.opts.LocalGroupConcurrency
	req.GroupActive = w.groups.snapshot()
	jobs, err = w.m.st.Fetch(w.ctx, req)
	if err != nil {
		return nil, nil, err
	}
	w.fetched(jobs)
	jobs, leftover = w.groups.acquire(jobs)
	return jobs, leftover, nil
}

func (w *worker) fetched(jobs []*Job) {
	w.mu.Lock()
	w.fetchedOn = time.Now()
	for _, j := range jobs {
		w.inflight[j.ID] = j
	}
	w.mu.Unlock()
	if len(jobs) > 0 {
		w.m.workersChanged()
		w.m.testJobFetched() // testing hook
	}
}

// process runs the processor on a batch and completes or fails all jobs
// of the batch depending on the outcome.
func (w *worker) process(jobs []*Job) {
	defer w.untrack(jobs)

	w.mu.Lock()
	w.startedOn = time.Now()
	w.mu.Unlock()
	w.m.workersChanged()
	w.m.testJobStarted() // testing hook

	ctx, cancel := context.WithTimeout(w.ctx, batchExpiration(jobs))
	defer cancel()

	stopHeartbeat := w.heartbeat(ctx, jobs)
	result, err := w.invoke(ctx, jobs)
	stopHeartbeat()

	if w.ctx.Err() != nil {
		// The jobs were failed by failActive.
		return
	}
	ids := jobIDs(jobs)
	if err == nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("job expired after %v", batchExpiration(jobs))
	}
	if err != nil {
		output, merr := marshalOutput(err)
		if merr != nil {
			output = nil
		}
		if _, ferr := w.m.st.Fail(context.Background(), w.name, ids, output); ferr != nil {
			w.setError(ferr)
			w.m.reportError(w.name, ferr)
		}
		w.setError(err)
		w.mu.Lock()
		w.failed += len(jobs)
		w.mu.Unlock()
		w.m.testJobFailed() // testing hook
		return
	}

	// Only a single job gets the result of the processor as its output.
	var output interface{}
	if len(jobs) == 1 {
		output = result
	}
	data, merr := marshalOutput(output)
	if merr != nil {
		w.m.reportError(w.name, fmt.Errorf("jobqueue: cannot encode output of job %s: %w", jobs[0].ID, merr))
		data = nil
	}
	if _, err := w.m.st.Complete(context.Background(), w.name, ids, data); err != nil {
		w.setError(err)
		w.m.reportError(w.name, err)
		return
	}
	w.mu.Lock()
	w.processed += len(jobs)
	w.mu.Unlock()
	w.m.testJobCompleted() // testing hook
}

// invoke calls the processor. A panic in the processor is returned as an
// error.
func (w *worker) invoke(ctx context.Context, jobs []*Job) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return w.p(ctx, jobs)
}

func (w *worker) untrack(jobs []*Job) {
	w.mu.Lock()
	for _, j := range jobs {
		delete(w.inflight, j.ID)
	}
	w.endedOn = time.Now()
	w.mu.Unlock()
	w.m.workersChanged()
}

func (w *worker) setState(state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
	w.m.workersChanged()
}

func (w *worker) setError(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastErrOn = time.Now()
	w.mu.Unlock()
}

func (w *worker) info() WorkerInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	info := WorkerInfo{
		ID:               w.id,
		Name:             w.name,
		State:            w.state,
		Loops:            w.opts.LocalConcurrency,
		Active:           len(w.inflight),
		Processed:        w.processed,
		Failed:           w.failed,
		CreatedOn:        w.createdOn,
		LastFetchedOn:    w.fetchedOn,
		LastJobStartedOn: w.startedOn,
		LastJobEndedOn:   w.endedOn,
		LastErrorOn:      w.lastErrOn,
	}
	if w.lastErr != nil {
		info.LastError = w.lastErr.Error()
	}
	return info
}

// batchExpiration returns the shortest expiration of the jobs.
func batchExpiration(jobs []*Job) time.Duration {
	var d time.Duration
	for _, j := range jobs {
		if e := j.Expiration(); d == 0 || e < d {
			d = e
		}
	}
	if d <= 0 {
		d = DefaultExpireInSeconds * time.Second
	}
	return d
}

func jobIDs(jobs []*Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}
