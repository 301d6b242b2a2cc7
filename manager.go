// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaintenanceInterval = 60 * time.Second
	defaultQueueCacheInterval  = 60 * time.Second
	defaultCronMonitorInterval = 30 * time.Second
	defaultWIPInterval         = 2 * time.Second
	defaultSlowQueryThreshold  = 30 * time.Second
)

func nop() {}

// Manager sends jobs to queues, runs workers on them, and keeps the
// queues healthy. Create a new manager via New.
type Manager struct {
	logger  Logger
	st      Store // persistent storage
	backoff BackoffFunc
	events  *eventHub

	registry   *registry
	supervisor *supervisor
	timekeeper *timekeeper

	supervise           bool
	schedule            bool
	listen              bool
	maintenanceInterval time.Duration
	queueCacheInterval  time.Duration
	cronMonitorInterval time.Duration
	wipInterval         time.Duration
	slowQueryThreshold  time.Duration
	warningQueueSize    int

	mu       sync.Mutex // guards the following block
	started  bool
	stopping bool
	workers  map[string]*worker
	cancel   context.CancelFunc // stops the background loops
	loopsWg  sync.WaitGroup

	wipVersion uint64 // incremented whenever a worker changes

	testManagerStarted  func() // testing hook
	testManagerStopped  func() // testing hook
	testJobFetched      func() // testing hook
	testJobStarted      func() // testing hook
	testJobCompleted    func() // testing hook
	testJobFailed       func() // testing hook
	testJobTouched      func() // testing hook
	testMaintenanceDone func() // testing hook
	testCronTicked      func() // testing hook
}

// New creates a new manager. Pass options to New to configure it.
func New(options ...ManagerOption) *Manager {
	m := &Manager{
		logger:              stdLogger{},
		backoff:             exponentialBackoff,
		events:              newEventHub(),
		supervise:           true,
		schedule:            true,
		listen:              true,
		maintenanceInterval: defaultMaintenanceInterval,
		queueCacheInterval:  defaultQueueCacheInterval,
		cronMonitorInterval: defaultCronMonitorInterval,
		wipInterval:         defaultWIPInterval,
		slowQueryThreshold:  defaultSlowQueryThreshold,
		workers:             make(map[string]*worker),
		testManagerStarted:  nop,
		testManagerStopped:  nop,
		testJobFetched:      nop,
		testJobStarted:      nop,
		testJobCompleted:    nop,
		testJobFailed:       nop,
		testJobTouched:      nop,
		testMaintenanceDone: nop,
		testCronTicked:      nop,
	}
	for _, opt := range options {
		opt(m)
	}
	m.registry = newRegistry(m.st)
	m.supervisor = newSupervisor(m)
	m.timekeeper = newTimekeeper(m)
	return m
}

// -- Configuration --

// ManagerOption is the signature of an options provider.
type ManagerOption func(*Manager)

// SetLogger specifies the logger to use when e.g. reporting errors.
func SetLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		} else {
			m.logger = nopLogger{}
		}
	}
}

// SetStore specifies the backing Store implementation for the manager.
func SetStore(store Store) ManagerOption {
	return func(m *Manager) {
		m.st = store
	}
}

// SetBackoffFunc specifies the backoff policy for retrying failed
// maintenance actions. Exponential backoff is used by default.
func SetBackoffFunc(fn BackoffFunc) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.backoff = fn
		} else {
			m.backoff = exponentialBackoff
		}
	}
}

// SetSupervise enables or disables queue maintenance. It is enabled by
// default.
func SetSupervise(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.supervise = enabled
	}
}

// SetSchedule enables or disables the evaluation of cron schedules. It
// is enabled by default.
func SetSchedule(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.schedule = enabled
	}
}

// SetListen enables or disables waking up workers on notifications from
// other processes. It is enabled by default.
func SetListen(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.listen = enabled
	}
}

// SetMaintenanceInterval sets the time between two maintenance runs of a
// queue. It is 60 seconds by default.
func SetMaintenanceInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.maintenanceInterval = d
		}
	}
}

// SetQueueCacheInterval sets how often the queue configuration cache is
// refreshed.
func SetQueueCacheInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.queueCacheInterval = d
		}
	}
}

// SetCronMonitorInterval sets how often schedules are evaluated.
func SetCronMonitorInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.cronMonitorInterval = d
		}
	}
}

// SetWIPInterval sets how often worker state changes are reported as
// EventWIP.
func SetWIPInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.wipInterval = d
		}
	}
}

// SetSlowQueryThreshold sets the duration after which a maintenance
// statement is reported as slow.
func SetSlowQueryThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.slowQueryThreshold = d
		}
	}
}

// SetWarningQueueSize sets the number of queued jobs above which a
// warning is reported for queues without their own threshold.
func SetWarningQueueSize(n int) ManagerOption {
	return func(m *Manager) {
		m.warningQueueSize = n
	}
}

// -- Start and Stop --

// Start runs the manager. Use Stop, Close, or CloseWithTimeout to stop it.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return ErrAlreadyStarted
	}
	if m.st == nil {
		return errors.New("jobqueue: no store configured")
	}

	// Initialize Store
	if err := m.st.Start(ctx); err != nil {
		return err
	}
	if err := m.registry.refresh(ctx); err != nil {
		return err
	}

	bg, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.goLoop(func() {
		m.registry.run(bg, m.queueCacheInterval, func(err error) {
			m.reportError("", err)
		})
	})
	if m.supervise {
		m.goLoop(func() { m.supervisor.run(bg) })
	}
	if m.schedule {
		m.goLoop(func() { m.timekeeper.run(bg) })
	}
	if m.listen {
		m.goLoop(func() { m.listenLoop(bg) })
	}
	m.goLoop(func() { m.wipLoop(bg) })

	m.started = true
	m.testManagerStarted() // testing hook
	return nil
}

func (m *Manager) goLoop(fn func()) {
	m.loopsWg.Add(1)
	go func() {
		defer m.loopsWg.Done()
		fn()
	}()
}

// Stop stops the manager. It stops all workers and waits for their jobs
// to finish until ctx is done. Jobs still active at that time are failed.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()

	// Stop accepting new jobs
	m.cancel()
	for _, w := range workers {
		w.stop()
	}

	var err error
	if waitErr := waitWorkers(ctx, workers); waitErr != nil {
		for _, w := range workers {
			if ferr := w.failActive(context.Background()); ferr != nil {
				m.reportError(w.name, ferr)
			}
		}
		err = errors.New("jobqueue: close timed out")
	}
	m.loopsWg.Wait()

	m.mu.Lock()
	m.started = false
	m.stopping = false
	m.mu.Unlock()

	m.events.emit(Event{Kind: EventStopped})
	m.testManagerStopped() // testing hook
	return err
}

// Close stops the manager and waits for working jobs to finish.
func (m *Manager) Close() error {
	return m.CloseWithTimeout(-1 * time.Second)
}

// CloseWithTimeout stops the manager. It waits for the specified timeout,
// then fails the jobs that are still working and closes down. If the
// timeout is negative, the manager waits forever for all working jobs to
// end.
func (m *Manager) CloseWithTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return m.Stop(context.Background())
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Stop(ctx)
}

// waitWorkers waits until all workers exited or ctx is done.
func waitWorkers(ctx context.Context, workers []*worker) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			select {
			case <-w.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// -- Events --

// Subscribe returns a channel that receives the events of the manager.
// Events are dropped while the buffer of the channel is full. Call the
// returned function to unsubscribe.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.events.subscribe(buffer)
}

func (m *Manager) reportError(queue string, err error) {
	m.logger.Printf("jobqueue: %v", err)
	m.events.emit(Event{Kind: EventError, Queue: queue, Message: err.Error(), Err: err})
}

func (m *Manager) reportWarning(queue, msg string) {
	m.logger.Printf("jobqueue: warning: %s", msg)
	m.events.emit(Event{Kind: EventWarning, Queue: queue, Message: msg})
}

// -- Send and Fetch --

// Send creates a job in the named queue. It returns the identifier of
// the job, or an empty string if the job was rejected by the policy of
// the queue or by a throttle window.
func (m *Manager) Send(ctx context.Context, name string, data interface{}, opts *SendOptions) (string, error) {
	if err := validateQueueName(name); err != nil {
		return "", err
	}
	if opts != nil && opts.SingletonNextSlot && opts.SingletonSeconds == 0 {
		return "", invalidArgument("next slot requires singleton seconds")
	}
	q, err := m.registry.resolve(ctx, name)
	if err != nil {
		return "", err
	}
	j := opts.jobInsert(data)
	if err := validateJobInsert(q, j); err != nil {
		return "", err
	}
	return m.insertOne(ctx, q, j, opts != nil && opts.SingletonNextSlot)
}

// Insert creates many jobs in the named queue with a single statement.
// Jobs rejected by the policy of the queue are skipped. It returns the
// identifiers of the jobs that were created.
func (m *Manager) Insert(ctx context.Context, name string, jobs []*JobInsert) ([]string, error) {
	if err := validateQueueName(name); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	q, err := m.registry.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		if j == nil {
			return nil, invalidArgument("job must not be nil")
		}
		if err := validateJobInsert(q, j); err != nil {
			return nil, err
		}
	}
	ids, err := m.st.Insert(ctx, q, jobs)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		m.notify(ctx, name)
	}
	return ids, nil
}

// Fetch claims jobs from the named queue. The jobs are active when Fetch
// returns, and the caller is responsible to complete or fail them. Fetch
// returns an empty slice if no job could be claimed.
func (m *Manager) Fetch(ctx context.Context, name string, opts *FetchOptions) ([]*Job, error) {
	if err := validateQueueName(name); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &FetchOptions{}
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	q, err := m.registry.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	return m.st.Fetch(ctx, &FetchRequest{
		Queue:            q,
		BatchSize:        batchSize,
		Priority:         !opts.DisablePriority,
		IncludeMetadata:  opts.IncludeMetadata,
		IgnoreStartAfter: opts.IgnoreStartAfter,
		Distributed:      opts.Distributed,
		GroupConcurrency: opts.GroupConcurrency,
	})
}

// -- Commands --

// Complete marks active jobs as completed. Data is stored as the output
// of the jobs; values that do not encode to a JSON object are wrapped
// as {"value": data}.
func (m *Manager) Complete(ctx context.Context, name string, ids []string, data interface{}) (*CommandResponse, error) {
	if err := validateCommand(name, ids); err != nil {
		return nil, err
	}
	output, err := marshalOutput(data)
	if err != nil {
		return nil, err
	}
	n, err := m.st.Complete(ctx, name, ids, output)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(ids, n), nil
}

// Fail fails active or pending jobs. Jobs with retries left move to the
// retry state. An error passed as data is stored as {"message": ...}.
func (m *Manager) Fail(ctx context.Context, name string, ids []string, data interface{}) (*CommandResponse, error) {
	if err := validateCommand(name, ids); err != nil {
		return nil, err
	}
	output, err := marshalOutput(data)
	if err != nil {
		return nil, err
	}
	n, err := m.st.Fail(ctx, name, ids, output)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(ids, n), nil
}

// Cancel cancels pending or active jobs.
func (m *Manager) Cancel(ctx context.Context, name string, ids []string) (*CommandResponse, error) {
	return m.command(ctx, name, ids, m.st.Cancel)
}

// Resume moves cancelled jobs back to the created state.
func (m *Manager) Resume(ctx context.Context, name string, ids []string) (*CommandResponse, error) {
	res, err := m.command(ctx, name, ids, m.st.Resume)
	if err == nil && res.Affected > 0 {
		m.notify(ctx, name)
	}
	return res, err
}

// Retry moves failed jobs back to the retry state.
func (m *Manager) Retry(ctx context.Context, name string, ids []string) (*CommandResponse, error) {
	res, err := m.command(ctx, name, ids, m.st.Retry)
	if err == nil && res.Affected > 0 {
		m.notify(ctx, name)
	}
	return res, err
}

// DeleteJob removes jobs regardless of their state.
func (m *Manager) DeleteJob(ctx context.Context, name string, ids []string) (*CommandResponse, error) {
	return m.command(ctx, name, ids, m.st.Delete)
}

// Touch records a heartbeat for active jobs.
func (m *Manager) Touch(ctx context.Context, name string, ids []string) (*CommandResponse, error) {
	return m.command(ctx, name, ids, m.st.Touch)
}

func (m *Manager) command(ctx context.Context, name string, ids []string, fn func(context.Context, string, []string) (int, error)) (*CommandResponse, error) {
	if err := validateCommand(name, ids); err != nil {
		return nil, err
	}
	n, err := fn(ctx, name, ids)
	if err != nil {
		return nil, err
	}
	return newCommandResponse(ids, n), nil
}

// GetJobByID returns the job with the specified identifier.
// If no such job exists, ErrNotFound is returned.
func (m *Manager) GetJobByID(ctx context.Context, name, id string) (*Job, error) {
	if err := validateCommand(name, []string{id}); err != nil {
		return nil, err
	}
	return m.st.Lookup(ctx, name, id)
}

func validateCommand(name string, ids []string) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	if len(ids) == 0 {
		return invalidArgument("no job ids specified")
	}
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return invalidArgument("job id %q is not a UUID", id)
		}
	}
	return nil
}

// marshalOutput encodes the output of a job. Outputs are always stored
// as JSON objects.
func marshalOutput(data interface{}) (json.RawMessage, error) {
	var b []byte
	switch v := data.(type) {
	case nil:
		return nil, nil
	case error:
		return json.Marshal(map[string]string{"message": v.Error()})
	case json.RawMessage:
		b = v
	default:
		var err error
		if b, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	if b = bytes.TrimSpace(b); len(b) > 0 && b[0] == '{' {
		return b, nil
	}
	return json.Marshal(map[string]json.RawMessage{"value": b})
}

// -- Notifications --

// Notify wakes up the workers of a queue, or the worker with the given
// identifier, so that they poll immediately.
func (m *Manager) Notify(nameOrID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.workers {
		if id == nameOrID || w.name == nameOrID {
			w.wake()
		}
	}
}

// notify wakes up local workers of a queue and tells other processes
// that jobs were added.
func (m *Manager) notify(ctx context.Context, name string) {
	m.Notify(name)
	if err := m.st.Notify(ctx, name); err != nil {
		m.reportError(name, err)
	}
}

func (m *Manager) listenLoop(ctx context.Context) {
	for {
		err := m.st.Listen(ctx, m.Notify)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.reportError("", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.wipInterval):
		}
	}
}

// -- Workers --

// Work starts a worker that polls the named queue and passes the claimed
// jobs to p. It returns the identifier of the worker.
func (m *Manager) Work(ctx context.Context, name string, opts *WorkOptions, p Processor) (string, error) {
	if p == nil {
		return "", invalidArgument("no processor specified")
	}
	if err := validateQueueName(name); err != nil {
		return "", err
	}
	var o WorkOptions
	if opts != nil {
		o = *opts
	}
	o = o.withDefaults()
	if err := o.validate(); err != nil {
		return "", err
	}
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return "", errors.New("jobqueue: manager not started")
	}
	if _, err := m.registry.resolve(ctx, name); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return "", errors.New("jobqueue: manager not started")
	}
	if m.stopping {
		return "", ErrStopped
	}
	w := newWorker(m, name, o, p)
	m.workers[w.id] = w
	w.start()
	m.workersChanged()
	return w.id, nil
}

// OffWork stops the workers of a queue, or the worker with the given
// identifier. With FailActive, the loops get until ctx is done to finish
// their current batch. Jobs still held after that are failed.
func (m *Manager) OffWork(ctx context.Context, nameOrID string, opts *OffWorkOptions) error {
	if opts == nil {
		opts = &OffWorkOptions{}
	}
	m.mu.Lock()
	var workers []*worker
	for id, w := range m.workers {
		if id == nameOrID || w.name == nameOrID {
			workers = append(workers, w)
			delete(m.workers, id)
		}
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	m.workersChanged()
	if opts.FailActive {
		if waitWorkers(ctx, workers) == nil {
			return nil
		}
		for _, w := range workers {
			if err := w.failActive(context.Background()); err != nil {
				return err
			}
		}
		return nil
	}
	if opts.Wait {
		return waitWorkers(ctx, workers)
	}
	return nil
}

// Workers returns the state of all workers of the manager.
func (m *Manager) Workers() []WorkerInfo {
	m.mu.Lock()
	infos := make([]WorkerInfo, 0, len(m.workers))
	for _, w := range m.workers {
		infos = append(infos, w.info())
	}
	m.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name != infos[j].Name {
			return infos[i].Name < infos[j].Name
		}
		return infos[i].CreatedOn.Before(infos[j].CreatedOn)
	})
	return infos
}

func (m *Manager) workersChanged() {
	atomic.AddUint64(&m.wipVersion, 1)
}

// wipLoop reports the state of the workers whenever it changed.
func (m *Manager) wipLoop(ctx context.Context) {
	t := time.NewTicker(m.wipInterval)
	defer t.Stop()
	var seen uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			v := atomic.LoadUint64(&m.wipVersion)
			if v == seen {
				continue
			}
			seen = v
			m.events.emit(Event{Kind: EventWIP, Workers: m.Workers()})
		}
	}
}
