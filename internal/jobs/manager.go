package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrCanceled is returned by job closures that observe their cancel token.
var ErrCanceled = errors.New("job canceled")

// ErrQueueFull is returned by Submit when the bounded queue is at capacity.
var ErrQueueFull = errors.New("job queue full")

// CancelToken is the cooperative cancellation handle passed to job closures.
// Closures poll Canceled at safe points and return ErrCanceled when it fires.
type CancelToken struct {
	flag *atomic.Bool
}

// Canceled reports whether cancellation has been requested.
func (t *CancelToken) Canceled() bool { return t.flag.Load() }

// Err returns ErrCanceled when the token has fired, nil otherwise. Convenience
// for closures that check-and-return in one step.
func (t *CancelToken) Err() error {
	if t.flag.Load() {
		return ErrCanceled
	}
	return nil
}

// Fn is a job closure. It must poll tok periodically and return ErrCanceled
// when cancellation is observed. The returned value must be JSON-serializable.
type Fn func(tok *CancelToken) (any, error)

type task struct {
	id string
	fn Fn
}

// Manager owns the worker pool and the job store.
type Manager struct {
	store *Store
	log   *zap.Logger

	queue chan task
	wg    sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]*atomic.Bool
	closed  bool
}

// NewManager starts workers goroutines consuming a queue of queueDepth.
func NewManager(s *Store, workers, queueDepth int, log *zap.Logger) *Manager {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < 1 {
		queueDepth = 16
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		store:   s,
		log:     log,
		queue:   make(chan task, queueDepth),
		cancels: make(map[string]*atomic.Bool),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Submit persists a queued job and hands it to the pool. Returns the job id.
func (m *Manager) Submit(fn Fn) (string, error) {
	id := uuid.NewString()
	j := Job{ID: id, Status: StatusQueued, CreatedAt: time.Now().UTC()}
	if err := m.store.insert(j); err != nil {
		return "", fmt.Errorf("persist job: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.store.finish(id, StatusFailed, nil, "job manager shut down")
		return "", errors.New("job manager shut down")
	}
	flag := &atomic.Bool{}
	m.cancels[id] = flag
	m.mu.Unlock()

	select {
	case m.queue <- task{id: id, fn: fn}:
	default:
		m.dropCancelFlag(id)
		_ = m.store.finish(id, StatusFailed, nil, ErrQueueFull.Error())
		return "", ErrQueueFull
	}

	m.log.Debug("job queued", zap.String("job_id", id))
	return id, nil
}

// Get returns the persisted job state.
func (m *Manager) Get(id string) (Job, error) { return m.store.Get(id) }

// DB exposes the job store's handle for snapshots and health checks.
func (m *Manager) DB() *sql.DB { return m.store.DB() }

// List returns the most recent jobs.
func (m *Manager) List(limit int) ([]Job, error) { return m.store.List(limit) }

// Cancel requests cancellation. Queued jobs transition to canceled
// immediately; running jobs observe the token cooperatively. No job is
// forcibly killed.
func (m *Manager) Cancel(id string) (Job, error) {
	j, err := m.store.Get(id)
	if err != nil {
		return Job{}, err
	}
	if j.Status.Terminal() {
		return j, nil
	}

	if err := m.store.setCancelRequested(id); err != nil {
		return Job{}, err
	}
	m.mu.Lock()
	if flag, ok := m.cancels[id]; ok {
		flag.Store(true)
	}
	m.mu.Unlock()

	if j.Status == StatusQueued {
		canceled, err := m.store.cancelQueued(id)
		if err != nil {
			return Job{}, err
		}
		if canceled {
			m.log.Info("queued job canceled", zap.String("job_id", id))
		}
	}
	return m.store.Get(id)
}

// Shutdown stops accepting work and waits for running jobs to complete.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.queue)
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		m.run(t)
	}
}

func (m *Manager) run(t task) {
	defer m.dropCancelFlag(t.id)

	// A cancel that landed while the job sat in the queue already finished it.
	current, err := m.store.Get(t.id)
	if err != nil || current.Status.Terminal() {
		return
	}

	m.mu.Lock()
	flag := m.cancels[t.id]
	m.mu.Unlock()
	if flag == nil {
		flag = &atomic.Bool{}
	}
	tok := &CancelToken{flag: flag}

	if tok.Canceled() {
		_ = m.store.finish(t.id, StatusCanceled, nil, ErrCanceled.Error())
		return
	}

	if err := m.store.markRunning(t.id, time.Now().UTC()); err != nil {
		m.log.Error("mark job running", zap.String("job_id", t.id), zap.Error(err))
	}

	result, runErr := t.fn(tok)
	switch {
	case errors.Is(runErr, ErrCanceled) || (runErr != nil && tok.Canceled()):
		_ = m.store.finish(t.id, StatusCanceled, nil, ErrCanceled.Error())
		m.log.Info("job canceled", zap.String("job_id", t.id))
	case runErr != nil:
		_ = m.store.finish(t.id, StatusFailed, nil, runErr.Error())
		m.log.Warn("job failed", zap.String("job_id", t.id), zap.Error(runErr))
	default:
		payload, err := json.Marshal(result)
		if err != nil {
			_ = m.store.finish(t.id, StatusFailed, nil, fmt.Sprintf("serialize result: %v", err))
			return
		}
		_ = m.store.finish(t.id, StatusSucceeded, payload, "")
		m.log.Debug("job succeeded", zap.String("job_id", t.id))
	}
}

func (m *Manager) dropCancelFlag(id string) {
	m.mu.Lock()
	delete(m.cancels, id)
	m.mu.Unlock()
}
