// Package scheduler runs turns with strict per-session ordering and a global
// concurrency cap.
//
// Each session key owns a lane: a FIFO of queued turn IDs plus at most one
// running turn. A weighted semaphore bounds how many turns run at once across
// all lanes. When a slot frees up, the idle lane whose oldest queued turn
// arrived first is started next. Errors and panics end a turn but never stall
// its lane; retries are left to the caller.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nextlevelbuilder/clawlane/internal/metrics"
)

var (
	ErrClosed    = errors.New("scheduler closed")
	ErrLaneFull  = errors.New("session lane is full")
	ErrCancelled = errors.New("turn cancelled")
	ErrDuplicate = errors.New("turn id already scheduled")
)

// Turn is one unit of work bound to a session key.
type Turn struct {
	ID        string
	Key       string
	ArrivedAt time.Time

	// Run executes the turn. ctx is cancelled by Cancel, CancelSession or a
	// forced shutdown.
	Run func(ctx context.Context) error

	// Dropped, if set, is called instead of Run when the turn is removed
	// before it started (ErrCancelled or ErrClosed).
	Dropped func(err error)

	seq uint64
}

// Config bounds the scheduler.
type Config struct {
	MaxConcurrent     int // global cap; values < 1 mean 1
	MaxPendingPerLane int // 0 = unbounded
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Running int `json:"running"`
	Pending int `json:"pending"`
	Lanes   int `json:"lanes"`
}

type entry struct {
	turn     *Turn
	cancel   context.CancelFunc // nil while queued
	enqueued time.Time
}

// Scheduler owns all lanes and the turn registry.
type Scheduler struct {
	sem        *semaphore.Weighted
	maxPending int

	mu      sync.Mutex
	lanes   map[string]*lane
	turns   map[string]*entry
	ready   readyHeap
	seq     uint64
	running int
	pending int
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	n := cfg.MaxConcurrent
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sem:        semaphore.NewWeighted(int64(n)),
		maxPending: cfg.MaxPendingPerLane,
		lanes:      make(map[string]*lane),
		turns:      make(map[string]*entry),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Enqueue appends t to its session lane and returns immediately.
func (s *Scheduler) Enqueue(t *Turn) error {
	if t == nil || t.ID == "" || t.Key == "" || t.Run == nil {
		return fmt.Errorf("enqueue: turn requires id, key and run func")
	}
	if t.ArrivedAt.IsZero() {
		t.ArrivedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if _, exists := s.turns[t.ID]; exists {
		return ErrDuplicate
	}

	l, ok := s.lanes[t.Key]
	if !ok {
		l = newLane(t.Key)
	}
	if s.maxPending > 0 && len(l.pending) >= s.maxPending {
		return ErrLaneFull
	}
	s.lanes[t.Key] = l

	s.seq++
	t.seq = s.seq
	s.turns[t.ID] = &entry{turn: t, enqueued: time.Now()}
	l.pending = append(l.pending, t.ID)
	s.pending++
	metrics.SchedulerPending.Inc()

	if l.idle() && len(l.pending) == 1 {
		s.markReadyLocked(l)
	}
	s.dispatchLocked()
	return nil
}

// markReadyLocked refreshes the lane's head data and (re)positions it in the
// ready heap. Lanes that are running or empty are taken out.
func (s *Scheduler) markReadyLocked(l *lane) {
	if !l.idle() || l.empty() {
		if l.index >= 0 {
			heap.Remove(&s.ready, l.index)
		}
		return
	}
	head := s.turns[l.pending[0]].turn
	l.headArrived = head.ArrivedAt
	l.headSeq = head.seq
	if l.index >= 0 {
		heap.Fix(&s.ready, l.index)
	} else {
		heap.Push(&s.ready, l)
	}
}

// dispatchLocked starts turns while slots are free and lanes are ready.
func (s *Scheduler) dispatchLocked() {
	for s.ready.Len() > 0 {
		if !s.sem.TryAcquire(1) {
			return
		}
		l := heap.Pop(&s.ready).(*lane)
		id := l.pending[0]
		l.pending = l.pending[1:]
		l.running = id

		e := s.turns[id]
		ctx, cancel := context.WithCancel(s.baseCtx)
		e.cancel = cancel

		s.pending--
		s.running++
		metrics.SchedulerPending.Dec()
		metrics.SchedulerRunning.Inc()
		metrics.QueueWait.Observe(time.Since(e.enqueued).Seconds())

		s.wg.Add(1)
		go s.execute(ctx, l.key, e.turn)
	}
}

func (s *Scheduler) execute(ctx context.Context, key string, t *Turn) {
	defer s.wg.Done()

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("turn panic: %v", r)
				slog.Error("scheduler.turn_panic", "turn", t.ID, "session", key, "panic", r)
			}
		}()
		err = t.Run(ctx)
	}()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("scheduler.turn_failed", "turn", t.ID, "session", key, "error", err)
	}
	s.complete(key, t.ID)
}

// complete releases the slot and the lane, then starts whatever is next.
func (s *Scheduler) complete(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.turns[id]; ok {
		if e.cancel != nil {
			e.cancel()
		}
		delete(s.turns, id)
	}
	s.running--
	metrics.SchedulerRunning.Dec()
	s.sem.Release(1)

	if l, ok := s.lanes[key]; ok {
		l.running = ""
		if l.empty() {
			delete(s.lanes, key)
		} else {
			s.markReadyLocked(l)
		}
	}
	s.dispatchLocked()
}

// Cancel stops a turn. A running turn has its context cancelled; a queued
// turn is removed and its Dropped callback receives ErrCancelled. Returns
// false if the id is unknown.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	e, ok := s.turns[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
		s.mu.Unlock()
		return true
	}
	s.dropLocked(e.turn)
	s.mu.Unlock()

	if e.turn.Dropped != nil {
		e.turn.Dropped(ErrCancelled)
	}
	return true
}

// CancelSession cancels the running turn of key and drops everything queued
// behind it. Returns how many turns were affected.
func (s *Scheduler) CancelSession(key string) int {
	s.mu.Lock()
	l, ok := s.lanes[key]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	n := 0
	if l.running != "" {
		if e := s.turns[l.running]; e != nil && e.cancel != nil {
			e.cancel()
			n++
		}
	}
	var dropped []*Turn
	for _, id := range append([]string(nil), l.pending...) {
		if e := s.turns[id]; e != nil {
			s.dropLocked(e.turn)
			dropped = append(dropped, e.turn)
		}
	}
	s.mu.Unlock()

	for _, t := range dropped {
		if t.Dropped != nil {
			t.Dropped(ErrCancelled)
		}
	}
	return n + len(dropped)
}

// dropLocked removes a queued turn from its lane and the registry.
func (s *Scheduler) dropLocked(t *Turn) {
	delete(s.turns, t.ID)
	s.pending--
	metrics.SchedulerPending.Dec()

	l, ok := s.lanes[t.Key]
	if !ok {
		return
	}
	found, wasHead := l.remove(t.ID)
	if !found {
		return
	}
	if l.idle() && l.empty() {
		if l.index >= 0 {
			heap.Remove(&s.ready, l.index)
		}
		delete(s.lanes, t.Key)
		return
	}
	if wasHead {
		s.markReadyLocked(l)
	}
}

// Lookup returns the session key of a known turn and whether it is running.
func (s *Scheduler) Lookup(id string) (key string, running bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.turns[id]
	if !ok {
		return "", false, false
	}
	return e.turn.Key, e.cancel != nil, true
}

// RunningTurn returns the id of the turn currently running for key.
func (s *Scheduler) RunningTurn(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lanes[key]; ok && l.running != "" {
		return l.running, true
	}
	return "", false
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Running: s.running, Pending: s.pending, Lanes: len(s.lanes)}
}

// Shutdown stops accepting turns and drops everything queued (Dropped gets
// ErrClosed). It then waits for running turns; if ctx expires first, running
// turns are cancelled and ctx.Err() is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	var dropped []*Turn
	for _, l := range s.lanes {
		for _, id := range l.pending {
			if e := s.turns[id]; e != nil {
				dropped = append(dropped, e.turn)
				delete(s.turns, id)
			}
		}
		s.pending -= len(l.pending)
		metrics.SchedulerPending.Sub(float64(len(l.pending)))
		l.pending = nil
		if l.idle() {
			delete(s.lanes, l.key)
		}
	}
	s.ready = s.ready[:0]
	s.mu.Unlock()

	for _, t := range dropped {
		if t.Dropped != nil {
			t.Dropped(ErrClosed)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-ctx.Done():
		s.baseCancel()
		<-done
		return ctx.Err()
	}
}
