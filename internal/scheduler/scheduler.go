// Package scheduler decides when queued tasks become eligible and in which
// order they are handed to the dispatcher.
//
// A task is eligible once every task it depends on has completed. Eligible
// tasks wait in a ready-queue ordered by priority (10 first) and then by
// creation order. Completing a task only re-evaluates its direct dependents.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ShayCichocki/orchestra/internal/graph"
	"github.com/ShayCichocki/orchestra/pkg/models"
)

type phase int

const (
	// waiting: queued with unmet dependencies.
	waiting phase = iota
	// ready: in the ready-queue.
	ready
	// popped: handed to the dispatcher.
	popped
	// retired: cancelled or finished, never eligible again.
	retired
)

type entry struct {
	item  *item
	unmet int
	phase phase
}

// Entry is a read-only view of a ready-queue slot.
type Entry struct {
	ID       string
	Priority int
	Seq      uint64
}

// Scheduler tracks dependency state and the ready-queue. It is safe for
// concurrent use; callers that need atomicity with their own state must
// serialize calls themselves.
type Scheduler struct {
	mu      sync.Mutex
	graph   *graph.DependencyGraph
	entries map[string]*entry
	ready   readyHeap
	// signal has capacity 1 so a push never blocks and a wakeup is never lost.
	signal chan struct{}
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		graph:   graph.New(),
		entries: make(map[string]*entry),
		signal:  make(chan struct{}, 1),
	}
}

// Admit registers a queued task. satisfied reports whether a dependency has
// already completed. A task with no unmet dependencies goes straight into
// the ready-queue. It returns true if the task became ready.
func (s *Scheduler) Admit(id string, priority int, seq uint64, deps []string, satisfied func(dep string) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.addNodeLocked(id, deps); err != nil {
		return false, err
	}

	e := &entry{item: &item{id: id, priority: priority, seq: seq, index: -1}}
	for _, dep := range s.graph.Dependencies(id) {
		if satisfied == nil || !satisfied(dep) {
			e.unmet++
		}
	}
	s.entries[id] = e
	if e.unmet == 0 {
		s.pushLocked(e)
		return true, nil
	}
	return false, nil
}

// Track registers a task that will never be scheduled (running or terminal)
// so its dependents can still be found.
func (s *Scheduler) Track(id string, deps []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.addNodeLocked(id, deps); err != nil {
		return err
	}
	s.entries[id] = &entry{item: &item{id: id, index: -1}, phase: retired}
	return nil
}

func (s *Scheduler) addNodeLocked(id string, deps []string) error {
	if err := s.graph.Add(id, deps); err != nil {
		switch {
		case errors.Is(err, graph.ErrUnknownNode):
			return &models.Error{Kind: models.ErrUnknownDependency, Msg: err.Error()}
		case errors.Is(err, graph.ErrCycleDetected):
			return &models.Error{Kind: models.ErrCyclicDependency, Msg: err.Error()}
		default:
			return fmt.Errorf("admit %s: %w", id, err)
		}
	}
	return nil
}

// OnCompleted re-evaluates the direct dependents of id and returns those
// that became ready.
func (s *Scheduler) OnCompleted(id string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[id]; ok {
		s.retireLocked(e)
	}

	var woke []string
	for _, dep := range s.graph.Dependents(id) {
		e, ok := s.entries[dep]
		if !ok || e.phase != waiting || e.unmet == 0 {
			continue
		}
		e.unmet--
		if e.unmet == 0 {
			s.pushLocked(e)
			woke = append(woke, dep)
		}
	}
	return woke
}

// Forget retires id: it is removed from the ready-queue and will never be
// returned by Pop.
func (s *Scheduler) Forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		s.retireLocked(e)
	}
}

// Requeue puts a previously popped task back into the ready-queue, keeping
// its original sequence number.
func (s *Scheduler) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return models.Errorf(models.ErrNotFound, "task %s is not scheduled", id)
	}
	if e.phase == ready {
		return nil
	}
	e.unmet = 0
	s.pushLocked(e)
	return nil
}

// Reprioritize changes the priority of id, reordering the ready-queue if
// the task is in it.
func (s *Scheduler) Reprioritize(id string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.item.priority = priority
	if e.item.index >= 0 {
		heap.Fix(&s.ready, e.item.index)
	}
}

// Pop blocks until a task is ready or ctx is done.
func (s *Scheduler) Pop(ctx context.Context) (string, error) {
	for {
		if id, ok := s.TryPop(); ok {
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.signal:
		}
	}
}

// TryPop removes and returns the highest-priority ready task, if any.
func (s *Scheduler) TryPop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.Len() == 0 {
		return "", false
	}
	it := heap.Pop(&s.ready).(*item)
	s.entries[it.id].phase = popped
	if s.ready.Len() > 0 {
		s.notify()
	}
	return it.id, true
}

// Len returns the number of ready tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

// Waiting returns the number of queued tasks blocked on dependencies.
func (s *Scheduler) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.phase == waiting && e.unmet > 0 {
			n++
		}
	}
	return n
}

// Contains reports whether id is currently in the ready-queue.
func (s *Scheduler) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return ok && e.phase == ready
}

// Dependents returns the direct dependents of id.
func (s *Scheduler) Dependents(id string) []string {
	return s.graph.Dependents(id)
}

// Snapshot returns the ready-queue in dispatch order.
func (s *Scheduler) Snapshot() []Entry {
	s.mu.Lock()
	h := make(readyHeap, len(s.ready))
	for i, it := range s.ready {
		h[i] = &item{id: it.id, priority: it.priority, seq: it.seq, index: i}
	}
	s.mu.Unlock()

	out := make([]Entry, 0, len(h))
	for h.Len() > 0 {
		it := heap.Pop(&h).(*item)
		out = append(out, Entry{ID: it.id, Priority: it.priority, Seq: it.seq})
	}
	return out
}

func (s *Scheduler) pushLocked(e *entry) {
	e.phase = ready
	heap.Push(&s.ready, e.item)
	s.notify()
}

func (s *Scheduler) retireLocked(e *entry) {
	if e.item.index >= 0 {
		heap.Remove(&s.ready, e.item.index)
	}
	e.phase = retired
}

func (s *Scheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
