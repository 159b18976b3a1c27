// Package scheduler implements the Scheduler (C3): the ready set of
// Waiting tasks, the priority/ctime/concurrency-cap selection policy, and
// the network/app-state awareness that moves tasks in and out of
// eligibility.
package scheduler

import (
	"sort"
	"sync"

	"transferengine/internal/taskstore"
)

// ReadyQueue holds a snapshot of Waiting tasks considered for promotion.
// Unlike the donor's cond-based blocking queue, promotion here is driven by
// the Scheduler's loop rather than a worker calling Pop; the queue keeps
// only the ordering (Upsert/Remove/Snapshot) and has no operation for
// changing a queued task's priority.
type ReadyQueue struct {
	mu               sync.Mutex
	items            []taskstore.Task
	foregroundBundle string
}

func NewReadyQueue() *ReadyQueue {
	return &ReadyQueue{items: make([]taskstore.Task, 0)}
}

// foregroundPriorityBonus is subtracted from a foreground-mode task's
// priority when its bundle is the currently foreground one, per §4.3's
// app-state awareness rule. Priority is ascending-wins, so the bonus moves
// the task earlier and can overtake a task from another bundle whose stored
// priority is higher (lower-numbered) by less than the bonus.
const foregroundPriorityBonus = 100

// SetForegroundBundle records which bundle the environment hooks report as
// foreground and re-sorts the ready set so its foreground-mode tasks take
// the promotion bonus immediately, not just on their next Upsert.
func (q *ReadyQueue) SetForegroundBundle(bundle string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.foregroundBundle = bundle
	q.sortLocked()
}

func (q *ReadyQueue) effectivePriority(t taskstore.Task) uint32 {
	if q.foregroundBundle != "" && t.Bundle == q.foregroundBundle && t.Mode == taskstore.ModeForeground {
		if t.Priority < foregroundPriorityBonus {
			return 0
		}
		return t.Priority - foregroundPriorityBonus
	}
	return t.Priority
}

// Upsert adds or replaces the entry for a task, then re-sorts by priority
// (ascending = higher priority) then creation time (older first), per
// §4.3's selection policy.
func (q *ReadyQueue) Upsert(t taskstore.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.Tid == t.Tid {
			q.items[i] = t
			q.sortLocked()
			return
		}
	}
	q.items = append(q.items, t)
	q.sortLocked()
}

func (q *ReadyQueue) sortLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		pi, pj := q.effectivePriority(q.items[i]), q.effectivePriority(q.items[j])
		if pi != pj {
			return pi < pj
		}
		return q.items[i].CTime < q.items[j].CTime
	})
}

// Remove drops a tid from the ready set (it was promoted, stopped, or removed).
func (q *ReadyQueue) Remove(tid uint32) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.Tid == tid {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns a priority/ctime-ordered copy of the ready set.
func (q *ReadyQueue) Snapshot() []taskstore.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]taskstore.Task, len(q.items))
	copy(out, q.items)
	return out
}

func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
