package tasks

import (
	"sort"
	"sync"

	"github.com/agentmux/fleetd/internal/config"
)

// Store is the external task-store collaborator supplying TaskRecords. The core consumes it
// read-mostly.
type Store interface {
	ListTasks(projectPath string) []Record
}

// Queue holds one project's ordered, dependency-aware view of open tasks, rebuilt on every
// Refresh. Grounded on ODSapper-CLIAIMONITOR's internal/tasks/queue.go Queue (index map + sorted
// slice behind one RWMutex), generalized to a projected Queued view plus a separate backing
// Record set.
type Queue struct {
	mu           sync.RWMutex
	store        Store
	projectPath  string
	prioritization config.Prioritization

	records map[string]Record // id -> full record, from the last refresh
	queued  []Queued          // eligible-for-consideration projection, sorted
}

// NewQueue creates a Queue bound to one project's Store.
func NewQueue(store Store, projectPath string, prioritization config.Prioritization) *Queue {
	return &Queue{
		store:          store,
		projectPath:    projectPath,
		prioritization: prioritization,
		records:        make(map[string]Record),
	}
}

// Refresh pulls all tasks from the store, keeps status == open, computes blockedBy, extracts
// description hints, and sorts.
func (q *Queue) Refresh() {
	all := q.store.ListTasks(q.projectPath)

	byStatus := make(map[string]Status, len(all))
	for _, r := range all {
		byStatus[r.ID] = r.Status
	}

	records := make(map[string]Record, len(all))
	queued := make([]Queued, 0, len(all))
	for _, r := range all {
		extractHints(&r)
		records[r.ID] = r
		if r.Status != StatusOpen {
			continue
		}

		var blocked []string
		for _, dep := range r.Dependencies {
			if s, ok := byStatus[dep]; ok && (s == StatusOpen || s == StatusInProgress) {
				blocked = append(blocked, dep)
			}
		}

		queued = append(queued, Queued{
			TaskID:         r.ID,
			RequiredRole:   r.Assignee,
			TaskType:       taskTypeOf(r),
			Dependencies:   r.Dependencies,
			BlockedBy:      blocked,
			Priority:       rankOf(r.Priority),
			CreatedAt:      r.CreatedAt,
			EstimatedHours: r.EstimatedHours,
		})
	}

	q.sortQueued(queued)

	q.mu.Lock()
	q.records = records
	q.queued = queued
	q.mu.Unlock()
}

// sortQueued orders eligible tasks by the project's prioritization strategy: priority (ascending
// numeric), fifo (createdAt ascending), or deadline (estimatedHours ascending, missing = +∞);
// ties fall back to priority rank, then creation order, for determinism.
// findNextTask applies its own preferred-type-first pass on top of this baseline order.
func (q *Queue) sortQueued(tasks []Queued) {
	strategy := q.prioritization
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch strategy {
		case config.PrioritizationFIFO:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case config.PrioritizationDeadline:
			ah, bh := hoursOrInf(a.EstimatedHours), hoursOrInf(b.EstimatedHours)
			if ah != bh {
				return ah < bh
			}
		default: // priority
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func hoursOrInf(h *float64) float64 {
	if h == nil {
		return 1<<62 - 1 // stands in for +∞
	}
	return *h
}

// Snapshot returns a copy of the current eligible-task projection.
func (q *Queue) Snapshot() []Queued {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]Queued, len(q.queued))
	copy(out, q.queued)
	return out
}

// Record returns the full Record for an id from the last refresh, if present.
func (q *Queue) Record(id string) (Record, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.records[id]
	return r, ok
}

// Len returns the number of eligible (open) tasks after the last refresh.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.queued)
}
