package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/interfaces"
)

// DefaultTaskRoute is the routing key for tasks whose stage declares none
const DefaultTaskRoute = ""

// BadgerBus owns the jobs queue and one task queue per declared route. The
// route set is fixed at construction, collected from the registered job
// specs, so a stage can never route to a queue nobody consumes.
type BadgerBus struct {
	jobs  interfaces.Queue
	tasks map[string]interfaces.Queue
	order []string
}

// NewBadgerBus builds the bus on the shared Badger instance. The jobs queue
// uses jobsMaxReceive; every task queue pins maxReceive to 1 because task
// retry is decided against persistent task state.
func NewBadgerBus(db *badger.DB, visibilityTimeout time.Duration, jobsMaxReceive int, routes []string, logger arbor.ILogger) (*BadgerBus, error) {
	jobs, err := NewBadgerQueue(db, "jobs", visibilityTimeout, jobsMaxReceive, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create jobs queue: %w", err)
	}

	seen := map[string]bool{DefaultTaskRoute: true}
	for _, r := range routes {
		seen[r] = true
	}
	order := make([]string, 0, len(seen))
	for r := range seen {
		order = append(order, r)
	}
	sort.Strings(order) // empty default route sorts first

	tasks := make(map[string]interfaces.Queue, len(order))
	for _, route := range order {
		name := "tasks"
		if route != DefaultTaskRoute {
			name = "tasks:" + route
		}
		q, err := NewBadgerQueue(db, name, visibilityTimeout, 1, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create task queue %s: %w", name, err)
		}
		tasks[route] = q
	}

	logger.Info().
		Int("task_queues", len(tasks)).
		Msg("Message bus initialized")

	return &BadgerBus{jobs: jobs, tasks: tasks, order: order}, nil
}

// JobsQueue returns the job orchestration queue
func (b *BadgerBus) JobsQueue() interfaces.Queue {
	return b.jobs
}

// TaskQueue resolves a routing key; unknown routes fall back to the default
// tasks queue.
func (b *BadgerBus) TaskQueue(route string) interfaces.Queue {
	if q, ok := b.tasks[route]; ok {
		return q
	}
	return b.tasks[DefaultTaskRoute]
}

// TaskQueues lists every task queue, default route first
func (b *BadgerBus) TaskQueues() []interfaces.Queue {
	out := make([]interfaces.Queue, 0, len(b.order))
	for _, route := range b.order {
		out = append(out, b.tasks[route])
	}
	return out
}
