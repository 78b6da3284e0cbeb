package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/tessera/internal/models"
)

// HeartbeatFn lets a long-running handler signal liveness. Each call renews
// the task heartbeat and extends the message lease.
type HeartbeatFn func() error

// Handler executes one task. The returned map is the task result; a non-nil
// error fails the attempt and is classified for retry via models.TaskError.
// Handlers must be idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, task *models.Task, heartbeat HeartbeatFn) (map[string]interface{}, error)

// HandlerRegistry maps task types to handlers. Registration happens during
// boot; Freeze makes the registry immutable before consumers start.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewHandlerRegistry creates an empty handler registry
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Duplicate or post-freeze
// registration is a boot-time programming error.
func (r *HandlerRegistry) Register(taskType string, handler Handler) error {
	if taskType == "" {
		return fmt.Errorf("task type is required")
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("handler registry is frozen, cannot register %s", taskType)
	}
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("handler already registered for task type %s", taskType)
	}
	r.handlers[taskType] = handler
	return nil
}

// Freeze locks the registry against further registration
func (r *HandlerRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the handler for a task type
func (r *HandlerRegistry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists the registered task types sorted by name
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
