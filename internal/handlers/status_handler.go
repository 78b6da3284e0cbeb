package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// StatusHandler reports platform health: job counts and queue depths
type StatusHandler struct {
	storage   interfaces.StorageManager
	bus       interfaces.Bus
	logger    arbor.ILogger
	startedAt time.Time
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(storage interfaces.StorageManager, bus interfaces.Bus, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		storage:   storage,
		bus:       bus,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	ctx := r.Context()

	jobCounts := make(map[string]int)
	for _, status := range []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusProcessing,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCompletedWithErrors,
	} {
		count, err := h.storage.JobStorage().CountJobsByStatus(ctx, status)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		jobCounts[string(status)] = count
	}

	queues := make(map[string]*interfaces.QueueDepth)
	if depth, err := h.bus.JobsQueue().Depth(ctx); err == nil {
		queues[h.bus.JobsQueue().Name()] = depth
	}
	for _, q := range h.bus.TaskQueues() {
		if depth, err := q.Depth(ctx); err == nil {
			queues[q.Name()] = depth
		}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"version": common.Version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
		"jobs":    jobCounts,
		"queues":  queues,
	})
}

// DeadLettersHandler handles GET /api/deadletters?queue=tasks&limit=50
func (h *StatusHandler) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	name := r.URL.Query().Get("queue")
	if name == "" {
		name = "jobs"
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	queue := h.findQueue(name)
	if queue == nil {
		WriteError(w, http.StatusNotFound, "unknown queue: "+name)
		return
	}

	bodies, err := queue.DeadLetters(r.Context(), limit)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	messages := make([]string, 0, len(bodies))
	for _, b := range bodies {
		messages = append(messages, string(b))
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"queue":    name,
		"count":    len(messages),
		"messages": messages,
	})
}

func (h *StatusHandler) findQueue(name string) interfaces.Queue {
	if h.bus.JobsQueue().Name() == name {
		return h.bus.JobsQueue()
	}
	for _, q := range h.bus.TaskQueues() {
		if q.Name() == name {
			return q
		}
	}
	return nil
}
