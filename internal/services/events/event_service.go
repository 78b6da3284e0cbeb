package events

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/interfaces"
)

// Service implements EventService with channel fan-out. Orchestration never
// waits on observers: a subscriber whose buffer is full misses the event.
type Service struct {
	mu          sync.RWMutex
	subscribers map[int]chan interfaces.Event
	nextID      int
	logger      arbor.ILogger
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) interfaces.EventService {
	return &Service{
		subscribers: make(map[int]chan interfaces.Event),
		logger:      logger,
	}
}

// Subscribe returns a buffered receive channel and its unsubscribe function
func (s *Service) Subscribe(buffer int) (<-chan interfaces.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan interfaces.Event, buffer)
	s.subscribers[id] = ch
	s.mu.Unlock()

	s.logger.Debug().
		Int("subscriber_id", id).
		Msg("Event subscriber registered")

	unsubscribe := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			s.logger.Debug().
				Int("subscriber_id", id).
				Str("event_type", string(event.Type)).
				Msg("Subscriber buffer full, dropping event")
		}
	}
	return nil
}
