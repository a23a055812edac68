package event

import (
	"context"
	"sync"
	"time"

	"github.com/toxicbuild/toxicmaster/common/logger"
	"github.com/toxicbuild/toxicmaster/common/models"
	"github.com/toxicbuild/toxicmaster/server/services"
)

// EventService dispatches lifecycle events to in-process subscribers.
// Every dispatch runs on its own goroutine and is retained in a wait group
// until the handler returns, so fire-and-forget notifications are never
// dropped on shutdown.
type EventService struct {
	logger.Log
	mu       sync.RWMutex
	handlers map[models.EventName][]services.EventHandler
	tasks    sync.WaitGroup
}

func NewEventService(logFactory logger.LogFactory) *EventService {
	return &EventService{
		Log:      logFactory("EventService"),
		handlers: make(map[models.EventName][]services.EventHandler),
	}
}

// Subscribe registers a handler for the named event.
func (s *EventService) Subscribe(name models.EventName, handler services.EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = append(s.handlers[name], handler)
}

// Publish dispatches the event to all matching handlers asynchronously.
func (s *EventService) Publish(ctx context.Context, event *models.Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = models.NewTime(time.Now())
	}
	s.mu.RLock()
	handlers := s.handlers[event.Name]
	s.mu.RUnlock()

	s.Tracef("Publishing event %q for repo %s", event.Name, event.RepoID)
	for _, handler := range handlers {
		handler := handler
		s.tasks.Add(1)
		go func() {
			defer s.tasks.Done()
			handler(ctx, event)
		}()
	}
}

// Wait blocks until all in-flight handler tasks finish.
func (s *EventService) Wait() {
	s.tasks.Wait()
}
