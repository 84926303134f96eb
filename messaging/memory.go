package messaging

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var _ Broker = &MemoryBroker{}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		handlers: make(map[string][]Handler),
	}
}

// MemoryBroker delivers messages synchronously to the handlers registered in this process.
// Messages sent to a topic without handlers are discarded.
type MemoryBroker struct {
	handlers         map[string][]Handler
	lock             sync.RWMutex
	LastHandlerError atomic.Pointer[error]
}

func (m *MemoryBroker) Receive(topic Topic, handler Handler) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.handlers[topic.Name] = append(m.handlers[topic.Name], handler)
	return nil
}

func (m *MemoryBroker) SendMessage(ctx context.Context, topic Topic, message *Message) error {
	m.lock.RLock()
	handlers := append([]Handler(nil), m.handlers[topic.Name]...)
	m.lock.RUnlock()
	if len(handlers) == 0 {
		log.Ctx(ctx).Debug().Msgf("Messaging: no handlers for topic %s, message discarded", topic.Name)
		return nil
	}
	// Create a new context for the handlers, because it is supposed to be an asynchronous (background) operation
	handlerCtx := log.Ctx(ctx).WithContext(context.Background())
	for _, handler := range handlers {
		if err := handler(handlerCtx, *message); err != nil {
			m.LastHandlerError.Store(&err)
			log.Ctx(ctx).Warn().Err(err).Msgf("Messaging: handler for topic %s failed", topic.Name)
		}
	}
	return nil
}

func (m *MemoryBroker) Close(_ context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.handlers = map[string][]Handler{}
	return nil
}
