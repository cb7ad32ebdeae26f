// Package gateway implements the Message Gateway (C9, spec.md §4.9): an
// outbound priority queue with a stable (priority, ordinal) sort, a
// pluggable persistence hook for durable delivery, and server-request
// routing back to whichever virtual device registered a handler for the
// request's destination.
package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/evergreen-iot/device-client/pkg/message"
)

// Persistence durably records queued messages so they survive a
// restart before being acknowledged as sent (spec.md §4.9).
type Persistence interface {
	Save(ctx context.Context, msgs []message.Message) error
	Load(ctx context.Context) ([]message.Message, error)
	Delete(ctx context.Context, ids []string) error
}

// Gateway is the outbound/inbound message routing surface a virtual
// device talks to.
type Gateway interface {
	Queue(ctx context.Context, msg message.Message) error
	QueueAll(ctx context.Context, msgs []message.Message) error
	RegisterRequestHandler(destination string, handler RequestHandler)
	BuildResponseMessage(req message.Message, status int, headers map[string][]string, body []byte) message.Message
}

// RequestHandler answers a REQUEST message addressed to destination.
type RequestHandler func(ctx context.Context, req message.Message) message.Message

// MemoryGateway is the reference Gateway: an in-memory priority queue
// with an optional Persistence for durability across restarts.
type MemoryGateway struct {
	mu       sync.Mutex
	queue    []message.Message
	handlers map[string]RequestHandler
	ordinal  int64
	persist  Persistence
}

var _ Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway builds a MemoryGateway. persist may be nil.
func NewMemoryGateway(persist Persistence) *MemoryGateway {
	return &MemoryGateway{handlers: make(map[string]RequestHandler), persist: persist}
}

// Queue enqueues msg, assigning it the next ordinal for stable sort
// ordering among equal-priority messages (spec.md §5).
func (g *MemoryGateway) Queue(ctx context.Context, msg message.Message) error {
	return g.QueueAll(ctx, []message.Message{msg})
}

// QueueAll enqueues msgs as a batch, useful for the batching policy
// functions which flush several messages at once.
func (g *MemoryGateway) QueueAll(ctx context.Context, msgs []message.Message) error {
	g.mu.Lock()
	for i := range msgs {
		msgs[i].Ordinal = atomic.AddInt64(&g.ordinal, 1)
	}
	g.queue = append(g.queue, msgs...)
	g.resortLocked()
	snapshot := append([]message.Message(nil), g.queue...)
	g.mu.Unlock()

	if g.persist != nil {
		return g.persist.Save(ctx, snapshot)
	}
	return nil
}

func (g *MemoryGateway) resortLocked() {
	sort.SliceStable(g.queue, func(i, j int) bool {
		if g.queue[i].Priority != g.queue[j].Priority {
			return g.queue[i].Priority > g.queue[j].Priority
		}
		return g.queue[i].Ordinal < g.queue[j].Ordinal
	})
}

// Drain removes and returns up to n queued messages in priority order.
func (g *MemoryGateway) Drain(ctx context.Context, n int) ([]message.Message, error) {
	g.mu.Lock()
	if n <= 0 || n > len(g.queue) {
		n = len(g.queue)
	}
	drained := append([]message.Message(nil), g.queue[:n]...)
	g.queue = g.queue[n:]
	g.mu.Unlock()

	if g.persist != nil && len(drained) > 0 {
		ids := make([]string, len(drained))
		for i, m := range drained {
			ids[i] = m.ID
		}
		if err := g.persist.Delete(ctx, ids); err != nil {
			return drained, err
		}
	}
	return drained, nil
}

// RegisterRequestHandler wires a handler for REQUEST messages addressed
// to destination. Dispatch happens via Handle.
func (g *MemoryGateway) RegisterRequestHandler(destination string, handler RequestHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[destination] = handler
}

// Handle routes req to its registered handler, returning the handler's
// RESPONSE message, or a synthetic 404 response if none is registered.
func (g *MemoryGateway) Handle(ctx context.Context, req message.Message) message.Message {
	g.mu.Lock()
	handler, ok := g.handlers[req.Destination]
	g.mu.Unlock()
	if !ok {
		return g.BuildResponseMessage(req, 404, nil, nil)
	}
	return handler(ctx, req)
}

// BuildResponseMessage constructs the RESPONSE message answering req.
func (g *MemoryGateway) BuildResponseMessage(req message.Message, status int, headers map[string][]string, body []byte) message.Message {
	reqPayload, _ := req.Request()
	return message.NewResponse(req.Destination, req.ID, reqPayload.URL, status, headers, body)
}

// Restore reloads any persisted queue contents, used on runtime startup.
func (g *MemoryGateway) Restore(ctx context.Context) error {
	if g.persist == nil {
		return nil
	}
	msgs, err := g.persist.Load(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.queue = msgs
	g.resortLocked()
	g.mu.Unlock()
	return nil
}
