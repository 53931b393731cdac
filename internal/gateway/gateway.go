// ABOUTME: Event pipeline running resolve, authorize, record, and reply for each message
// ABOUTME: A fixed worker pool drains a bounded queue; queue-full submissions are refused

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/warden/internal/identity"
	"github.com/2389/warden/internal/policy"
	"github.com/2389/warden/internal/store"
)

// ErrQueueFull is returned by Submit when the event queue is saturated.
var ErrQueueFull = errors.New("event queue full")

// deniedReply is sent for denied direct messages. Group denials stay
// silent so the gateway does not announce itself in unapproved rooms.
const deniedReply = "You are not authorized to use this assistant."

// Event is one inbound message from a transport.
type Event struct {
	Transport      string
	SenderID       string
	ConversationID string
	Text           string
}

// Responder delivers a reply back on the originating transport.
type Responder interface {
	Respond(ctx context.Context, ev Event, text string) error
}

// Handler produces the assistant's reply for an authorized message.
type Handler func(ctx context.Context, principalID string, cc identity.ConversationContext, text string) (string, error)

// Authorizer decides access for a resolved principal. The policy engine
// satisfies this.
type Authorizer interface {
	Authorize(ctx context.Context, principalID string, cc identity.ConversationContext) policy.Decision
}

// Recorder appends messages to conversation memory. The memory service
// satisfies this.
type Recorder interface {
	Record(ctx context.Context, principalID, direction, content string, cc identity.ConversationContext) (*store.MemoryEntry, error)
}

// Gateway pulls events off a bounded queue and runs each through the
// pipeline: resolve identity, authorize, record the inbound message,
// invoke the handler, deliver and record the reply.
type Gateway struct {
	authz     Authorizer
	memory    Recorder
	handler   Handler
	responder Responder

	workers int
	queue   chan Event

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a gateway with the given pipeline stages and sizing.
func New(authz Authorizer, memory Recorder, handler Handler, responder Responder, workers, queueSize int) *Gateway {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Gateway{
		authz:     authz,
		memory:    memory,
		handler:   handler,
		responder: responder,
		workers:   workers,
		queue:     make(chan Event, queueSize),
		logger:    slog.Default().With("component", "gateway"),
	}
}

// Submit enqueues an event for processing. Never blocks: a saturated
// queue refuses the event with ErrQueueFull so transports can apply
// their own backpressure.
func (g *Gateway) Submit(ev Event) error {
	select {
	case g.queue <- ev:
		return nil
	default:
		g.logger.Warn("event queue full, refusing event", "transport", ev.Transport, "sender", ev.SenderID)
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is canceled and every
// worker has finished its current event. Events still queued at that
// point are dropped; transports resubmit on reconnect.
func (g *Gateway) Run(ctx context.Context) {
	g.logger.Info("gateway started", "workers", g.workers, "queue_size", cap(g.queue))

	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-g.queue:
					g.process(ctx, ev)
				}
			}
		}()
	}

	g.wg.Wait()
	g.logger.Info("gateway stopped")
}

func (g *Gateway) process(ctx context.Context, ev Event) {
	principalID, cc, err := identity.Resolve(ev.Transport, ev.SenderID, ev.ConversationID)
	if err != nil {
		g.logger.Warn("dropping unresolvable event",
			"transport", ev.Transport, "sender", ev.SenderID, "error", err)
		return
	}

	decision := g.authz.Authorize(ctx, principalID, cc)
	if !decision.Allowed {
		if cc.Kind == identity.KindDirect {
			g.respond(ctx, ev, principalID, deniedReply)
		}
		return
	}

	if _, err := g.memory.Record(ctx, principalID, store.DirectionInbound, ev.Text, cc); err != nil {
		g.logger.Error("failed to record inbound message", "principal", principalID, "error", err)
		// The principal is authorized; keep serving them.
	}

	reply, err := g.handler(ctx, principalID, cc, ev.Text)
	if err != nil {
		g.logger.Error("handler failed", "principal", principalID, "error", err)
		g.respond(ctx, ev, principalID, "Something went wrong handling that message.")
		return
	}
	if reply == "" {
		return
	}

	if err := g.responder.Respond(ctx, ev, reply); err != nil {
		g.logger.Error("failed to deliver reply", "principal", principalID, "error", err)
		return
	}

	if _, err := g.memory.Record(ctx, principalID, store.DirectionOutbound, reply, cc); err != nil {
		g.logger.Error("failed to record outbound message", "principal", principalID, "error", err)
	}
}

// respond delivers text without recording it; used for denial and error
// notices that should not pollute conversation memory.
func (g *Gateway) respond(ctx context.Context, ev Event, principalID, text string) {
	if err := g.responder.Respond(ctx, ev, text); err != nil {
		g.logger.Error("failed to deliver notice", "principal", principalID, "error", err)
	}
}

// QueueDepth reports how many events are waiting. Exposed for the admin
// surface.
func (g *Gateway) QueueDepth() int {
	return len(g.queue)
}

// String renders the event for logs without the message text.
func (e Event) String() string {
	return fmt.Sprintf("%s/%s@%s", e.Transport, e.SenderID, e.ConversationID)
}
