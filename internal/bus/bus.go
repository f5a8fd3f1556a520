package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IndenScale/monoco/internal/log"
)

const (
	defaultQueueSize   = 256
	defaultSubBuffer   = 64
	defaultPublishWait = 100 * time.Millisecond

	// handlerTimeout bounds one handler invocation. Handlers that honor ctx
	// give up their decision rather than stall the subscription.
	handlerTimeout = 30 * time.Second
)

// Handler processes a single event. Implementations must be safe for the
// bus to call from a dedicated goroutine and should honor ctx cancellation.
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	HandlerName string
	Fn          func(ctx context.Context, ev Event) error
}

// Name returns the handler name.
func (h HandlerFunc) Name() string { return h.HandlerName }

// Handle invokes the wrapped function.
func (h HandlerFunc) Handle(ctx context.Context, ev Event) error { return h.Fn(ctx, ev) }

// Subscription is a live registration of a handler for one or more event
// types. Cancel stops delivery and releases the consumer goroutine.
type Subscription struct {
	handler Handler
	ch      chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// Cancel stops delivery to this subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancel()
	})
}

// Bus is the in-process event bus. Publish enqueues onto a bounded central
// queue; a dispatcher goroutine fans events out to per-subscription FIFOs,
// each drained by its own goroutine. This preserves per-type publish order
// for every subscriber while isolating handler failures.
type Bus struct {
	mu       sync.RWMutex
	subs     map[Type][]*Subscription
	allSubs  []*Subscription
	queue    chan Event
	wait     time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeOne sync.Once
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the central queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan Event, n)
		}
	}
}

// WithPublishWait overrides the bounded wait before Publish drops an event.
func WithPublishWait(d time.Duration) Option {
	return func(b *Bus) { b.wait = d }
}

// New creates a Bus and starts its dispatcher.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subs:   make(map[Type][]*Subscription),
		queue:  make(chan Event, defaultQueueSize),
		wait:   defaultPublishWait,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	log.SafeGo("bus.dispatch", func() {
		defer b.wg.Done()
		b.dispatch()
	})
	return b
}

// Subscribe registers a handler for the given event types. The handler runs
// on its own goroutine; events of each type arrive in publish order.
func (b *Bus) Subscribe(handler Handler, types ...Type) *Subscription {
	subCtx, subCancel := context.WithCancel(b.ctx)
	sub := &Subscription{
		handler: handler,
		ch:      make(chan Event, defaultSubBuffer),
		ctx:     subCtx,
		cancel:  subCancel,
	}

	b.mu.Lock()
	for _, t := range types {
		b.subs[t] = append(b.subs[t], sub)
	}
	b.mu.Unlock()

	b.wg.Add(1)
	log.SafeGo(fmt.Sprintf("bus.consume[%s]", handler.Name()), func() {
		defer b.wg.Done()
		b.consume(subCtx, sub)
	})
	return sub
}

// SubscribeAll registers a handler for every event type. Used by the
// broadcaster, which projects the whole stream to external consumers.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	subCtx, subCancel := context.WithCancel(b.ctx)
	sub := &Subscription{
		handler: handler,
		ch:      make(chan Event, defaultSubBuffer),
		ctx:     subCtx,
		cancel:  subCancel,
	}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	log.SafeGo(fmt.Sprintf("bus.consume[%s]", handler.Name()), func() {
		defer b.wg.Done()
		b.consume(subCtx, sub)
	})
	return sub
}

// Publish enqueues an event for asynchronous delivery. It returns once the
// event is accepted onto the central queue, not once handlers finish. If the
// queue stays full past the bounded wait the event is dropped, logged, and a
// synthetic SCHEDULER_OVERLOAD event is published for observability.
func (b *Bus) Publish(t Type, correlationID string, payload any) {
	ev := Event{
		Type:          t,
		Payload:       payload,
		Timestamp:     time.Now(),
		CorrelationID: correlationID,
	}

	select {
	case b.queue <- ev:
		return
	case <-b.ctx.Done():
		return
	default:
	}

	// Queue full: wait briefly, then drop.
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case b.queue <- ev:
	case <-b.ctx.Done():
	case <-timer.C:
		log.Warn(log.CatBus, "event dropped, queue full", "type", t, "depth", len(b.queue))
		b.publishNonBlocking(Event{
			Type:      TypeSchedulerOverload,
			Payload:   Overload{DroppedType: t, QueueDepth: len(b.queue)},
			Timestamp: time.Now(),
		})
	}
}

// publishNonBlocking enqueues without waiting. Used from inside the bus
// pipeline where blocking could deadlock the dispatcher.
func (b *Bus) publishNonBlocking(ev Event) {
	select {
	case b.queue <- ev:
	default:
		// Overloaded while reporting overload; nothing more to do.
	}
}

// dispatch moves events from the central queue onto each matching
// subscription FIFO. Sends block so that per-type order is never violated;
// back-pressure is applied at Publish, not here.
func (b *Bus) dispatch() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev := <-b.queue:
			b.mu.RLock()
			targets := make([]*Subscription, 0, len(b.subs[ev.Type])+len(b.allSubs))
			targets = append(targets, b.subs[ev.Type]...)
			targets = append(targets, b.allSubs...)
			b.mu.RUnlock()

			for _, sub := range targets {
				// A cancelled subscription stops draining its FIFO; skip
				// it so a full dead buffer cannot wedge the dispatcher.
				select {
				case sub.ch <- ev:
				case <-sub.ctx.Done():
				case <-b.ctx.Done():
					return
				}
			}
		}
	}
}

// consume drains one subscription FIFO, invoking the handler for each event.
// A handler error or panic is logged and reported via
// SCHEDULER_HANDLER_FAILURE; the handler is not retried.
func (b *Bus) consume(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.ch:
			b.invoke(ctx, sub.handler, ev)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "handler panic", "handler", h.Name(), "type", ev.Type, "panic", fmt.Sprintf("%v", r))
			b.reportHandlerFailure(h.Name(), ev.Type, fmt.Sprintf("panic: %v", r))
		}
	}()

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if err := h.Handle(hctx, ev); err != nil {
		log.ErrorErr(log.CatBus, "handler failed", err, "handler", h.Name(), "type", ev.Type)
		b.reportHandlerFailure(h.Name(), ev.Type, err.Error())
	}
}

func (b *Bus) reportHandlerFailure(handler string, t Type, reason string) {
	// Failures while handling a failure report are dropped; re-reporting
	// would loop.
	if t == TypeSchedulerHandlerFailure {
		return
	}
	b.publishNonBlocking(Event{
		Type:      TypeSchedulerHandlerFailure,
		Payload:   HandlerFailure{Handler: handler, EventType: t, Reason: reason},
		Timestamp: time.Now(),
	})
}

// QueueDepth returns the number of events waiting on the central queue.
func (b *Bus) QueueDepth() int {
	return len(b.queue)
}

// Close stops the dispatcher and all subscription consumers. Events still
// queued are discarded. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOne.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}
