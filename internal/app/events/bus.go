package events

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/raffle/internal/app/system"
	"github.com/R3E-Network/raffle/pkg/logger"
)

var _ system.Service = (*Bus)(nil)
var _ Notifier = (*Bus)(nil)

// Bus queues events and fans them out to its sinks on a single goroutine.
// Notify never blocks; when the queue is full the event is dropped and
// counted.
type Bus struct {
	log     *logger.Logger
	sinks   []Sink
	queue   chan Event
	timeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	dropped uint64
	onFail  func(sink string, err error)
}

// NewBus constructs a bus with the given queue capacity.
func NewBus(capacity int, log *logger.Logger, sinks ...Sink) *Bus {
	if log == nil {
		log = logger.NewDefault("events")
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &Bus{
		log:     log,
		sinks:   sinks,
		queue:   make(chan Event, capacity),
		timeout: 5 * time.Second,
	}
}

// AddSink registers a sink. It must be called before Start.
func (b *Bus) AddSink(sink Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// OnDeliveryFailure installs a callback invoked after a sink error.
func (b *Bus) OnDeliveryFailure(fn func(sink string, err error)) {
	b.mu.Lock()
	b.onFail = fn
	b.mu.Unlock()
}

func (b *Bus) Name() string { return "events-bus" }

func (b *Bus) Notify(_ context.Context, event Event) {
	select {
	case b.queue <- event:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.log.WithField("kind", event.Kind).Warn("event queue full; dropping event")
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				b.drain(sinks)
				return
			case event := <-b.queue:
				b.dispatch(runCtx, sinks, event)
			}
		}
	}()

	b.log.WithField("sinks", len(sinks)).Info("event bus started")
	return nil
}

func (b *Bus) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.log.Info("event bus stopped")
	return nil
}

// drain delivers whatever is still queued at shutdown.
func (b *Bus) drain(sinks []Sink) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	for {
		select {
		case event := <-b.queue:
			b.dispatch(ctx, sinks, event)
		default:
			return
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, sinks []Sink, event Event) {
	for _, sink := range sinks {
		deliverCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err := sink.Deliver(deliverCtx, event)
		cancel()
		if err == nil {
			continue
		}
		b.log.WithError(err).
			WithField("sink", sink.Name()).
			WithField("kind", event.Kind).
			Warn("event delivery failed")
		b.mu.Lock()
		onFail := b.onFail
		b.mu.Unlock()
		if onFail != nil {
			onFail(sink.Name(), err)
		}
	}
}
