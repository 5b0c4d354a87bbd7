package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const queueDepth = 256

// Dispatcher fans events out to its sinks from a single background worker.
// Notify never blocks: when the queue is full the event is dropped and
// logged, which is the accepted trade-off for keeping request latency flat.
type Dispatcher struct {
	ch     chan Event
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over the given sinks. Call Start to
// begin delivery and Shutdown to drain.
func NewDispatcher(logger *slog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		ch:     make(chan Event, queueDepth),
		sinks:  sinks,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Notify implements Notifier. Non-blocking.
func (d *Dispatcher) Notify(trigger Trigger, title, message string, data map[string]any) {
	ev := Event{Trigger: trigger, Title: title, Message: message, Data: data, At: d.now()}
	select {
	case d.ch <- ev:
	default:
		d.logger.Warn("notification queue full, dropping event", "trigger", trigger)
	}
}

// Start launches the delivery worker. Non-blocking.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case ev := <-d.ch:
				d.deliver(ev)
			case <-ctx.Done():
				// Drain what is already queued before exiting.
				for {
					select {
					case ev := <-d.ch:
						d.deliver(ev)
					default:
						return
					}
				}
			}
		}
	}()
}

// Shutdown stops the worker after draining the queue.
func (d *Dispatcher) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// deliver pushes one event to every sink. A panicking or failing sink is
// logged and contained here; it must never propagate.
func (d *Dispatcher) deliver(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("notification sink panicked", "trigger", ev.Trigger, "panic", r)
		}
	}()
	for _, sink := range d.sinks {
		if err := sink.Deliver(ev); err != nil {
			d.logger.Warn("notification delivery failed",
				"trigger", ev.Trigger, "error", err)
		}
	}
}
