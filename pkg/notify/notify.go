package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/raterudder/powerrudder/pkg/log"
)

// Sink delivers a message over a single channel.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	Send(ctx context.Context, msg string) error
}

// Notifier is best-effort delivery of an operator message. Implementations
// never return delivery errors to the caller.
type Notifier interface {
	Notify(ctx context.Context, msg string)
}

// ResultFunc observes the outcome of every sink delivery.
type ResultFunc func(sink string, err error)

// Fanout sends every message to all of its sinks. A failing sink is logged and
// does not stop delivery to the others.
type Fanout struct {
	mu       sync.Mutex
	sinks    []Sink
	onResult ResultFunc
}

// NewFanout returns a Fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// AddSink adds another sink.
func (f *Fanout) AddSink(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// OnResult registers fn to observe each delivery.
func (f *Fanout) OnResult(fn ResultFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onResult = fn
}

// Len returns the number of configured sinks.
func (f *Fanout) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sinks)
}

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, msg string) {
	f.mu.Lock()
	sinks := f.sinks
	onResult := f.onResult
	f.mu.Unlock()

	if len(sinks) == 0 {
		log.Ctx(ctx).InfoContext(ctx, "no notification sinks configured", slog.String("message", msg))
		return
	}
	for _, s := range sinks {
		err := send(ctx, s, msg)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to send notification", slog.String("sink", s.Name()), slog.Any("error", err))
		} else {
			log.Ctx(ctx).InfoContext(ctx, "notification sent", slog.String("sink", s.Name()), slog.String("message", msg))
		}
		if onResult != nil {
			onResult(s.Name(), err)
		}
	}
}

// send isolates a sink so a panic in one channel can't take down the loop.
func send(ctx context.Context, s Sink, msg string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Send(ctx, msg)
}

// Gate sends msg through n when notifications are enabled or force is set,
// and reports whether it did. Forced messages are the ones an operator must
// see regardless of how quiet they asked the system to be.
func Gate(ctx context.Context, n Notifier, enabled, force bool, msg string) bool {
	if n == nil || (!enabled && !force) {
		log.Ctx(ctx).InfoContext(ctx, "notification skipped", slog.String("message", msg))
		return false
	}
	n.Notify(ctx, msg)
	return true
}

// ErrNotConfigured is returned by Validate when a sink is missing settings.
var ErrNotConfigured = errors.New("notification sink not configured")
