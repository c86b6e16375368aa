package network

import (
	"context"
	"errors"
	"time"

	"github.com/energizer-project/blockbridge/internal/bridge"
	"github.com/energizer-project/blockbridge/internal/events"
	"github.com/energizer-project/blockbridge/internal/protocol"
)

// Metrics receives listener and session measurements. Implementations
// must be safe for concurrent use and must not block.
type Metrics interface {
	bridge.Observer
	SessionOpened()
	ConnectionRejected(reason string)
	PacketObserved(state protocol.State)
}

// sessionObserver forwards a session's notifications to the shared metrics
// and turns dial outcomes into bus events.
type sessionObserver struct {
	Metrics
	ctx      context.Context
	bus      *events.EventBus
	id       string
	upstream string
}

func (o *sessionObserver) DialFinished(err error, elapsed time.Duration) {
	o.Metrics.DialFinished(err, elapsed)

	switch {
	case err == nil:
		emit(o.ctx, o.bus, events.Event{
			Type:      events.EventUpstreamReady,
			SessionID: o.id,
			Payload:   events.UpstreamReadyPayload{Upstream: o.upstream, Elapsed: elapsed},
		})
	case errors.Is(err, context.Canceled):
		// Result discarded after teardown.
	default:
		emit(o.ctx, o.bus, events.Event{
			Type:      events.EventDialFailed,
			SessionID: o.id,
			Payload:   events.DialFailedPayload{Upstream: o.upstream, Error: err.Error()},
		})
	}
}

func emit(ctx context.Context, bus *events.EventBus, e events.Event) {
	if bus == nil {
		return
	}
	if e.Source == "" {
		e.Source = "relay"
	}
	bus.Emit(ctx, e)
}

type nopMetrics struct{}

func (nopMetrics) DialStarted()                      {}
func (nopMetrics) DialFinished(error, time.Duration) {}
func (nopMetrics) Forwarded(int)                     {}
func (nopMetrics) Dropped(int)                       {}
func (nopMetrics) Relayed(int)                       {}
func (nopMetrics) Closed(error)                      {}
func (nopMetrics) SessionOpened()                    {}
func (nopMetrics) ConnectionRejected(string)         {}
func (nopMetrics) PacketObserved(protocol.State)     {}
