package rpcmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Dispatcher routes inbound events to the calls registered for their ids. It
// handles one event at a time; a failure never stops it.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger used for dropped events.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{registry: reg, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches events in arrival order until events is closed or ctx is
// done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			_ = d.Dispatch(ev)
		}
	}
}

// Dispatch handles a single event. Events that cannot be delivered are
// logged and dropped; the returned error says why, for callers that care.
func (d *Dispatcher) Dispatch(ev Event) error {
	if ev == nil {
		d.logger.Warn("rpcmux: dropping nil event")
		return ErrUnknownEvent
	}

	call, err := d.lookup(ev.CallID())
	if err != nil {
		return err
	}

	switch e := ev.(type) {
	case DataEvent:
		raw, err := e.Payload.Bytes()
		if err != nil {
			d.logger.Warn("rpcmux: dropping malformed payload",
				slog.String("call_id", e.ID.String()),
				slog.String("error", err.Error()))
			return err
		}
		if err := call.deliverData(raw); err != nil {
			if errors.Is(err, ErrCallFinished) {
				d.logger.Warn("rpcmux: call not found",
					slog.String("call_id", e.ID.String()),
					slog.Bool("completed", true))
				return fmt.Errorf("%w: %s", ErrCallNotFound, e.ID)
			}
			d.logger.Error("rpcmux: dropping undecodable response",
				slog.String("call_id", e.ID.String()),
				slog.String("error", err.Error()))
			return err
		}
	case HeadersEvent:
		call.deliverHeaders(e.Header)
	case CompletionEvent:
		call.deliverCompletion(e.Err, e.Trailer)
	default:
		d.logger.Warn("rpcmux: dropping unknown event", slog.String("type", fmt.Sprintf("%T", ev)))
		return ErrUnknownEvent
	}
	return nil
}

func (d *Dispatcher) lookup(id CallID) (*Call, error) {
	call, err := d.registry.Lookup(id)
	if err != nil {
		d.logger.Warn("rpcmux: call not found",
			slog.String("call_id", id.String()),
			slog.Bool("completed", d.registry.Completed(id)))
		return nil, fmt.Errorf("%w: %s", err, id)
	}
	return call, nil
}
