package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polywallet/internal/domain"
)

// EventNotifier delivers operator-facing alerts for execution events.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, evt domain.Event) error
}

// EventSink receives encoded events directly when no bus is configured.
type EventSink interface {
	Broadcast(payload []byte)
}

// Events publishes execution events on the bus (or straight to a local sink)
// and forwards them to the notifier. A nil *Events drops everything.
type Events struct {
	bus      domain.EventBus
	sink     EventSink
	notifier EventNotifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEvents creates an event publisher. Any of bus, sink and notifier may be
// nil.
func NewEvents(bus domain.EventBus, sink EventSink, notifier EventNotifier, logger *slog.Logger) *Events {
	return &Events{
		bus:      bus,
		sink:     sink,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
		now:      time.Now,
	}
}

// Emit publishes one event. Delivery failures are logged and never returned.
func (e *Events) Emit(ctx context.Context, channel, eventType, userID string, data map[string]any) {
	if e == nil {
		return
	}
	evt := domain.Event{
		Type:      eventType,
		UserID:    userID,
		Data:      data,
		Timestamp: e.now().UTC(),
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		e.logger.WarnContext(ctx, "events: marshal failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}

	switch {
	case e.bus != nil:
		if err := e.bus.Publish(ctx, channel, payload); err != nil {
			e.logger.WarnContext(ctx, "events: publish failed",
				slog.String("channel", channel),
				slog.String("type", eventType),
				slog.String("error", err.Error()),
			)
		}
	case e.sink != nil:
		e.sink.Broadcast(payload)
	}

	if e.notifier != nil {
		if err := e.notifier.NotifyEvent(ctx, evt); err != nil {
			e.logger.WarnContext(ctx, "events: notify failed",
				slog.String("type", eventType),
				slog.String("error", err.Error()),
			)
		}
	}
}
