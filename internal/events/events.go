// Package events applies destination registration changes published by the
// destinations trigger over Postgres LISTEN/NOTIFY.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Channel is the NOTIFY channel written by the destinations trigger.
const Channel = "destination_events"

// Action is the kind of registration change.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionRemove Action = "remove"
)

// Event is one decoded notification payload.
type Event struct {
	Action          Action `json:"action"`
	DestinationID   int64  `json:"destination_id"`
	IntervalSeconds int64  `json:"interval_seconds"`
}

// Interval is the destination poll interval; zero means the default.
func (e Event) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// Parse decodes a notification payload.
func Parse(payload string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, fmt.Errorf("decode destination event: %w", err)
	}
	if ev.DestinationID <= 0 {
		return Event{}, fmt.Errorf("destination event without destination_id")
	}
	switch ev.Action {
	case ActionUpsert, ActionRemove:
	default:
		return Event{}, fmt.Errorf("unknown destination event action %q", ev.Action)
	}
	return ev, nil
}

// Handler receives registration changes.
type Handler interface {
	Schedule(destinationID int64, interval time.Duration)
	Unschedule(destinationID int64)
}

// Apply forwards ev to h.
func Apply(h Handler, ev Event) {
	switch ev.Action {
	case ActionUpsert:
		h.Schedule(ev.DestinationID, ev.Interval())
	case ActionRemove:
		h.Unschedule(ev.DestinationID)
	}
}

// Options tune the listener connection.
type Options struct {
	MinReconnect time.Duration
	MaxReconnect time.Duration
	PingInterval time.Duration
	// OnReconnect runs after the connection was re-established, since
	// notifications sent while it was down are lost.
	OnReconnect func(ctx context.Context) error
}

// Listener feeds destination events into a Handler.
type Listener struct {
	dsn     string
	handler Handler
	opts    Options
	logger  zerolog.Logger
}

// NewListener constructs a listener on dsn.
func NewListener(dsn string, handler Handler, opts Options, logger zerolog.Logger) *Listener {
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = 10 * time.Second
	}
	if opts.MaxReconnect <= 0 {
		opts.MaxReconnect = time.Minute
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 90 * time.Second
	}
	return &Listener{
		dsn:     dsn,
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "events").Logger(),
	}
}

// Run listens until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, l.opts.MinReconnect, l.opts.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn().Err(err).Int("event", int(ev)).Msg("postgres listener event")
		}
	})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("listen %s: %w", Channel, err)
	}
	l.logger.Info().Str("channel", Channel).Msg("listening for destination events")

	ping := time.NewTicker(l.opts.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// connection was lost and re-established
				l.reconnected(ctx)
				continue
			}
			l.handle(n.Extra)
		case <-ping.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn().Err(err).Msg("listener ping failed")
			}
		}
	}
}

func (l *Listener) handle(payload string) {
	ev, err := Parse(payload)
	if err != nil {
		l.logger.Error().Err(err).Str("payload", payload).Msg("discarding destination event")
		return
	}
	Apply(l.handler, ev)
	l.logger.Debug().
		Str("action", string(ev.Action)).
		Int64("destination_id", ev.DestinationID).
		Msg("destination event applied")
}

func (l *Listener) reconnected(ctx context.Context) {
	if l.opts.OnReconnect == nil {
		return
	}
	if err := l.opts.OnReconnect(ctx); err != nil {
		l.logger.Error().Err(err).Msg("resync after reconnect failed")
	}
}
