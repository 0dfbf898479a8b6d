package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// subscriberBuffer bounds each subscription channel. Slow consumers drop
// events silently rather than blocking the engine.
const subscriberBuffer = 64

// Subscription is one registered consumer
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close unregisters the subscription
func (s *Subscription) Close() {
	s.cancel()
}

type subscriber struct {
	id          uint64
	userID      *uuid.UUID
	executionID *uuid.UUID
	ch          chan Event
}

// Bus is the in-process fan-out hub, optionally bridged to NATS so events
// reach subscribers on other hosts. Publish never blocks.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscriber

	nc     *nats.Conn
	prefix string
}

// NewBus creates a bus without a NATS bridge
func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscriber), prefix: "quantpipe.events."}
}

// NewNATSBus creates a bus bridged over NATS. Events published locally go to
// `quantpipe.events.<execution_id>`; events arriving from NATS are fanned out
// to local subscribers.
func NewNATSBus(natsURL string) (*Bus, error) {
	nc, err := nats.Connect(
		natsURL,
		nats.Name("quantpipe-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	bus := &Bus{
		subs:   make(map[uint64]*subscriber),
		nc:     nc,
		prefix: "quantpipe.events.",
	}

	if _, err := nc.Subscribe(bus.prefix+">", func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed event")
			return
		}
		bus.dispatch(ev)
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to event subject: %w", err)
	}

	log.Info().Str("nats_url", natsURL).Msg("Event bus connected to NATS")
	return bus, nil
}

// Publish emits an event to all matching subscribers. With a NATS bridge the
// event round-trips through NATS so every host sees it exactly once locally.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if b.nc != nil && b.nc.IsConnected() {
		data, err := json.Marshal(ev)
		if err == nil {
			subject := b.prefix + ev.ExecutionID.String()
			if err := b.nc.Publish(subject, data); err == nil {
				return
			}
			log.Warn().Str("subject", subject).Msg("NATS publish failed, falling back to local dispatch")
		}
	}
	b.dispatch(ev)
}

func (b *Bus) dispatch(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.userID != nil && *sub.userID != ev.UserID {
			continue
		}
		if sub.executionID != nil && *sub.executionID != ev.ExecutionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// subscriber is saturated, drop
		}
	}
}

func (b *Bus) subscribe(userID, executionID *uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{
		id:          id,
		userID:      userID,
		executionID: executionID,
		ch:          make(chan Event, subscriberBuffer),
	}
	b.subs[id] = sub

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
		},
	}
}

// SubscribeUser delivers every event belonging to the user
func (b *Bus) SubscribeUser(userID uuid.UUID) *Subscription {
	return b.subscribe(&userID, nil)
}

// SubscribeExecution delivers every event for one execution
func (b *Bus) SubscribeExecution(executionID uuid.UUID) *Subscription {
	return b.subscribe(nil, &executionID)
}

// Close drops all subscriptions and the NATS connection
func (b *Bus) Close() {
	b.mu.Lock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	if b.nc != nil {
		b.nc.Close()
	}
}
