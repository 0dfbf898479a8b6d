package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event: %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusFiltersByUserAndExecution(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	userA := uuid.New()
	userB := uuid.New()
	execA := uuid.New()

	byUser := bus.SubscribeUser(userA)
	byExec := bus.SubscribeExecution(execA)
	defer byUser.Close()
	defer byExec.Close()

	bus.Publish(Event{Type: TypeExecutionUpdate, ExecutionID: execA, UserID: userA})
	assert.Equal(t, TypeExecutionUpdate, recv(t, byUser).Type)
	assert.Equal(t, execA, recv(t, byExec).ExecutionID)

	bus.Publish(Event{Type: TypeExecutionComplete, ExecutionID: uuid.New(), UserID: userB})
	assertNothing(t, byUser)
	assertNothing(t, byExec)
}

func TestBusStampsPublishTime(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	userID := uuid.New()
	sub := bus.SubscribeUser(userID)
	defer sub.Close()

	bus.Publish(Event{Type: TypeExecutionLog, UserID: userID})
	ev := recv(t, sub)
	assert.WithinDuration(t, time.Now().UTC(), ev.At, 5*time.Second)
}

func TestBusDropsWhenSubscriberSaturated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	userID := uuid.New()
	sub := bus.SubscribeUser(userID)
	defer sub.Close()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(Event{Type: TypeExecutionLog, UserID: userID,
			Payload: map[string]interface{}{"seq": i}})
	}

	assert.Len(t, sub.C, subscriberBuffer)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	userID := uuid.New()
	sub := bus.SubscribeUser(userID)
	sub.Close()

	// publish after cancel must not panic on the closed channel
	bus.Publish(Event{Type: TypeExecutionUpdate, UserID: userID})

	_, open := <-sub.C
	assert.False(t, open)
}

func TestNATSBusRoundTrip(t *testing.T) {
	opts := &server.Options{
		Host: "127.0.0.1",
		Port: -1, // Random port
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	defer ns.Shutdown()
	require.True(t, ns.ReadyForConnections(4*time.Second))

	bus, err := NewNATSBus(ns.ClientURL())
	require.NoError(t, err)
	defer bus.Close()

	userID := uuid.New()
	execID := uuid.New()
	sub := bus.SubscribeUser(userID)
	defer sub.Close()

	bus.Publish(Event{
		Type:        TypePositionClosed,
		ExecutionID: execID,
		UserID:      userID,
		Payload:     map[string]interface{}{"exit_reason": "take profit hit"},
	})

	ev := recv(t, sub)
	assert.Equal(t, TypePositionClosed, ev.Type)
	assert.Equal(t, execID, ev.ExecutionID)
	assert.Equal(t, "take profit hit", ev.Payload["exit_reason"])
}
