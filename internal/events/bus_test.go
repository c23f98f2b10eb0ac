package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_SubscribeAndEmit(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []Event
	bus.Subscribe(FillReceived, func(e Event) {
		got = append(got, e)
	})

	bus.Emit(FillReceived, "test", &FillReceivedData{AccountID: 1, Symbol: "ES", Quantity: 2})
	bus.Emit(PnlUpdated, "test", &PnlUpdatedData{AccountID: 1})

	require.Len(t, got, 1)
	assert.Equal(t, FillReceived, got[0].Type)
	assert.Equal(t, "test", got[0].Source)

	data, ok := got[0].Data.(*FillReceivedData)
	require.True(t, ok)
	assert.Equal(t, int64(1), data.AccountID)
	assert.Equal(t, "ES", data.Symbol)
}

func TestBus_SubscribeAllReceivesEverything(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	count := 0
	bus.SubscribeAll(func(Event) { count++ })

	bus.Emit(FillReceived, "test", &FillReceivedData{})
	bus.Emit(OrderSubmitted, "test", &OrderSubmittedData{})
	bus.Emit(KillSwitchChanged, "test", &KillSwitchChangedData{Master: true})

	assert.Equal(t, 3, count)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	first, second := 0, 0
	unsubscribe := bus.SubscribeAll(func(Event) { first++ })
	bus.SubscribeAll(func(Event) { second++ })

	bus.Emit(FillReceived, "test", &FillReceivedData{})
	unsubscribe()
	bus.Emit(FillReceived, "test", &FillReceivedData{})

	// Removing one subscription must not disturb the other
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	// A second call is a no-op
	unsubscribe()
	bus.Emit(FillReceived, "test", &FillReceivedData{})
	assert.Equal(t, 1, first)
	assert.Equal(t, 3, second)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	delivered := 0
	bus.Subscribe(FillReceived, func(Event) { panic("handler bug") })
	bus.Subscribe(FillReceived, func(Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Emit(FillReceived, "test", &FillReceivedData{})
	})

	// The handler after the panicking one still runs
	assert.Equal(t, 1, delivered)
}

func TestBus_MultipleHandlersInOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var order []int
	bus.Subscribe(CommandReceived, func(Event) { order = append(order, 1) })
	bus.Subscribe(CommandReceived, func(Event) { order = append(order, 2) })

	bus.Emit(CommandReceived, "test", &CommandReceivedData{CommandID: "c1"})

	assert.Equal(t, []int{1, 2}, order)
}

func TestConnectionChangedData_EventTypeFollowsKind(t *testing.T) {
	broker := &ConnectionChangedData{Kind: "broker", State: "connected"}
	cloud := &ConnectionChangedData{Kind: "cloud", State: "reconnecting"}

	assert.Equal(t, BrokerConnectionChanged, broker.EventType())
	assert.Equal(t, CloudConnectionChanged, cloud.EventType())
}
