package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fanbase-labs/divvy/utils/pkg/logger"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Parallel()
	bus := NewBus(logger.NewTest())

	ch, cancel := bus.Subscribe(4)
	defer cancel()

	e := Event{Type: TypeEpochFinalized, At: time.Now(), Payload: EpochFinalized{EpochID: "e1"}}
	bus.Publish(e)

	got := <-ch
	require.Equal(t, TypeEpochFinalized, got.Type)
	require.Equal(t, "e1", got.Payload.(EpochFinalized).EpochID)
}

func TestBus_FanOut(t *testing.T) {
	t.Parallel()
	bus := NewBus(logger.NewTest())

	a, cancelA := bus.Subscribe(1)
	defer cancelA()
	b, cancelB := bus.Subscribe(1)
	defer cancelB()

	bus.Publish(Event{Type: TypeSharesUnlocked})
	require.Equal(t, TypeSharesUnlocked, (<-a).Type)
	require.Equal(t, TypeSharesUnlocked, (<-b).Type)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	bus := NewBus(logger.NewTest())

	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Buffer of one; the second publish has nowhere to go.
	bus.Publish(Event{Type: TypeDividendClaimed})
	bus.Publish(Event{Type: TypeDividendClaimed})
	require.EqualValues(t, 1, bus.Dropped())
}

func TestBus_CancelClosesChannel(t *testing.T) {
	t.Parallel()
	bus := NewBus(logger.NewTest())

	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: TypeEpochFinalized})
}
