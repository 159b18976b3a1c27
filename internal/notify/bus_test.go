package notify

import (
	"log/slog"
	"testing"
	"time"

	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, *taskstore.Storage) {
	t.Helper()
	storage, err := taskstore.NewStorage(":memory:", slog.Default())
	require.NoError(t, err)
	return NewBus(slog.Default(), storage), storage
}

func TestProgressDeliveredToSubscriber(t *testing.T) {
	bus, _ := newTestBus(t)
	ch := bus.Open("chan-1")
	require.NoError(t, bus.Subscribe("chan-1", "bundle.a", 42))

	bus.Progress(ProgressEvent{Tid: 42, State: "Running", Processed: 1024})

	select {
	case f := <-ch.Frames():
		assert.Equal(t, KindProgress, f.Kind)
		assert.Equal(t, uint32(42), f.Tid)
	case <-time.After(time.Second):
		t.Fatal("expected a progress frame")
	}
}

func TestUnsubscribedChannelReceivesNothing(t *testing.T) {
	bus, _ := newTestBus(t)
	ch := bus.Open("chan-2")

	bus.Progress(ProgressEvent{Tid: 7, State: "Running"})

	select {
	case f := <-ch.Frames():
		t.Fatalf("unexpected frame delivered: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProgressCoalescesBehindSlowReader(t *testing.T) {
	bus, _ := newTestBus(t)
	ch := bus.Open("chan-3")
	require.NoError(t, bus.Subscribe("chan-3", "bundle.a", 9))

	for i := 0; i < 5; i++ {
		bus.Progress(ProgressEvent{Tid: 9, State: "Running", Processed: int64(i)})
	}

	f := <-ch.Frames()
	reader := newPayloadReader(f.Payload)
	_, _ = reader.u32() // tid
	_, _ = reader.str() // state
	_, _ = reader.i32() // file index
	processed, err := reader.i64()
	require.NoError(t, err)
	assert.Equal(t, int64(4), processed, "coalescing should keep only the newest progress")

	select {
	case extra := <-ch.Frames():
		t.Fatalf("expected coalescing to leave a single frame, got extra: %+v", extra)
	default:
	}
}

func TestStateEventReplayedOnReconnect(t *testing.T) {
	bus, _ := newTestBus(t)
	ch := bus.Open("chan-4")
	require.NoError(t, bus.Subscribe("chan-4", "bundle.a", 3))

	bus.Progress(ProgressEvent{Tid: 3, State: "Running", Processed: 512})
	bus.State(3, statemachine.Completed, statemachine.ReasonOK)
	<-ch.Frames() // drain the live progress delivery
	<-ch.Frames() // drain the live state delivery
	bus.Close("chan-4")

	// Simulate the client losing its channel and reopening a brand new one,
	// then re-subscribing to the same tid: it should be caught up
	// immediately without a fresh event ever being published.
	reconnected := bus.Open("chan-4-reconnected")
	require.NoError(t, bus.Subscribe("chan-4-reconnected", "bundle.a", 3))

	first := <-reconnected.Frames()
	assert.Equal(t, KindProgress, first.Kind)
	assert.Equal(t, uint32(3), first.Tid)

	second := <-reconnected.Frames()
	assert.Equal(t, KindState, second.Kind)
	assert.Equal(t, uint32(3), second.Tid)
}

func TestBroadcastRunCountReachesOnlySubscribedChannels(t *testing.T) {
	bus, _ := newTestBus(t)
	subscribed := bus.Open("chan-5")
	other := bus.Open("chan-6")
	require.NoError(t, bus.Subscribe("chan-5", "bundle.a", 0))

	bus.BroadcastRunCount(3)

	select {
	case f := <-subscribed.Frames():
		assert.Equal(t, KindRunCount, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a run-count frame")
	}

	select {
	case f := <-other.Frames():
		t.Fatalf("unsubscribed channel should not receive run-count frames, got %+v", f)
	default:
	}
}

func TestCloseDropsSubscriptionsAndChannel(t *testing.T) {
	bus, storage := newTestBus(t)
	bus.Open("chan-7")
	require.NoError(t, bus.Subscribe("chan-7", "bundle.a", 11))

	bus.Close("chan-7")

	rows, err := storage.SubscriptionsForTask(11)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
