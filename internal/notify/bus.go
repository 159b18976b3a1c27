package notify

import (
	"log/slog"
	"sync"

	"transferengine/internal/statemachine"
	"transferengine/internal/taskstore"
)

// Bus is the Notification Bus (C5): the single point every other component
// pushes task events through, fanning each one out to every channel
// subscribed to that task (or, for RunCount, to every channel subscribed to
// run-count updates).
type Bus struct {
	logger  *slog.Logger
	storage *taskstore.Storage

	mu       sync.RWMutex
	channels map[string]*Channel

	runCountSubs map[string]bool // channel ID -> subscribed to RunCount

	// latest remembers each task's most recent State and Progress frame,
	// independent of any one Channel, so a client that stalls out, gets
	// dropped, and reopens a brand new channel can still be caught up the
	// moment it re-subscribes — the frame history a dead Channel held would
	// otherwise be lost with it.
	latest map[uint32]*taskSnapshot
}

type taskSnapshot struct {
	state    *Frame
	progress *Frame
}

func NewBus(logger *slog.Logger, storage *taskstore.Storage) *Bus {
	return &Bus{
		logger:       logger,
		storage:      storage,
		channels:     make(map[string]*Channel),
		runCountSubs: make(map[string]bool),
		latest:       make(map[uint32]*taskSnapshot),
	}
}

// Open registers a new channel, grounded on the IPC layer's per-connection
// lifecycle: one Channel per accepted socket connection.
func (b *Bus) Open(id string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := newChannel(id)
	b.channels[id] = ch
	return ch
}

// Close tears a channel down and forgets its subscriptions in storage.
func (b *Bus) Close(id string) {
	b.mu.Lock()
	ch, ok := b.channels[id]
	delete(b.channels, id)
	delete(b.runCountSubs, id)
	b.mu.Unlock()
	if ok {
		ch.close()
	}
	if err := b.storage.RemoveSubscriptionsForChannel(id); err != nil && b.logger != nil {
		b.logger.Warn("failed to drop subscriptions for closed channel", "channel", id, "error", err)
	}
}

// eventMaskAll subscribes a channel to every kind of event for a task; the
// spec's subscribe call does not let a client narrow this further.
const eventMaskAll uint32 = 0xFFFFFFFF

// Subscribe records that channel id wants events for tid, persisted so a
// restart-surviving subscription (if the spec's client reconnects with the
// same channel id) can be honored; RunCount subscriptions use tid 0. The
// moment a subscription lands, the channel is caught up with the latest
// Progress and current state for tid, per §4.5's reconnect-and-replay rule
// — this is what lets a client that lost its channel and opened a new one
// resume seeing an accurate picture without waiting for the next live event.
func (b *Bus) Subscribe(channelID string, subscriberBundle string, tid uint32) error {
	if tid == 0 {
		b.mu.Lock()
		b.runCountSubs[channelID] = true
		b.mu.Unlock()
		return nil
	}
	if err := b.storage.AddSubscription(taskstore.SubscriptionRow{
		Tid:              tid,
		SubscriberBundle: subscriberBundle,
		ChannelID:        channelID,
		EventMask:        eventMaskAll,
	}); err != nil {
		return err
	}
	b.replayTo(channelID, tid)
	return nil
}

// replayTo delivers the remembered latest Progress and current state for
// tid onto channelID, if both the channel and a snapshot still exist.
func (b *Bus) replayTo(channelID string, tid uint32) {
	b.mu.RLock()
	ch, chOK := b.channels[channelID]
	snap, snapOK := b.latest[tid]
	b.mu.RUnlock()
	if !chOK || !snapOK {
		return
	}
	if snap.progress != nil {
		ch.deliver(*snap.progress)
	}
	if snap.state != nil {
		ch.deliver(*snap.state)
	}
}

// rememberLatest updates the bus-wide per-tid snapshot used by replayTo,
// independent of which (if any) channels are currently subscribed.
func (b *Bus) rememberLatest(f Frame) {
	if f.Kind != KindState && f.Kind != KindProgress {
		return
	}
	frame := f
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.latest[f.Tid]
	if !ok {
		snap = &taskSnapshot{}
		b.latest[f.Tid] = snap
	}
	if f.Kind == KindState {
		snap.state = &frame
	} else {
		snap.progress = &frame
	}
}

func (b *Bus) Unsubscribe(channelID string, tid uint32) error {
	if tid == 0 {
		b.mu.Lock()
		delete(b.runCountSubs, channelID)
		b.mu.Unlock()
		return nil
	}
	return b.storage.RemoveSubscription(channelID, tid, eventMaskAll)
}

// publish delivers f to every channel subscribed to f.Tid.
func (b *Bus) publish(f Frame) {
	b.rememberLatest(f)

	subs, err := b.storage.SubscriptionsForTask(f.Tid)
	if err != nil {
		if b.logger != nil {
			b.logger.Warn("failed to look up subscriptions", "tid", f.Tid, "error", err)
		}
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range subs {
		if ch, ok := b.channels[sub.ChannelID]; ok {
			ch.deliver(f)
		}
	}
}

// Progress emits the current transfer cursor for tid.
func (b *Bus) Progress(e ProgressEvent) { b.publish(e.ToFrame()) }

// Response mirrors an HTTP response's metadata back to subscribers.
func (b *Bus) Response(e ResponseEvent) { b.publish(e.ToFrame()) }

// State announces a lifecycle transition, persisting nothing itself: the
// Registry is the state of record, this is only the notification side.
func (b *Bus) State(tid uint32, state statemachine.State, reason statemachine.Reason) {
	b.publish(StateEvent{Tid: tid, State: string(state), Reason: string(reason)}.ToFrame())
}

// Fault emits a structured error unrelated to a normal state change.
func (b *Bus) Fault(e FaultEvent) { b.publish(e.ToFrame()) }

// Wait explains why tid currently sits in Waiting.
func (b *Bus) Wait(e WaitEvent) { b.publish(e.ToFrame()) }

// BroadcastRunCount fans a running-task count out to every RunCount
// subscriber, independent of the per-task subscription table.
func (b *Bus) BroadcastRunCount(count int) {
	frame := RunCountEvent{Count: uint32(count)}.ToFrame()
	b.mu.RLock()
	defer b.mu.RUnlock()
	for channelID := range b.runCountSubs {
		if ch, ok := b.channels[channelID]; ok {
			ch.deliver(frame)
		}
	}
}

// EventSink adapts the Bus into the shape logger.EventHandler expects,
// turning warn/error-level log records into Fault frames published on a
// reserved tid of 0 (service-wide faults, not tied to any one task). A
// tid-0 Subscribe is recorded as a RunCount subscription, so publish finds
// no channel for these frames and none is delivered.
func (b *Bus) EventSink(level, message string, attrs map[string]any) {
	reason := string(statemachine.ReasonOther)
	if r, ok := attrs["reason"].(string); ok && r != "" {
		reason = r
	}
	b.publish(FaultEvent{Tid: 0, SubscribeType: level, Reason: reason + ": " + message}.ToFrame())
}
