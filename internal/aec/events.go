package aec

import (
	"sync"
	"time"
)

// BaseEvent carries the fields shared by every event.
type BaseEvent struct {
	eventType EventType
	timestamp time.Time
}

func (e *BaseEvent) Type() EventType {
	return e.eventType
}

func (e *BaseEvent) Timestamp() time.Time {
	return e.timestamp
}

// InitializedEvent reports that the manager finished initialization.
// RealtimeAttached is false when the manager fell back to software-path
// processing because no real-time sink was available.
type InitializedEvent struct {
	BaseEvent
	RealtimeAttached bool
}

func NewInitializedEvent(realtimeAttached bool) *InitializedEvent {
	return &InitializedEvent{
		BaseEvent: BaseEvent{
			eventType: EventTypeInitialized,
			timestamp: time.Now(),
		},
		RealtimeAttached: realtimeAttached,
	}
}

// ErrorEvent reports a recoverable processing failure. The frame that
// triggered it was passed through unprocessed.
type ErrorEvent struct {
	BaseEvent
	Op  string
	Err error
}

func NewErrorEvent(op string, err error) *ErrorEvent {
	return &ErrorEvent{
		BaseEvent: BaseEvent{
			eventType: EventTypeError,
			timestamp: time.Now(),
		},
		Op:  op,
		Err: err,
	}
}

// StateChangedEvent reports a lifecycle transition.
type StateChangedEvent struct {
	BaseEvent
	OldState State
	NewState State
}

func NewStateChangedEvent(oldState, newState State) *StateChangedEvent {
	return &StateChangedEvent{
		BaseEvent: BaseEvent{
			eventType: EventTypeStateChanged,
			timestamp: time.Now(),
		},
		OldState: oldState,
		NewState: newState,
	}
}

// DoubleTalkStartEvent fires on the frame where double-talk is first
// detected.
type DoubleTalkStartEvent struct {
	BaseEvent
}

func NewDoubleTalkStartEvent() *DoubleTalkStartEvent {
	return &DoubleTalkStartEvent{
		BaseEvent: BaseEvent{
			eventType: EventTypeDoubleTalkStart,
			timestamp: time.Now(),
		},
	}
}

// DoubleTalkEndEvent fires on the frame where double-talk clears.
type DoubleTalkEndEvent struct {
	BaseEvent
	Duration time.Duration
}

func NewDoubleTalkEndEvent(duration time.Duration) *DoubleTalkEndEvent {
	return &DoubleTalkEndEvent{
		BaseEvent: BaseEvent{
			eventType: EventTypeDoubleTalkEnd,
			timestamp: time.Now(),
		},
		Duration: duration,
	}
}

// DelayUpdatedEvent reports that the manager adopted a new echo-path delay.
type DelayUpdatedEvent struct {
	BaseEvent
	DelaySamples int
	DelayMs      float64
	Confidence   float64
}

func NewDelayUpdatedEvent(delaySamples int, delayMs, confidence float64) *DelayUpdatedEvent {
	return &DelayUpdatedEvent{
		BaseEvent: BaseEvent{
			eventType: EventTypeDelayUpdated,
			timestamp: time.Now(),
		},
		DelaySamples: delaySamples,
		DelayMs:      delayMs,
		Confidence:   confidence,
	}
}

// eventRegistry is the manager's observer list. Subscriptions are keyed by
// id so handlers, which cannot be compared, can be removed individually.
type eventRegistry struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
}

func newEventRegistry() *eventRegistry {
	return &eventRegistry{
		handlers: make(map[int]EventHandler),
	}
}

func (r *eventRegistry) subscribe(handler EventHandler) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.handlers[id] = handler
	return id
}

func (r *eventRegistry) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.handlers, id)
}

// publish dispatches the event to every subscriber on its own goroutine so
// a slow handler cannot stall the frame path.
func (r *eventRegistry) publish(event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, handler := range r.handlers {
		go handler(event)
	}
}

func (r *eventRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[int]EventHandler)
}
