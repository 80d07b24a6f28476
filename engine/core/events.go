package core

import (
	"reflect"
	"sync"
)

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// The encoder found no usable reference and emptied its decode picture buffer.
	/* Context usage:
	 * u64 frame_index = data.Data.U64[0];
	 * u32 frames_since_reset = data.Data.U32[0];
	 */
	EVENT_CODE_ENCODER_FORCED_RESET SystemEventCode = 0x01

	// The encoder was asked for an IDR and refreshed its out-of-band parameters.
	/* Context usage:
	 * u64 target_timestamp_ns = data.Data.I64[0];
	 */
	EVENT_CODE_ENCODER_IDR_REFRESH SystemEventCode = 0x02

	// A watched scene file was created or modified on disk.
	/* Context usage:
	 * string path = data.Data.C[0];
	 */
	EVENT_CODE_SCENE_FILE_CHANGED SystemEventCode = 0x03

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

// This should be more than enough codes...
const MAX_MESSAGE_CODES = 16384

type EventContext struct {
	Data struct {
		I64 [2]int64
		U64 [2]uint64
		F64 [2]float64

		I32 [4]int32
		U32 [4]uint32
		F32 [4]float32

		C [2]string
	}
}

// Should return true if handled.
type FnOnEvent func(code SystemEventCode, sender interface{}, listener interface{}, data EventContext) bool

type registeredEvent struct {
	listener interface{}
	callback FnOnEvent
}

// State structure.
type eventSystemState struct {
	mu sync.RWMutex
	// Lookup table for event codes.
	registered map[SystemEventCode][]registeredEvent
}

var onceEvent sync.Once
var eventState *eventSystemState

func events() *eventSystemState {
	onceEvent.Do(func() {
		eventState = &eventSystemState{
			registered: make(map[SystemEventCode][]registeredEvent),
		}
	})
	return eventState
}

/**
 * Register to listen for when events are sent with the provided code. Events with duplicate
 * listener/callback combos will not be registered again and will cause this to return false.
 * @param code The event code to listen for.
 * @param listener A listener instance. Can be nil.
 * @param onEvent The callback to be invoked when the event code is fired.
 * @returns true if the event is successfully registered; otherwise false.
 */
func EventRegister(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	if code < 0 || code >= MAX_MESSAGE_CODES || onEvent == nil {
		return false
	}
	s := events()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.registered[code] {
		if e.listener == listener && sameCallback(e.callback, onEvent) {
			LogWarn("event %d: listener already registered", code)
			return false
		}
	}
	s.registered[code] = append(s.registered[code], registeredEvent{
		listener: listener,
		callback: onEvent,
	})
	return true
}

/**
 * Unregister from listening for when events are sent with the provided code. If no matching
 * registration is found, this function returns false.
 */
func EventUnregister(code SystemEventCode, listener interface{}, onEvent FnOnEvent) bool {
	s := events()
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.registered[code]
	for i, e := range entries {
		if e.listener == listener && sameCallback(e.callback, onEvent) {
			s.registered[code] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

/**
 * Fires an event to listeners of the given code. If an event handler returns
 * true, the event is considered handled and is not passed on to any more listeners.
 * Callbacks run on the caller's goroutine.
 * @returns true if handled, otherwise false.
 */
func EventFire(code SystemEventCode, sender interface{}, context EventContext) bool {
	s := events()
	s.mu.RLock()
	entries := s.registered[code]
	s.mu.RUnlock()

	for _, e := range entries {
		if e.callback(code, sender, e.listener, context) {
			// Message has been handled, do not send to other listeners.
			return true
		}
	}
	return false
}

// EventReset drops every registration.
func EventReset() {
	s := events()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = make(map[SystemEventCode][]registeredEvent)
}

// funcs are not comparable; compare code pointers instead.
func sameCallback(a, b FnOnEvent) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
