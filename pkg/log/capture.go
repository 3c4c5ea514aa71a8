package log

import (
	"bytes"
	"time"

	"github.com/google/uuid"
)

// MaxCaptureSize bounds the raw bytes stored per datagram.
const MaxCaptureSize = 1024

// NewExchangeID returns a fresh exchange identifier.
func NewExchangeID() string {
	return uuid.New().String()
}

// NewDatagramEvent builds a discovery event for a raw SSDP datagram.
// The start line is taken from the first CRLF-terminated line.
func NewDatagramEvent(dir Direction, remote string, data []byte) Event {
	startLine := data
	if i := bytes.Index(data, []byte("\r\n")); i >= 0 {
		startLine = data[:i]
	}

	captured := data
	truncated := false
	if len(captured) > MaxCaptureSize {
		captured = captured[:MaxCaptureSize]
		truncated = true
	}

	return Event{
		Timestamp:  time.Now(),
		ExchangeID: NewExchangeID(),
		Direction:  dir,
		Layer:      LayerDiscovery,
		Category:   CategoryMessage,
		RemoteAddr: remote,
		Datagram: &DatagramEvent{
			StartLine: string(startLine),
			Size:      len(data),
			Data:      append([]byte(nil), captured...),
			Truncated: truncated,
		},
	}
}

// NewErrorEvent builds an error event for the given layer.
func NewErrorEvent(layer Layer, op string, err error) Event {
	return Event{
		Timestamp:  time.Now(),
		ExchangeID: NewExchangeID(),
		Layer:      layer,
		Category:   CategoryError,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: op,
		},
	}
}

// Or returns l, or NoopLogger if l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// NewHTTPEvent builds an event for one HTTP exchange. A zero elapsed
// leaves Duration unset.
func NewHTTPEvent(layer Layer, dir Direction, method, target string, status int, elapsed time.Duration) Event {
	ev := Event{
		Timestamp:  time.Now(),
		ExchangeID: NewExchangeID(),
		Direction:  dir,
		Layer:      layer,
		Category:   CategoryMessage,
		HTTP: &HTTPEvent{
			Method:     method,
			URL:        target,
			StatusCode: status,
		},
	}
	if elapsed > 0 {
		ev.HTTP.Duration = &elapsed
	}
	return ev
}

// NewStateEvent builds a lifecycle event.
func NewStateEvent(entity StateEntity, oldState, newState, reason string) Event {
	return Event{
		Timestamp:  time.Now(),
		ExchangeID: NewExchangeID(),
		Layer:      LayerService,
		Category:   CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	}
}
