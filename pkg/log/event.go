package log

import (
	"time"
)

// Event is one traced UPnP exchange, datagram or state transition.
// Fields are keyed by small integers on disk.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ExchangeID correlates events belonging to one exchange (UUID).
	// Datagrams carry a fresh ID each.
	ExchangeID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// RemoteAddr is the peer address (IP:port or URL host).
	RemoteAddr string `cbor:"6,keyasint,omitempty"`

	// UDN is the device the event concerns, when known.
	UDN string `cbor:"7,keyasint,omitempty"`

	// SID is the event subscription the event concerns, when known.
	SID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Datagram     *DatagramEvent     `cbor:"10,keyasint,omitempty"` // SSDP
	HTTP         *HTTPEvent         `cbor:"11,keyasint,omitempty"` // description, GENA, SOAP
	Notification *NotificationEvent `cbor:"12,keyasint,omitempty"` // inbound NOTIFY
	StateChange  *StateChangeEvent  `cbor:"13,keyasint,omitempty"` // lifecycle
	Error        *ErrorEventData    `cbor:"14,keyasint,omitempty"` // errors at any layer
}

// Direction is relative to the control point.
type Direction uint8

const (
	// DirectionIn indicates an incoming message.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing message.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which part of the UPnP architecture captured the event.
type Layer uint8

const (
	// LayerDiscovery is SSDP (multicast and unicast datagrams).
	LayerDiscovery Layer = 0
	// LayerDescription is device description and SCPD retrieval.
	LayerDescription Layer = 1
	// LayerEventing is GENA subscribe, renew, unsubscribe and notify.
	LayerEventing Layer = 2
	// LayerControl is SOAP action invocation.
	LayerControl Layer = 3
	// LayerService is the control point itself.
	LayerService Layer = 4
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerDiscovery:
		return "DISCOVERY"
	case LayerDescription:
		return "DESCRIPTION"
	case LayerEventing:
		return "EVENTING"
	case LayerControl:
		return "CONTROL"
	case LayerService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Category groups events for filtering.
type Category uint8

const (
	// CategoryMessage indicates a protocol message.
	CategoryMessage Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DatagramEvent captures an SSDP datagram.
type DatagramEvent struct {
	// StartLine is the request or status line.
	StartLine string `cbor:"1,keyasint"`

	// Size is the datagram size in bytes.
	Size int `cbor:"2,keyasint"`

	// Data is the raw datagram (may be truncated for large datagrams).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`

	// NTS is the notification sub-type for NOTIFY messages.
	NTS string `cbor:"5,keyasint,omitempty"`

	// USN is the unique service name.
	USN string `cbor:"6,keyasint,omitempty"`
}

// HTTPEvent captures one HTTP exchange.
type HTTPEvent struct {
	// Method is the HTTP method (GET, SUBSCRIBE, POST, ...).
	Method string `cbor:"1,keyasint"`

	// URL is the request URL.
	URL string `cbor:"2,keyasint"`

	// StatusCode is the response status (0 for requests).
	StatusCode int `cbor:"3,keyasint,omitempty"`

	// Action is the SOAP action name for control exchanges.
	Action string `cbor:"4,keyasint,omitempty"`

	// Duration is the round trip time (responses only).
	// Stored as nanoseconds.
	Duration *time.Duration `cbor:"5,keyasint,omitempty"`
}

// NotificationEvent captures an inbound GENA NOTIFY.
type NotificationEvent struct {
	// Seq is the event key from the SEQ header.
	Seq uint32 `cbor:"1,keyasint"`

	// ServiceID is the notifying service.
	ServiceID string `cbor:"2,keyasint,omitempty"`

	// Properties holds changed state variables by name.
	Properties map[string]string `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle changes.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity names the object whose state moved.
type StateEntity uint8

const (
	// StateEntityControlPoint indicates a control point lifecycle change.
	StateEntityControlPoint StateEntity = 0
	// StateEntityDevice indicates a device registry change.
	StateEntityDevice StateEntity = 1
	// StateEntitySubscription indicates a subscriber state change.
	StateEntitySubscription StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityControlPoint:
		return "CONTROL_POINT"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntitySubscription:
		return "SUBSCRIPTION"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData records a failure seen by any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the HTTP or UPnP error code (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
