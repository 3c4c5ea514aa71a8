package subscription

import (
	"sync"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/device"
)

// State is the lifecycle state of a Subscriber.
type State uint8

const (
	// StateUnsubscribed is a subscriber without a live SID, either new or
	// retained across a suspend.
	StateUnsubscribed State = iota

	// StatePendingSubscribe waits for the SUBSCRIBE response.
	StatePendingSubscribe

	// StateSubscribed holds a live SID.
	StateSubscribed

	// StatePendingRenew waits for the renewal response.
	StatePendingRenew

	// StatePendingUnsubscribe waits for the UNSUBSCRIBE response.
	StatePendingUnsubscribe

	// StateRemoved is terminal.
	StateRemoved
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StatePendingSubscribe:
		return "PENDING_SUBSCRIBE"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StatePendingRenew:
		return "PENDING_RENEW"
	case StatePendingUnsubscribe:
		return "PENDING_UNSUBSCRIBE"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

// Property is one changed state variable.
type Property struct {
	Name  string
	Value string
}

// Notification is a decoded GENA event.
type Notification struct {
	SID        string
	UDN        string
	ServiceID  string
	Seq        uint32
	Properties []Property
}

// Map returns the properties keyed by name. Later duplicates win.
func (n *Notification) Map() map[string]string {
	out := make(map[string]string, len(n.Properties))
	for _, p := range n.Properties {
		out[p.Name] = p.Value
	}
	return out
}

// Handler receives notifications. Exactly one of n and err is non-nil.
type Handler func(sub *Subscriber, n *Notification, err error)

type key struct {
	udn       string
	serviceID string
}

// Subscriber is an event subscription to one service of one device.
type Subscriber struct {
	UDN       string
	ServiceID string

	// EventURL is the absolute event subscription URL of the service.
	EventURL string

	service *device.Service
	handler Handler

	mu        sync.RWMutex
	sid       string
	callbacks []string
	timeout   time.Duration
	expiry    time.Time
	state     State
	seq       uint32
	notified  bool
}

func newSubscriber(svc *device.Service, eventURL string, handler Handler) *Subscriber {
	return &Subscriber{
		UDN:       svc.Device().UDN,
		ServiceID: svc.ServiceID,
		EventURL:  eventURL,
		service:   svc,
		handler:   handler,
	}
}

func (s *Subscriber) key() key {
	return key{udn: s.UDN, serviceID: s.ServiceID}
}

// Service returns the subscribed service.
func (s *Subscriber) Service() *device.Service {
	return s.service
}

// SID returns the subscription id, empty until subscribed.
func (s *Subscriber) SID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sid
}

// CallbackURLs returns the URLs the device was asked to notify.
func (s *Subscriber) CallbackURLs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.callbacks...)
}

// Timeout returns the timeout granted by the last subscribe or renew.
func (s *Subscriber) Timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout
}

// Expiry returns the deadline derived from the last successful response.
func (s *Subscriber) Expiry() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiry
}

// State returns the lifecycle state.
func (s *Subscriber) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastSeq returns the SEQ of the last notification and whether any
// notification was received.
func (s *Subscriber) LastSeq() (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq, s.notified
}

func (s *Subscriber) setState(state State) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.state
	s.state = state
	return old
}

func (s *Subscriber) commit(sid string, timeout time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sid = sid
	s.timeout = timeout
	s.expiry = now.Add(timeout)
	s.state = StateSubscribed
}

func (s *Subscriber) recordSeq(seq uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq = seq
	s.notified = true
}
