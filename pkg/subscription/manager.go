package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Manager errors.
var (
	ErrUnknownSubscription = errors.New("subscription: unknown subscription")
	ErrNoEventURL          = errors.New("subscription: service has no event URL")
	ErrNoDevice            = errors.New("subscription: service has no owning device")
	ErrNoCallback          = errors.New("subscription: no callback address")
	ErrSuspended           = errors.New("subscription: manager suspended")
	ErrFinished            = errors.New("subscription: manager finished")
	ErrCancelled           = errors.New("subscription: cancelled by lifecycle change")
	ErrDeviceRemoved       = errors.New("subscription: device removed during subscribe")
	ErrInvalidConfig       = errors.New("subscription: invalid configuration")
)

// Defaults.
const (
	DefaultTimeout     = 1800 * time.Second
	DefaultRenewMargin = 30 * time.Second

	// NotifyPathPrefix is the callback route prefix.
	NotifyPathPrefix = "/notify/"
)

// Config configures a Manager.
type Config struct {
	// Timeout is requested on subscribe and renew.
	Timeout time.Duration

	// RenewMargin is how long before expiry a subscriber becomes due
	// for renewal.
	RenewMargin time.Duration

	// Transport sends GENA requests. Nil uses a GENAClient.
	Transport Transport

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives notification and state events.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the standard manager configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:     DefaultTimeout,
		RenewMargin: DefaultRenewMargin,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < time.Second {
		return fmt.Errorf("%w: timeout %v below one second", ErrInvalidConfig, c.Timeout)
	}
	if c.RenewMargin < 0 || c.RenewMargin >= c.Timeout {
		return fmt.Errorf("%w: renew margin %v", ErrInvalidConfig, c.RenewMargin)
	}
	return nil
}

// CallbackPath returns the callback path of a (udn, serviceId) pair.
func CallbackPath(udn, serviceID string) string {
	return NotifyPathPrefix + url.PathEscape(udn) + "/" + url.PathEscape(serviceID)
}

// Manager owns the set of event subscribers. Every mutation of the set
// happens under one lock; network exchanges run outside it and re-enter
// only to commit.
type Manager struct {
	config    Config
	transport Transport
	now       func() time.Time
	logger    *slog.Logger
	trace     log.Logger

	mu           sync.RWMutex
	bySID        map[string]*Subscriber
	byKey        map[key]*Subscriber
	handlers     []Handler
	callbackBase string
	generation   uint64
	removals     map[string]uint64 // udn -> RemoveForDevice count
	suspended    bool
	finished     bool
}

// NewManager creates a Manager.
func NewManager(config Config) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.RenewMargin <= 0 {
		config.RenewMargin = DefaultRenewMargin
	}
	transport := config.Transport
	if transport == nil {
		transport = NewGENAClient(nil, config.ProtocolLogger)
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		config:    config,
		transport: transport,
		now:       now,
		logger:    logger,
		trace:     log.Or(config.ProtocolLogger),
		bySID:     make(map[string]*Subscriber),
		byKey:     make(map[key]*Subscriber),
		removals:  make(map[string]uint64),
	}
}

// SetCallbackBase sets the scheme and host callback URLs are built on,
// such as "http://192.168.1.10:49152".
func (m *Manager) SetCallbackBase(base string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbackBase = strings.TrimRight(base, "/")
}

// CallbackBase returns the current callback base.
func (m *Manager) CallbackBase() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callbackBase
}

// AddHandler registers a handler for every notification. Handlers run
// in registration order before the subscriber's own handler.
func (m *Manager) AddHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Subscribe subscribes to svc. On failure nothing is added and the
// error is returned. A successful subscribe replaces any live subscriber
// for the same (udn, serviceId); the replaced one is unsubscribed.
func (m *Manager) Subscribe(ctx context.Context, svc *device.Service, handler Handler) (*Subscriber, error) {
	if svc.Device() == nil {
		return nil, ErrNoDevice
	}
	if svc.EventSubURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEventURL, svc.ServiceID)
	}
	eventURL, err := svc.EventLocation()
	if err != nil {
		return nil, err
	}

	sub := newSubscriber(svc, eventURL.String(), handler)

	m.mu.RLock()
	base, err := m.callbackBase, m.usableLocked()
	snap := m.snapshotLocked(sub.UDN)
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if base == "" {
		return nil, ErrNoCallback
	}
	return sub, m.subscribe(ctx, sub, base, snap)
}

// commitPoint is what a subscribe exchange must still match to commit.
type commitPoint struct {
	generation uint64
	removals   uint64
}

func (m *Manager) snapshotLocked(udn string) commitPoint {
	return commitPoint{generation: m.generation, removals: m.removals[udn]}
}

func (m *Manager) usableLocked() error {
	switch {
	case m.finished:
		return ErrFinished
	case m.suspended:
		return ErrSuspended
	}
	return nil
}

// subscribe performs the exchange for sub and commits it when neither a
// lifecycle change nor a removal of the device happened in flight.
func (m *Manager) subscribe(ctx context.Context, sub *Subscriber, base string, snap commitPoint) error {
	callbacks := []string{base + CallbackPath(sub.UDN, sub.ServiceID)}
	sub.mu.Lock()
	sub.callbacks = callbacks
	sub.state = StatePendingSubscribe
	sub.mu.Unlock()

	resp, err := m.transport.Subscribe(ctx, SubscribeRequest{
		EventURL:  sub.EventURL,
		Callbacks: callbacks,
		Timeout:   m.config.Timeout,
	})
	if err != nil {
		sub.setState(StateRemoved)
		m.logger.Debug("subscribe failed", "udn", sub.UDN, "service", sub.ServiceID, "error", err)
		return err
	}

	m.mu.Lock()
	if now := m.snapshotLocked(sub.UDN); now != snap {
		m.mu.Unlock()
		sub.setState(StateRemoved)
		m.unsubscribeQuietly(ctx, sub.EventURL, resp.SID)
		if now.generation != snap.generation {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %s", ErrDeviceRemoved, sub.UDN)
	}
	sub.commit(resp.SID, resp.Timeout, m.now())
	replaced := m.byKey[sub.key()]
	if replaced != nil {
		m.removeLocked(replaced)
	}
	m.bySID[resp.SID] = sub
	m.byKey[sub.key()] = sub
	m.mu.Unlock()

	m.traceState(sub, StatePendingSubscribe, StateSubscribed, "")
	if replaced != nil {
		m.traceState(replaced, StateSubscribed, StateRemoved, "replaced")
		m.unsubscribeQuietly(ctx, replaced.EventURL, replaced.SID())
	}
	m.logger.Debug("subscribed", "udn", sub.UDN, "service", sub.ServiceID, "sid", resp.SID, "timeout", resp.Timeout)
	return nil
}

func (m *Manager) removeLocked(sub *Subscriber) {
	sid := sub.SID()
	if m.bySID[sid] == sub {
		delete(m.bySID, sid)
	}
	if m.byKey[sub.key()] == sub {
		delete(m.byKey, sub.key())
	}
	sub.setState(StateRemoved)
}

func (m *Manager) unsubscribeQuietly(ctx context.Context, eventURL, sid string) {
	if sid == "" {
		return
	}
	if err := m.transport.Unsubscribe(ctx, eventURL, sid); err != nil {
		m.logger.Debug("best-effort unsubscribe failed", "sid", sid, "error", err)
	}
}

// Renew renews a live subscriber. A failed renewal removes it.
func (m *Manager) Renew(ctx context.Context, sub *Subscriber) error {
	m.mu.Lock()
	sid := sub.SID()
	if m.bySID[sid] != sub || sub.State() != StateSubscribed {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, sid)
	}
	gen := m.generation
	sub.setState(StatePendingRenew)
	m.mu.Unlock()

	resp, err := m.transport.Renew(ctx, sub.EventURL, sid, m.config.Timeout)

	m.mu.Lock()
	if m.generation != gen || m.bySID[sid] != sub {
		m.mu.Unlock()
		return ErrCancelled
	}
	if err != nil {
		m.removeLocked(sub)
		m.mu.Unlock()
		m.traceState(sub, StatePendingRenew, StateRemoved, err.Error())
		return err
	}
	if resp.SID != sid {
		delete(m.bySID, sid)
		m.bySID[resp.SID] = sub
	}
	sub.commit(resp.SID, resp.Timeout, m.now())
	m.mu.Unlock()

	m.logger.Debug("renewed", "sid", resp.SID, "timeout", resp.Timeout)
	return nil
}

// DueForRenewal returns live subscribers whose expiry falls within the
// renew margin, sorted by expiry.
func (m *Manager) DueForRenewal() []*Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.suspended || m.finished {
		return nil
	}
	deadline := m.now().Add(m.config.RenewMargin)
	var due []*Subscriber
	for _, sub := range m.bySID {
		if sub.State() == StateSubscribed && !sub.Expiry().After(deadline) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Expiry().Before(due[j].Expiry()) })
	return due
}

// RenewDue renews every subscriber due for renewal and joins failures.
func (m *Manager) RenewDue(ctx context.Context) error {
	var errs []error
	for _, sub := range m.DueForRenewal() {
		if err := m.Renew(ctx, sub); err != nil && !errors.Is(err, ErrCancelled) {
			errs = append(errs, fmt.Errorf("renew %s: %w", sub.SID(), err))
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe removes the subscriber with sid and sends UNSUBSCRIBE. The
// subscriber is removed locally whatever the network outcome; the
// returned error reports that outcome. An unknown sid changes nothing
// and returns ErrUnknownSubscription.
func (m *Manager) Unsubscribe(ctx context.Context, sid string) error {
	m.mu.Lock()
	sub, ok := m.bySID[sid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSubscription, sid)
	}
	delete(m.bySID, sid)
	if m.byKey[sub.key()] == sub {
		delete(m.byKey, sub.key())
	}
	old := sub.setState(StatePendingUnsubscribe)
	suspended := m.suspended
	m.mu.Unlock()

	var err error
	if !suspended {
		err = m.transport.Unsubscribe(ctx, sub.EventURL, sid)
	}
	sub.setState(StateRemoved)
	m.traceState(sub, old, StateRemoved, "unsubscribe")
	return err
}

// Sweep drops subscribers whose expiry has passed, without network
// traffic, and returns them.
func (m *Manager) Sweep() []*Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.suspended {
		return nil
	}
	now := m.now()
	var removed []*Subscriber
	for _, sub := range m.bySID {
		if now.After(sub.Expiry()) {
			removed = append(removed, sub)
		}
	}
	for _, sub := range removed {
		m.removeLocked(sub)
		m.traceState(sub, StateSubscribed, StateRemoved, "expired")
	}
	sortSubscribers(removed)
	return removed
}

// RemoveForDevice drops every subscriber of the given UDNs without
// network traffic and returns them. Subscribes to those UDNs still in
// flight are rejected when they complete.
func (m *Manager) RemoveForDevice(udns ...string) []*Subscriber {
	want := make(map[string]bool, len(udns))
	for _, u := range udns {
		want[u] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for u := range want {
		m.removals[u]++
	}

	var removed []*Subscriber
	for _, sub := range m.bySID {
		if want[sub.UDN] {
			removed = append(removed, sub)
		}
	}
	for _, sub := range removed {
		m.removeLocked(sub)
		m.traceState(sub, StateSubscribed, StateRemoved, "device removed")
	}
	sortSubscribers(removed)
	return removed
}

// Suspend marks every subscriber unsubscribed but keeps it for Resume.
// Late completions of exchanges started before Suspend are discarded.
func (m *Manager) Suspend() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.finished || m.suspended {
		return
	}
	m.suspended = true
	m.generation++
	for _, sub := range m.bySID {
		sub.setState(StateUnsubscribed)
	}
}

// Resume subscribes afresh every subscriber retained by Suspend and
// replaces the set with the new subscribers once all attempts are done.
// Failed subscribers are dropped and their errors joined.
func (m *Manager) Resume(ctx context.Context) error {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return ErrFinished
	}
	if !m.suspended {
		m.mu.Unlock()
		return nil
	}
	retained := make([]*Subscriber, 0, len(m.bySID))
	for _, sub := range m.bySID {
		retained = append(retained, sub)
	}
	m.generation++
	gen, base := m.generation, m.callbackBase
	removals := make(map[string]uint64, len(retained))
	for _, sub := range retained {
		removals[sub.UDN] = m.removals[sub.UDN]
	}
	m.mu.Unlock()

	sortSubscribers(retained)
	fresh := make([]*Subscriber, len(retained))
	errs := make([]error, len(retained))
	var wg sync.WaitGroup
	for i, old := range retained {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fresh[i], errs[i] = m.resubscribe(ctx, old, base)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		for _, sub := range fresh {
			if sub != nil {
				m.unsubscribeQuietly(ctx, sub.EventURL, sub.SID())
			}
		}
		return ErrCancelled
	}
	bySID := make(map[string]*Subscriber, len(fresh))
	byKey := make(map[key]*Subscriber, len(fresh))
	var gone []*Subscriber
	for _, sub := range fresh {
		if sub == nil {
			continue
		}
		if m.removals[sub.UDN] != removals[sub.UDN] {
			gone = append(gone, sub)
			continue
		}
		bySID[sub.SID()] = sub
		byKey[sub.key()] = sub
	}
	for _, old := range retained {
		old.setState(StateRemoved)
	}
	m.bySID, m.byKey = bySID, byKey
	m.suspended = false
	m.mu.Unlock()

	for _, sub := range gone {
		sub.setState(StateRemoved)
		m.unsubscribeQuietly(ctx, sub.EventURL, sub.SID())
	}

	var joined []error
	for i, err := range errs {
		if err != nil {
			joined = append(joined, fmt.Errorf("resubscribe %s %s: %w", retained[i].UDN, retained[i].ServiceID, err))
		}
	}
	return errors.Join(joined...)
}

func (m *Manager) resubscribe(ctx context.Context, old *Subscriber, base string) (*Subscriber, error) {
	if base == "" {
		return nil, ErrNoCallback
	}
	sub := &Subscriber{
		UDN:       old.UDN,
		ServiceID: old.ServiceID,
		EventURL:  old.EventURL,
		service:   old.service,
		handler:   old.handler,
	}
	callbacks := []string{base + CallbackPath(sub.UDN, sub.ServiceID)}
	sub.callbacks = callbacks
	sub.state = StatePendingSubscribe

	resp, err := m.transport.Subscribe(ctx, SubscribeRequest{
		EventURL:  sub.EventURL,
		Callbacks: callbacks,
		Timeout:   m.config.Timeout,
	})
	if err != nil {
		return nil, err
	}
	sub.commit(resp.SID, resp.Timeout, m.now())
	m.traceState(sub, StateUnsubscribed, StateSubscribed, "resume")
	return sub, nil
}

// Finish unsubscribes everything best-effort, clears subscribers and
// handlers, and rejects further use.
func (m *Manager) Finish(ctx context.Context) error {
	m.mu.Lock()
	if m.finished {
		m.mu.Unlock()
		return nil
	}
	m.finished = true
	m.generation++
	all := make([]*Subscriber, 0, len(m.bySID))
	for _, sub := range m.bySID {
		all = append(all, sub)
	}
	m.bySID = make(map[string]*Subscriber)
	m.byKey = make(map[key]*Subscriber)
	m.handlers = nil
	m.mu.Unlock()

	sortSubscribers(all)
	var errs []error
	for _, sub := range all {
		sub.setState(StatePendingUnsubscribe)
		if err := m.transport.Unsubscribe(ctx, sub.EventURL, sub.SID()); err != nil {
			errs = append(errs, err)
		}
		sub.setState(StateRemoved)
	}
	return errors.Join(errs...)
}

// Notify handles an inbound NOTIFY. An unknown sid returns
// ErrUnknownSubscription and calls no handler. Otherwise the decoded
// notification, or the decoding error, goes to every global handler and
// then to the subscriber's handler.
func (m *Manager) Notify(sid, nt, nts, seq string, body io.Reader) (*Notification, error) {
	m.mu.RLock()
	sub, ok := m.bySID[sid]
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.RUnlock()

	if !ok {
		ev := log.NewErrorEvent(log.LayerEventing, "notify", ErrUnknownSubscription)
		ev.SID = sid
		m.trace.Log(ev)
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, sid)
	}

	n, err := decodeNotification(sub, nt, nts, seq, body)
	if err != nil {
		ev := log.NewErrorEvent(log.LayerEventing, "notify", err)
		ev.SID, ev.UDN = sid, sub.UDN
		m.trace.Log(ev)
	} else {
		sub.recordSeq(n.Seq)
		m.trace.Log(log.Event{
			Timestamp:  time.Now(),
			ExchangeID: log.NewExchangeID(),
			Direction:  log.DirectionIn,
			Layer:      log.LayerEventing,
			Category:   log.CategoryMessage,
			UDN:        sub.UDN,
			SID:        sid,
			Notification: &log.NotificationEvent{
				Seq:        n.Seq,
				ServiceID:  n.ServiceID,
				Properties: n.Map(),
			},
		})
	}

	for _, h := range handlers {
		h(sub, n, err)
	}
	if sub.handler != nil {
		sub.handler(sub, n, err)
	}
	return n, err
}

func decodeNotification(sub *Subscriber, nt, nts, seq string, body io.Reader) (*Notification, error) {
	if nt != EventNT || nts != PropChangeNTS {
		return nil, fmt.Errorf("%w: NT %q NTS %q", ErrMalformedNotification, nt, nts)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(seq), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: SEQ %q", ErrMalformedNotification, seq)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedNotification)
	}
	props, err := ParsePropertySet(body)
	if err != nil {
		return nil, err
	}
	return &Notification{
		SID:        sub.SID(),
		UDN:        sub.UDN,
		ServiceID:  sub.ServiceID,
		Seq:        uint32(n),
		Properties: props,
	}, nil
}

// Get returns the subscriber with sid.
func (m *Manager) Get(sid string) (*Subscriber, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.bySID[sid]
	return sub, ok
}

// Find returns the live subscriber of (udn, serviceId).
func (m *Manager) Find(udn, serviceID string) (*Subscriber, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.byKey[key{udn: udn, serviceID: serviceID}]
	return sub, ok
}

// ForDevice returns the subscribers of a device.
func (m *Manager) ForDevice(udn string) []*Subscriber {
	return m.filter(func(s *Subscriber) bool { return s.UDN == udn })
}

// ForService returns the subscribers of a service id across devices.
func (m *Manager) ForService(serviceID string) []*Subscriber {
	return m.filter(func(s *Subscriber) bool { return s.ServiceID == serviceID })
}

// All returns every subscriber sorted by UDN then service id.
func (m *Manager) All() []*Subscriber {
	return m.filter(func(*Subscriber) bool { return true })
}

// Len returns the number of subscribers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySID)
}

func (m *Manager) filter(keep func(*Subscriber) bool) []*Subscriber {
	m.mu.RLock()
	var out []*Subscriber
	for _, sub := range m.bySID {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	m.mu.RUnlock()
	sortSubscribers(out)
	return out
}

func (m *Manager) traceState(sub *Subscriber, from, to State, reason string) {
	ev := log.NewStateEvent(log.StateEntitySubscription, from.String(), to.String(), reason)
	ev.UDN, ev.SID = sub.UDN, sub.SID()
	m.trace.Log(ev)
}

func sortSubscribers(subs []*Subscriber) {
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].UDN != subs[j].UDN {
			return subs[i].UDN < subs[j].UDN
		}
		return subs[i].ServiceID < subs[j].ServiceID
	})
}
