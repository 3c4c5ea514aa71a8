package service

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/huin/goupnp/scpd"

	"github.com/mash-protocol/upnp-go/pkg/action"
	"github.com/mash-protocol/upnp-go/pkg/builder"
	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
	"github.com/mash-protocol/upnp-go/pkg/ssdp"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
	"github.com/mash-protocol/upnp-go/pkg/transport"
)

// ControlPoint discovers UPnP devices, keeps them in a registry,
// subscribes to their events and invokes their actions.
//
// A ControlPoint must be ended with Finish; until then it may hold
// sockets and background goroutines.
type ControlPoint struct {
	config Config
	logger *slog.Logger
	trace  log.Logger

	registry   *device.Registry
	builder    *builder.Builder
	subs       *subscription.Manager
	dispatcher *action.Dispatcher
	listener   *ssdp.Listener
	server     *transport.CallbackServer

	// lifecycle serializes Run, Suspend, Resume and Finish.
	lifecycle sync.Mutex

	mu                sync.RWMutex
	state             State
	transitions       uint64
	addedHandlers     []DeviceHandler
	removedHandlers   []DeviceHandler
	scpdHandlers      []builder.SCPDHandler
	discoveryHandlers []DiscoveryHandler

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}

	// Builds outlive Suspend; buildCancel is called by Finish only.
	buildCtx    context.Context
	buildCancel context.CancelFunc
	builds      sync.WaitGroup
}

// New creates a stopped control point.
func New(config Config) (*ControlPoint, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	cp := &ControlPoint{
		config:     config,
		logger:     logger,
		trace:      log.Or(config.ProtocolLogger),
		registry:   device.NewRegistry(config.Registry),
		builder:    builder.New(config.Builder),
		subs:       subscription.NewManager(config.Subscription),
		dispatcher: action.New(action.Config{Invoker: config.Invoker, Logger: config.Logger, ProtocolLogger: config.ProtocolLogger}),
		listener:   ssdp.NewListener(config.Discovery),
		state:      StateStopped,
	}
	cp.server = transport.NewCallbackServer(config.Callback, cp.subs)
	cp.buildCtx, cp.buildCancel = context.WithCancel(context.Background())
	return cp, nil
}

// State returns the lifecycle state.
func (c *ControlPoint) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnDeviceAdded registers a handler called when a device description has
// been built and installed.
func (c *ControlPoint) OnDeviceAdded(handler DeviceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addedHandlers = append(c.addedHandlers, handler)
}

// OnDeviceRemoved registers a handler called when an installed device
// leaves by byebye or expiry.
func (c *ControlPoint) OnDeviceRemoved(handler DeviceHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removedHandlers = append(c.removedHandlers, handler)
}

// OnSCPD registers a handler called once per service after each build.
func (c *ControlPoint) OnSCPD(handler builder.SCPDHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scpdHandlers = append(c.scpdHandlers, handler)
}

// OnDiscovery registers a handler for raw SSDP headers.
func (c *ControlPoint) OnDiscovery(handler DiscoveryHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoveryHandlers = append(c.discoveryHandlers, handler)
}

// OnNotification registers a handler for every event notification,
// called before the subscriber's own handler.
func (c *ControlPoint) OnNotification(handler subscription.Handler) {
	c.subs.AddHandler(handler)
}

// Run starts the callback server, the SSDP listener and the sweep. ctx
// bounds the sweep loop.
func (c *ControlPoint) Run(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateFinished:
		return ErrFinished
	case StateRunning, StateSuspended:
		return ErrAlreadyStarted
	}

	if err := c.start(ctx); err != nil {
		return err
	}
	c.setState(StateRunning, "run")
	return nil
}

// Suspend stops the listeners and the sweep. Subscribers are kept locally
// for Resume and are not renewed in the meantime.
func (c *ControlPoint) Suspend() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateFinished:
		return ErrFinished
	case StateStopped, StateSuspended:
		return ErrNotRunning
	}

	c.setState(StateSuspended, "suspend")
	c.subs.Suspend()
	c.stop()
	return nil
}

// Resume restarts the listeners and the sweep, then subscribes afresh
// every subscriber retained by Suspend. It blocks until every
// resubscription has been attempted; failures are logged and the failed
// subscribers dropped.
func (c *ControlPoint) Resume(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	switch c.State() {
	case StateFinished:
		return ErrFinished
	case StateStopped, StateRunning:
		return ErrNotSuspended
	}

	if err := c.start(ctx); err != nil {
		return err
	}
	c.setState(StateRunning, "resume")

	if err := c.subs.Resume(ctx); err != nil {
		c.logger.Warn("resubscribe failed", "error", err)
	}
	return nil
}

// Finish stops everything, unsubscribes every subscriber best-effort and
// clears the registry and all handlers. A finished control point cannot
// be run again.
func (c *ControlPoint) Finish(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	prev := c.State()
	if prev == StateFinished {
		return ErrFinished
	}

	c.setState(StateFinished, "finish")
	if prev == StateRunning {
		c.stop()
	}
	c.buildCancel()
	c.builds.Wait()

	if err := c.subs.Finish(ctx); err != nil {
		c.logger.Debug("unsubscribe on finish failed", "error", err)
	}
	c.registry.Clear()

	c.mu.Lock()
	c.addedHandlers = nil
	c.removedHandlers = nil
	c.scpdHandlers = nil
	c.discoveryHandlers = nil
	c.mu.Unlock()
	return nil
}

func (c *ControlPoint) start(ctx context.Context) error {
	if err := c.server.Start(); err != nil {
		return err
	}
	c.subs.SetCallbackBase(c.server.BaseURL())

	if err := c.listener.Start(c.handleHeader); err != nil {
		_ = c.server.Stop()
		return err
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.sweepCancel, c.sweepDone = cancel, done
	go c.sweepLoop(sweepCtx, done)

	c.logger.Info("control point started",
		"callback", c.server.BaseURL(),
		"ssdp", c.listener.LocalAddr().String())
	return nil
}

func (c *ControlPoint) stop() {
	c.sweepCancel()
	<-c.sweepDone
	if err := c.listener.Stop(); err != nil {
		c.logger.Debug("stop ssdp listener", "error", err)
	}
	if err := c.server.Stop(); err != nil {
		c.logger.Debug("stop callback server", "error", err)
	}
	c.logger.Info("control point stopped")
}

func (c *ControlPoint) setState(state State, reason string) {
	c.mu.Lock()
	old := c.state
	c.state = state
	c.transitions++
	c.mu.Unlock()
	c.trace.Log(log.NewStateEvent(log.StateEntityControlPoint, old.String(), state.String(), reason))
}

// CallbackURL returns the base URL NOTIFY requests are sent to, or ""
// when not running.
func (c *ControlPoint) CallbackURL() string {
	return c.server.BaseURL()
}

// SSDPAddr returns the address of the SSDP listen socket, or nil when
// not running.
func (c *ControlPoint) SSDPAddr() net.Addr {
	return c.listener.LocalAddr()
}

// Search sends an M-SEARCH for st. Responses are handled like
// alive announcements.
func (c *ControlPoint) Search(st string, mx int) error {
	if c.State() != StateRunning {
		return ErrNotRunning
	}
	return c.listener.Search(st, mx)
}

// Device returns the device known under udn. It may be a placeholder
// while its description is being fetched.
func (c *ControlPoint) Device(udn string) (*device.Device, bool) {
	return c.registry.Get(udn)
}

// Devices returns every built device, sorted by UDN.
func (c *ControlPoint) Devices() []*device.Device {
	return c.registry.Built()
}

// Subscribers returns every active subscriber.
func (c *ControlPoint) Subscribers() []*subscription.Subscriber {
	return c.subs.All()
}

// Subscriber returns the subscriber holding sid.
func (c *ControlPoint) Subscriber(sid string) (*subscription.Subscriber, bool) {
	return c.subs.Get(sid)
}

func (c *ControlPoint) service(udn, serviceID string) (*device.Service, error) {
	dev, ok := c.registry.Get(udn)
	if !ok || dev.IsPlaceholder() {
		return nil, ErrUnknownDevice
	}
	svc := dev.Service(serviceID)
	if svc == nil {
		return nil, ErrUnknownService
	}
	return svc, nil
}

// Subscribe subscribes to events of one service of a built device.
// handler receives that subscriber's notifications after the global
// handlers.
func (c *ControlPoint) Subscribe(ctx context.Context, udn, serviceID string, handler subscription.Handler) (*subscription.Subscriber, error) {
	if c.State() != StateRunning {
		return nil, ErrNotRunning
	}
	svc, err := c.service(udn, serviceID)
	if err != nil {
		return nil, err
	}
	return c.subs.Subscribe(ctx, svc, handler)
}

// Unsubscribe ends the subscription sid. The subscriber is removed
// locally even when the device does not answer.
func (c *ControlPoint) Unsubscribe(ctx context.Context, sid string) error {
	if c.State() == StateFinished {
		return ErrFinished
	}
	return c.subs.Unsubscribe(ctx, sid)
}

// Invoke calls an action on one service of a built device. There is a
// single attempt.
func (c *ControlPoint) Invoke(ctx context.Context, udn, serviceID, actionName string, args []action.Argument) (*action.Result, error) {
	if c.State() == StateFinished {
		return nil, ErrFinished
	}
	svc, err := c.service(udn, serviceID)
	if err != nil {
		return nil, err
	}
	return c.dispatcher.Invoke(ctx, svc, actionName, args)
}

// InvokeAsync validates the call and runs it in the background. done
// receives the outcome unless the control point changes state first.
func (c *ControlPoint) InvokeAsync(ctx context.Context, udn, serviceID, actionName string, args []action.Argument, done func(*action.Result, error)) error {
	if c.State() == StateFinished {
		return ErrFinished
	}
	svc, err := c.service(udn, serviceID)
	if err != nil {
		return err
	}
	if done == nil {
		return c.dispatcher.InvokeAsync(ctx, svc, actionName, args, nil)
	}
	c.mu.RLock()
	started := c.transitions
	c.mu.RUnlock()
	return c.dispatcher.InvokeAsync(ctx, svc, actionName, args, func(res *action.Result, err error) {
		c.mu.RLock()
		stale := c.transitions != started
		c.mu.RUnlock()
		if stale {
			c.logger.Debug("dropping action result after lifecycle change", "udn", udn, "action", actionName)
			return
		}
		done(res, err)
	})
}

func (c *ControlPoint) fireSCPD(dev *device.Device, svc *device.Service, doc *scpd.SCPD, err error) {
	c.mu.RLock()
	handlers := append([]builder.SCPDHandler(nil), c.scpdHandlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(dev, svc, doc, err)
	}
}

func (c *ControlPoint) fireDevice(added bool, dev *device.Device) {
	c.mu.RLock()
	handlers := c.removedHandlers
	if added {
		handlers = c.addedHandlers
	}
	handlers = append([]DeviceHandler(nil), handlers...)
	c.mu.RUnlock()
	for _, h := range handlers {
		h(dev)
	}
}
