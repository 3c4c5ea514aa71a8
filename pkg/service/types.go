package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/action"
	"github.com/mash-protocol/upnp-go/pkg/builder"
	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
	"github.com/mash-protocol/upnp-go/pkg/ssdp"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
	"github.com/mash-protocol/upnp-go/pkg/transport"
)

// Control point errors.
var (
	ErrAlreadyStarted = errors.New("service: control point already started")
	ErrNotRunning     = errors.New("service: control point not running")
	ErrNotSuspended   = errors.New("service: control point not suspended")
	ErrFinished       = errors.New("service: control point finished")
	ErrUnknownDevice  = errors.New("service: unknown device")
	ErrUnknownService = errors.New("service: unknown service")
	ErrInvalidConfig  = errors.New("service: invalid configuration")
)

// Orchestrator defaults.
const (
	DefaultSweepInterval = 10 * time.Second
	DefaultBuildTimeout  = 10 * time.Second
)

// State is the lifecycle state of a ControlPoint.
type State uint8

const (
	// StateStopped - created, never run.
	StateStopped State = iota

	// StateRunning - listeners and the sweep are active.
	StateRunning

	// StateSuspended - listeners are down; subscribers are retained.
	StateSuspended

	// StateFinished - terminal.
	StateFinished
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// DeviceHandler observes device additions and removals.
type DeviceHandler func(dev *device.Device)

// DiscoveryHandler observes every SSDP header the control point receives.
type DiscoveryHandler func(from net.Addr, h *ssdp.Header)

// Config configures a ControlPoint.
type Config struct {
	// Discovery configures the SSDP listener.
	Discovery ssdp.Config

	// Registry configures device expiry.
	Registry device.RegistryConfig

	// Builder configures description fetching.
	Builder builder.Config

	// Subscription configures eventing.
	Subscription subscription.Config

	// Callback configures the NOTIFY endpoint.
	Callback transport.Config

	// Invoker performs action calls. Nil uses SOAP.
	Invoker action.Invoker

	// SweepInterval is the period of the expiry and renewal sweep.
	SweepInterval time.Duration

	// BuildTimeout bounds fetching one device description and its SCPDs.
	BuildTimeout time.Duration

	// Clock returns the current time for the registry and the
	// subscription manager, unless they set their own. Nil means time.Now.
	Clock func() time.Time

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled. Component configs without a logger
	// inherit it.
	Logger *slog.Logger

	// ProtocolLogger receives trace events from every component whose
	// config does not set its own.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the standard control point configuration.
func DefaultConfig() Config {
	return Config{
		Discovery:     ssdp.DefaultConfig(),
		Registry:      device.DefaultRegistryConfig(),
		Builder:       builder.DefaultConfig(),
		Subscription:  subscription.DefaultConfig(),
		Callback:      transport.DefaultConfig(),
		SweepInterval: DefaultSweepInterval,
		BuildTimeout:  DefaultBuildTimeout,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrInvalidConfig)
	}
	if c.BuildTimeout <= 0 {
		return fmt.Errorf("%w: build timeout must be positive", ErrInvalidConfig)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Builder.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Subscription.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// withDefaults pushes the shared clock and loggers into the component
// configs that leave them unset.
func (c Config) withDefaults() Config {
	if c.Registry.Clock == nil {
		c.Registry.Clock = c.Clock
	}
	if c.Subscription.Clock == nil {
		c.Subscription.Clock = c.Clock
	}
	if c.Discovery.Logger == nil {
		c.Discovery.Logger = c.Logger
	}
	if c.Builder.Logger == nil {
		c.Builder.Logger = c.Logger
	}
	if c.Subscription.Logger == nil {
		c.Subscription.Logger = c.Logger
	}
	if c.Callback.Logger == nil {
		c.Callback.Logger = c.Logger
	}
	if c.Discovery.ProtocolLogger == nil {
		c.Discovery.ProtocolLogger = c.ProtocolLogger
	}
	if c.Builder.ProtocolLogger == nil {
		c.Builder.ProtocolLogger = c.ProtocolLogger
	}
	if c.Subscription.ProtocolLogger == nil {
		c.Subscription.ProtocolLogger = c.ProtocolLogger
	}
	if c.Callback.ProtocolLogger == nil {
		c.Callback.ProtocolLogger = c.ProtocolLogger
	}
	return c
}
