package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Validation errors, returned before any network attempt.
var (
	ErrNoService          = errors.New("action: no service")
	ErrNoAction           = errors.New("action: no action name")
	ErrNoServiceType      = errors.New("action: service has no type")
	ErrNoControlURL       = errors.New("action: service has no control URL")
	ErrNoDevice           = errors.New("action: service has no owning device")
	ErrInvalidControlURL  = errors.New("action: invalid control URL")
	ErrUnknownAction      = errors.New("action: action not declared by service")
	ErrInvalidArgumentSet = errors.New("action: invalid argument")
)

// Argument is one named action argument. Order is significant.
type Argument struct {
	Name  string
	Value string
}

// Args builds arguments from alternating names and values.
func Args(pairs ...string) []Argument {
	out := make([]Argument, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Argument{Name: pairs[i], Value: pairs[i+1]})
	}
	return out
}

// Result holds the output arguments in response order.
type Result struct {
	Service   *device.Service
	Action    string
	Arguments []Argument
}

// Get returns the named output argument.
func (r *Result) Get(name string) (string, bool) {
	for _, a := range r.Arguments {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Map returns the output arguments keyed by name.
func (r *Result) Map() map[string]string {
	m := make(map[string]string, len(r.Arguments))
	for _, a := range r.Arguments {
		m[a.Name] = a.Value
	}
	return m
}

// Config configures a Dispatcher.
type Config struct {
	// Invoker performs the exchange. Nil uses SOAPInvoker.
	Invoker Invoker

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives a trace event per invocation.
	ProtocolLogger log.Logger
}

// Dispatcher invokes actions on services.
type Dispatcher struct {
	invoker Invoker
	logger  *slog.Logger
	trace   log.Logger
}

// New creates a Dispatcher.
func New(config Config) *Dispatcher {
	invoker := config.Invoker
	if invoker == nil {
		invoker = SOAPInvoker{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{invoker: invoker, logger: logger, trace: log.Or(config.ProtocolLogger)}
}

// Validate checks that action can be invoked on svc and returns the
// absolute control URL.
func Validate(svc *device.Service, action string, args []Argument) (*url.URL, error) {
	if svc == nil {
		return nil, ErrNoService
	}
	if action == "" {
		return nil, ErrNoAction
	}
	if svc.ServiceType == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoServiceType, svc.ServiceID)
	}
	if svc.ControlURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoControlURL, svc.ServiceID)
	}
	if svc.Device() == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, svc.ServiceID)
	}
	u, err := svc.ControlLocation()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidControlURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidControlURL, u)
	}
	if svc.SCPD != nil && svc.Action(action) == nil {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownAction, action, svc.ServiceID)
	}
	for _, a := range args {
		if a.Name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidArgumentSet)
		}
	}
	return u, nil
}

// Invoke validates and performs one invocation.
func (d *Dispatcher) Invoke(ctx context.Context, svc *device.Service, action string, args []Argument) (*Result, error) {
	u, err := Validate(svc, action, args)
	if err != nil {
		return nil, err
	}
	return d.invoke(ctx, svc, u, action, args)
}

// InvokeAsync validates synchronously and then invokes in the background,
// calling done with the outcome.
func (d *Dispatcher) InvokeAsync(ctx context.Context, svc *device.Service, action string, args []Argument, done func(*Result, error)) error {
	u, err := Validate(svc, action, args)
	if err != nil {
		return err
	}
	go func() {
		res, err := d.invoke(ctx, svc, u, action, args)
		if done != nil {
			done(res, err)
		}
	}()
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, svc *device.Service, u *url.URL, action string, args []Argument) (*Result, error) {
	start := time.Now()
	out, err := d.invoker.Invoke(ctx, u, svc.ServiceType, action, args)
	elapsed := time.Since(start)

	udn := svc.Device().UDN
	if err != nil {
		ev := log.NewErrorEvent(log.LayerControl, action+" "+u.String(), err)
		ev.UDN = udn
		d.trace.Log(ev)
		d.logger.Debug("action failed", "udn", udn, "service", svc.ServiceID, "action", action, "error", err)
		return nil, err
	}

	ev := log.NewHTTPEvent(log.LayerControl, log.DirectionOut, "POST", u.String(), 200, elapsed)
	ev.UDN = udn
	ev.HTTP.Action = action
	d.trace.Log(ev)
	return &Result{Service: svc, Action: action, Arguments: out}, nil
}
