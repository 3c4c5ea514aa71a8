// Package interactive provides the interactive command-line interface
// for upnp-controller.
package interactive

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/mash-protocol/upnp-go/pkg/action"
	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/service"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

// ControlPoint is the part of service.ControlPoint the shell drives.
type ControlPoint interface {
	State() service.State
	Devices() []*device.Device
	Device(udn string) (*device.Device, bool)
	Search(st string, mx int) error
	Subscribe(ctx context.Context, udn, serviceID string, handler subscription.Handler) (*subscription.Subscriber, error)
	Unsubscribe(ctx context.Context, sid string) error
	Subscribers() []*subscription.Subscriber
	Invoke(ctx context.Context, udn, serviceID, actionName string, args []action.Argument) (*action.Result, error)
	Suspend() error
	Resume(ctx context.Context) error
}

var _ ControlPoint = (*service.ControlPoint)(nil)

// CallTimeout bounds each network operation started from the shell.
const CallTimeout = 10 * time.Second

// Commands executes shell command lines against a control point.
type Commands struct {
	cp  ControlPoint
	out io.Writer
}

// NewCommands creates a command executor writing to out.
func NewCommands(cp ControlPoint, out io.Writer) *Commands {
	return &Commands{cp: cp, out: out}
}

// Execute runs one command line. It returns false when the line asks
// the shell to exit.
func (c *Commands) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "devices", "ls":
		c.cmdDevices()
	case "device", "d":
		c.cmdDevice(args)
	case "search":
		c.cmdSearch(args)
	case "subscribe", "sub":
		c.cmdSubscribe(ctx, args)
	case "unsubscribe", "unsub":
		c.cmdUnsubscribe(ctx, args)
	case "subs":
		c.cmdSubs()
	case "invoke", "call":
		c.cmdInvoke(ctx, args)
	case "suspend":
		c.report(c.cp.Suspend(), "suspended")
	case "resume":
		c.report(c.cp.Resume(ctx), "resumed")
	case "status":
		fmt.Fprintf(c.out, "State: %s, %d devices, %d subscriptions\n",
			c.cp.State(), len(c.cp.Devices()), len(c.cp.Subscribers()))
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Exiting...")
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (c *Commands) printHelp() {
	fmt.Fprintln(c.out, `
UPnP Control Point Commands:
  Discovery:
    devices                 - List built devices
    device <udn>            - Show device services and actions
    search [st] [mx]        - Send an M-SEARCH (default ssdp:all, mx 3)

  Eventing:
    subscribe <udn> <svc>   - Subscribe to a service (svc: serviceId or its last segment)
    unsubscribe <sid>       - Cancel a subscription
    subs                    - List subscriptions

  Control:
    invoke <udn> <svc> <action> [name=value ...] - Invoke an action

  Lifecycle:
    suspend                 - Suspend discovery and eventing
    resume                  - Resume and resubscribe
    status                  - Show control point status

  General:
    help                    - Show this help
    quit                    - Exit`)
}

func (c *Commands) report(err error, done string) {
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, done)
}

func (c *Commands) cmdDevices() {
	devices := c.cp.Devices()
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices")
		return
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].UDN < devices[j].UDN })
	for _, dev := range devices {
		fmt.Fprintf(c.out, "  %s  %-24s %s\n", dev.UDN, dev.FriendlyName, dev.DeviceType)
	}
}

func (c *Commands) cmdDevice(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: device <udn>")
		return
	}
	dev, ok := c.cp.Device(args[0])
	if !ok {
		fmt.Fprintf(c.out, "Unknown device: %s\n", args[0])
		return
	}
	if dev.IsPlaceholder() {
		fmt.Fprintf(c.out, "%s: description pending (%s)\n", dev.UDN, dev.Location)
		return
	}
	c.printDevice(dev, "")
}

func (c *Commands) printDevice(dev *device.Device, indent string) {
	fmt.Fprintf(c.out, "%s%s\n", indent, dev.UDN)
	fmt.Fprintf(c.out, "%s  Name:  %s\n", indent, dev.FriendlyName)
	fmt.Fprintf(c.out, "%s  Type:  %s\n", indent, dev.DeviceType)
	if dev.Manufacturer != "" || dev.ModelName != "" {
		fmt.Fprintf(c.out, "%s  Model: %s %s\n", indent, dev.Manufacturer, dev.ModelName)
	}
	for _, svc := range dev.Services {
		evented := ""
		if svc.EventSubURL != "" {
			evented = " (evented)"
		}
		fmt.Fprintf(c.out, "%s  Service %s%s\n", indent, svc.ServiceID, evented)
		if svc.SCPD == nil {
			fmt.Fprintf(c.out, "%s    actions unknown\n", indent)
			continue
		}
		for _, name := range svc.ActionNames() {
			fmt.Fprintf(c.out, "%s    %s\n", indent, name)
		}
	}
	for _, child := range dev.Embedded {
		c.printDevice(child, indent+"  ")
	}
}

func (c *Commands) cmdSearch(args []string) {
	st, mx := "ssdp:all", 3
	if len(args) > 0 {
		st = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(c.out, "Invalid mx: %s\n", args[1])
			return
		}
		mx = n
	}
	c.report(c.cp.Search(st, mx), "search sent for "+st)
}

// resolveService accepts a full serviceId or the segment after
// "serviceId:" and returns the serviceId of a service of dev.
func resolveService(dev *device.Device, ref string) (string, bool) {
	for _, svc := range dev.AllServices() {
		if svc.ServiceID == ref {
			return svc.ServiceID, true
		}
	}
	for _, svc := range dev.AllServices() {
		if i := strings.LastIndex(svc.ServiceID, ":"); i >= 0 && svc.ServiceID[i+1:] == ref {
			return svc.ServiceID, true
		}
	}
	return "", false
}

func (c *Commands) lookup(udn, ref string) (string, bool) {
	dev, ok := c.cp.Device(udn)
	if !ok || dev.IsPlaceholder() {
		fmt.Fprintf(c.out, "Unknown device: %s\n", udn)
		return "", false
	}
	serviceID, ok := resolveService(dev, ref)
	if !ok {
		fmt.Fprintf(c.out, "Unknown service: %s\n", ref)
	}
	return serviceID, ok
}

func (c *Commands) cmdSubscribe(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: subscribe <udn> <service>")
		return
	}
	serviceID, ok := c.lookup(args[0], args[1])
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	sub, err := c.cp.Subscribe(ctx, args[0], serviceID, c.printNotification)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "Subscribed %s (timeout %s)\n", sub.SID(), sub.Timeout())
}

func (c *Commands) printNotification(sub *subscription.Subscriber, n *subscription.Notification, err error) {
	if err != nil {
		fmt.Fprintf(c.out, "[%s] bad notification: %v\n", sub.ServiceID, err)
		return
	}
	pairs := make([]string, 0, len(n.Properties))
	for _, p := range n.Properties {
		pairs = append(pairs, p.Name+"="+p.Value)
	}
	fmt.Fprintf(c.out, "[%s seq %d] %s\n", n.ServiceID, n.Seq, strings.Join(pairs, " "))
}

func (c *Commands) cmdUnsubscribe(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: unsubscribe <sid>")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	c.report(c.cp.Unsubscribe(ctx, args[0]), "unsubscribed "+args[0])
}

func (c *Commands) cmdSubs() {
	subs := c.cp.Subscribers()
	if len(subs) == 0 {
		fmt.Fprintln(c.out, "No subscriptions")
		return
	}
	for _, sub := range subs {
		sid := sub.SID()
		if sid == "" {
			sid = "-"
		}
		fmt.Fprintf(c.out, "  %s  %s %s  %s\n", sid, sub.UDN, sub.ServiceID, sub.State())
	}
}

func (c *Commands) cmdInvoke(ctx context.Context, args []string) {
	if len(args) < 3 {
		fmt.Fprintln(c.out, "Usage: invoke <udn> <service> <action> [name=value ...]")
		return
	}
	serviceID, ok := c.lookup(args[0], args[1])
	if !ok {
		return
	}

	in := make([]action.Argument, 0, len(args)-3)
	for _, kv := range args[3:] {
		name, value, found := strings.Cut(kv, "=")
		if !found {
			fmt.Fprintf(c.out, "Invalid argument %q (want name=value)\n", kv)
			return
		}
		in = append(in, action.Argument{Name: name, Value: value})
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()
	result, err := c.cp.Invoke(ctx, args[0], serviceID, args[2], in)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(result.Arguments) == 0 {
		fmt.Fprintln(c.out, "OK")
		return
	}
	for _, a := range result.Arguments {
		fmt.Fprintf(c.out, "  %s = %s\n", a.Name, a.Value)
	}
}

// Shell runs Commands on a readline prompt.
type Shell struct {
	cmds *Commands
	rl   *readline.Instance
}

// New creates an interactive shell for cp.
func New(cp ControlPoint) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "upnp> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{cmds: NewCommands(cp, rl.Stdout()), rl: rl}, nil
}

// Stdout returns a writer that properly coordinates with the readline input.
// Use this for log output to avoid interfering with the command prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.cmds.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		if !s.cmds.Execute(ctx, line) {
			cancel()
			return
		}
	}
}
