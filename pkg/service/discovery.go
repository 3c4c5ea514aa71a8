package service

import (
	"context"
	"net"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
	"github.com/mash-protocol/upnp-go/pkg/ssdp"
)

// handleHeader interprets one SSDP header. Headers arriving while the
// control point is not running are ignored.
func (c *ControlPoint) handleHeader(from net.Addr, h *ssdp.Header) {
	c.mu.RLock()
	running := c.state == StateRunning
	observers := append([]DiscoveryHandler(nil), c.discoveryHandlers...)
	c.mu.RUnlock()
	if !running {
		return
	}
	for _, fn := range observers {
		fn(from, h)
	}

	usn, ok := h.USN()
	if !ok || usn.UUID == "" {
		return
	}

	switch {
	case h.IsHTTPResponse():
		c.announce(usn.UUID, h)
	case h.IsNotify():
		switch h.NTS() {
		case ssdp.NotifyAlive:
			c.announce(usn.UUID, h)
		case ssdp.NotifyByebye:
			c.depart(usn.UUID)
		case ssdp.NotifyUpdate:
			// Known devices are renewed; the description is not fetched again.
			c.registry.Renew(usn.UUID)
		}
	}
}

func (c *ControlPoint) announce(uuid string, h *ssdp.Header) {
	location := h.Location()
	if location == "" {
		c.registry.Renew(uuid)
		return
	}
	maxAge, _ := h.MaxAge()
	placeholder := c.registry.Announce(uuid, location, maxAge)
	if placeholder == nil {
		return
	}
	c.trace.Log(deviceEvent(uuid, "", "PLACEHOLDER", "announced"))
	c.logger.Debug("device announced", "uuid", uuid, "location", location)
	c.startBuild(placeholder)
}

func (c *ControlPoint) startBuild(placeholder *device.Device) {
	uuid, location := placeholder.UDN, placeholder.Location
	c.builds.Add(1)
	go func() {
		defer c.builds.Done()

		ctx, cancel := context.WithTimeout(c.buildCtx, c.config.BuildTimeout)
		defer cancel()

		dev, err := c.builder.Build(ctx, location, c.fireSCPD)
		if err != nil {
			c.logger.Warn("device build failed", "uuid", uuid, "location", location, "error", err)
			// The next announcement retries.
			c.registry.RemovePlaceholder(placeholder)
			return
		}
		c.install(placeholder, dev)
	}()
}

func (c *ControlPoint) install(placeholder, dev *device.Device) {
	c.mu.RLock()
	if c.state != StateRunning {
		c.mu.RUnlock()
		c.logger.Debug("discarding late build", "udn", dev.UDN)
		return
	}
	prev, ok := c.registry.InstallFor(placeholder, dev)
	c.mu.RUnlock()

	if !ok {
		c.logger.Debug("placeholder gone before install", "udn", dev.UDN)
		return
	}
	c.trace.Log(deviceEvent(dev.UDN, "PLACEHOLDER", "BUILT", "installed"))
	c.logger.Info("device added", "udn", dev.UDN, "name", dev.FriendlyName, "services", len(dev.AllServices()))
	if prev == nil {
		c.fireDevice(true, dev)
	}
}

func (c *ControlPoint) depart(uuid string) {
	dev, ok := c.registry.Remove(uuid)
	if !ok {
		return
	}
	c.drop(dev, "byebye")
}

// drop tears down what depends on a removed device.
func (c *ControlPoint) drop(dev *device.Device, reason string) {
	subs := c.subs.RemoveForDevice(dev.AllUDNs()...)
	c.trace.Log(deviceEvent(dev.UDN, "KNOWN", "REMOVED", reason))
	if dev.IsPlaceholder() {
		return
	}
	c.logger.Info("device removed", "udn", dev.UDN, "reason", reason, "subscribers", len(subs))
	c.fireDevice(false, dev)
}

func (c *ControlPoint) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep removes expired devices and subscribers and renews subscribers
// close to expiry. It runs periodically while the control point is
// running.
func (c *ControlPoint) Sweep(ctx context.Context) {
	for _, dev := range c.registry.SweepExpired() {
		c.drop(dev, "expired")
	}
	c.subs.Sweep()
	if err := c.subs.RenewDue(ctx); err != nil {
		c.logger.Warn("renewal failed", "error", err)
	}
}

func deviceEvent(udn, from, to, reason string) log.Event {
	ev := log.NewStateEvent(log.StateEntityDevice, from, to, reason)
	ev.UDN = udn
	return ev
}
