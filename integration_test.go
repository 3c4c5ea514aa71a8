package upnp_test

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/upnp-go/internal/upnptest"
	"github.com/mash-protocol/upnp-go/pkg/action"
	"github.com/mash-protocol/upnp-go/pkg/bridge"
	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
	"github.com/mash-protocol/upnp-go/pkg/service"
	"github.com/mash-protocol/upnp-go/pkg/ssdp"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

const waitFor = 5 * time.Second

type pointRecorder struct {
	mu     sync.Mutex
	points []*write.Point
}

func (r *pointRecorder) WritePoint(p *write.Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = append(r.points, p)
}

func (r *pointRecorder) variables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var names []string
	for _, p := range r.points {
		for _, tag := range p.TagList() {
			if tag.Key == "variable" {
				names = append(names, tag.Value)
			}
		}
	}
	return names
}

func announce(t *testing.T, cp *service.ControlPoint, h *ssdp.Header) {
	t.Helper()
	conn, err := net.Dial("udp4", cp.SSDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(h.Bytes())
	require.NoError(t, err)
}

func receive[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// TestE2E_DiscoverSubscribeInvoke drives a control point against a
// simulated light over loopback: discovery, description, eventing,
// control and departure, with a protocol trace and an event recorder.
func TestE2E_DiscoverSubscribeInvoke(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	sim := upnptest.NewDevice(upnptest.WithFriendlyName("Hall Light")).Start()
	defer sim.Close()

	tracePath := filepath.Join(t.TempDir(), "cp.ulog")
	trace, err := log.NewFileLogger(tracePath)
	require.NoError(t, err)

	config := service.DefaultConfig()
	config.Discovery.ListenAddress = "127.0.0.1:0"
	config.Discovery.JoinMulticast = false
	config.Discovery.SearchAddress = "127.0.0.1:0"
	config.Discovery.SearchDestination = "127.0.0.1:1900"
	config.Callback.Address = "127.0.0.1:0"
	config.SweepInterval = time.Hour
	config.ProtocolLogger = trace

	cp, err := service.New(config)
	require.NoError(t, err)

	added := make(chan *device.Device, 4)
	removed := make(chan *device.Device, 4)
	cp.OnDeviceAdded(func(dev *device.Device) { added <- dev })
	cp.OnDeviceRemoved(func(dev *device.Device) { removed <- dev })

	recorder := &pointRecorder{}
	bridge.NewInfluxRecorder(recorder, bridge.DefaultInfluxConfig()).Attach(cp)

	require.NoError(t, cp.Run(ctx))

	// Discovery and description.
	usn := sim.UDN() + "::" + ssdp.SearchRootDevice
	announce(t, cp, ssdp.NewNotify(ssdp.NotifyAlive, ssdp.SearchRootDevice, usn, sim.Location(), 1800))
	dev := receive(t, added, "device added")
	assert.Equal(t, "Hall Light", dev.FriendlyName)
	require.NotNil(t, dev.Service(upnptest.SwitchPowerID))
	assert.Contains(t, dev.Service(upnptest.SwitchPowerID).ActionNames(), "SetTarget")

	// Eventing.
	notes := make(chan *subscription.Notification, 4)
	sub, err := cp.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID,
		func(_ *subscription.Subscriber, n *subscription.Notification, err error) {
			if err == nil {
				notes <- n
			}
		})
	require.NoError(t, err)
	assert.Equal(t, subscription.StateSubscribed, sub.State())
	assert.NotEmpty(t, sub.SID())

	// Control, which the light answers with an event.
	_, err = cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "SetTarget", action.Args("newTargetValue", "1"))
	require.NoError(t, err)

	n := receive(t, notes, "Status notification")
	assert.Equal(t, sub.SID(), n.SID)
	assert.Equal(t, "1", n.Map()["Status"])
	assert.Eventually(t, func() bool {
		vars := recorder.variables()
		return len(vars) == 1 && vars[0] == "Status"
	}, waitFor, 10*time.Millisecond)

	res, err := cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "GetStatus", nil)
	require.NoError(t, err)
	status, ok := res.Get("ResultStatus")
	assert.True(t, ok)
	assert.Equal(t, "1", status)

	// Departure drops the device and its subscribers.
	announce(t, cp, ssdp.NewNotify(ssdp.NotifyByebye, ssdp.SearchRootDevice, usn, "", 0))
	gone := receive(t, removed, "device removed")
	assert.Equal(t, sim.UDN(), gone.UDN)
	assert.Empty(t, cp.Subscribers())
	assert.Empty(t, cp.Devices())

	require.NoError(t, cp.Finish(ctx))
	require.NoError(t, trace.Close())

	// The trace covers every layer.
	reader, err := log.NewReader(tracePath)
	require.NoError(t, err)
	defer reader.Close()

	layers := map[log.Layer]int{}
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		layers[event.Layer]++
	}
	for _, layer := range []log.Layer{log.LayerDiscovery, log.LayerDescription, log.LayerEventing, log.LayerControl, log.LayerService} {
		assert.Positive(t, layers[layer], "no %s events traced", layer)
	}
}
