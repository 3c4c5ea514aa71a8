package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/huin/goupnp/scpd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/upnp-go/internal/upnptest"
	"github.com/mash-protocol/upnp-go/pkg/action"
	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/ssdp"
	"github.com/mash-protocol/upnp-go/pkg/subscription"
)

const waitFor = 3 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	config := DefaultConfig()
	config.Discovery.ListenAddress = "127.0.0.1:0"
	config.Discovery.JoinMulticast = false
	config.Discovery.SearchAddress = "127.0.0.1:0"
	config.Discovery.SearchDestination = "127.0.0.1:1900"
	config.Callback.Address = "127.0.0.1:0"
	config.SweepInterval = time.Hour
	return config
}

func runControlPoint(t *testing.T, config Config) *ControlPoint {
	t.Helper()
	cp, err := New(config)
	require.NoError(t, err)
	require.NoError(t, cp.Run(context.Background()))
	t.Cleanup(func() { _ = cp.Finish(context.Background()) })
	return cp
}

func send(t *testing.T, cp *ControlPoint, h *ssdp.Header) {
	t.Helper()
	conn, err := net.Dial("udp4", cp.SSDPAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(h.Bytes())
	require.NoError(t, err)
}

func alive(udn, location string, maxAge int) *ssdp.Header {
	return ssdp.NewNotify(ssdp.NotifyAlive, ssdp.SearchRootDevice, udn+"::"+ssdp.SearchRootDevice, location, maxAge)
}

func byebye(udn string) *ssdp.Header {
	return ssdp.NewNotify(ssdp.NotifyByebye, ssdp.SearchRootDevice, udn+"::"+ssdp.SearchRootDevice, "", 0)
}

func update(udn, location string) *ssdp.Header {
	h := ssdp.NewNotify(ssdp.NotifyUpdate, ssdp.SearchRootDevice, udn+"::"+ssdp.SearchRootDevice, location, 0)
	h.Del("CACHE-CONTROL")
	return h
}

// headerCounter counts headers seen by the control point.
type headerCounter struct {
	mu sync.Mutex
	n  int
}

func (c *headerCounter) observe(net.Addr, *ssdp.Header) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *headerCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func watchDevices(cp *ControlPoint) (added, removed chan *device.Device) {
	added = make(chan *device.Device, 8)
	removed = make(chan *device.Device, 8)
	cp.OnDeviceAdded(func(dev *device.Device) { added <- dev })
	cp.OnDeviceRemoved(func(dev *device.Device) { removed <- dev })
	return added, removed
}

func waitDevice(t *testing.T, ch chan *device.Device) *device.Device {
	t.Helper()
	select {
	case dev := <-ch:
		return dev
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for device callback")
		return nil
	}
}

// discover announces sim and waits until it is installed.
func discover(t *testing.T, cp *ControlPoint, sim *upnptest.Device, added chan *device.Device) *device.Device {
	t.Helper()
	send(t, cp, alive(sim.UDN(), sim.Location(), 1800))
	dev := waitDevice(t, added)
	require.Equal(t, sim.UDN(), dev.UDN)
	return dev
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"zero build timeout", func(c *Config) { c.BuildTimeout = 0 }},
		{"bad discovery", func(c *Config) { c.Discovery.ReadBufferSize = 10 }},
		{"bad builder", func(c *Config) { c.Builder.MaxConcurrentSCPD = -1 }},
		{"bad subscription", func(c *Config) { c.Subscription.Timeout = 0 }},
	}

	assert.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(&config)
			err := config.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)

			_, err = New(config)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "SUSPENDED", StateSuspended.String())
	assert.Equal(t, "FINISHED", StateFinished.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	cp, err := New(testConfig())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, cp.State())

	assert.ErrorIs(t, cp.Suspend(), ErrNotRunning)
	assert.ErrorIs(t, cp.Resume(ctx), ErrNotSuspended)

	require.NoError(t, cp.Run(ctx))
	assert.Equal(t, StateRunning, cp.State())
	assert.NotEmpty(t, cp.CallbackURL())
	assert.NotNil(t, cp.SSDPAddr())
	assert.ErrorIs(t, cp.Run(ctx), ErrAlreadyStarted)
	assert.ErrorIs(t, cp.Resume(ctx), ErrNotSuspended)

	require.NoError(t, cp.Suspend())
	assert.Equal(t, StateSuspended, cp.State())
	assert.Empty(t, cp.CallbackURL())
	assert.Nil(t, cp.SSDPAddr())
	assert.ErrorIs(t, cp.Suspend(), ErrNotRunning)
	assert.ErrorIs(t, cp.Run(ctx), ErrAlreadyStarted)
	assert.ErrorIs(t, cp.Search(ssdp.SearchAll, 1), ErrNotRunning)

	require.NoError(t, cp.Resume(ctx))
	assert.Equal(t, StateRunning, cp.State())

	require.NoError(t, cp.Finish(ctx))
	assert.Equal(t, StateFinished, cp.State())
	assert.Empty(t, cp.CallbackURL())
	assert.ErrorIs(t, cp.Finish(ctx), ErrFinished)
	assert.ErrorIs(t, cp.Run(ctx), ErrFinished)
	assert.ErrorIs(t, cp.Resume(ctx), ErrFinished)
	assert.ErrorIs(t, cp.Suspend(), ErrFinished)
}

func TestFinishWithoutRun(t *testing.T) {
	cp, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, cp.Finish(context.Background()))
	assert.ErrorIs(t, cp.Run(context.Background()), ErrFinished)
}

func TestAlivePlaceholderThenBuiltDevice(t *testing.T) {
	sim := upnptest.NewDevice(upnptest.WithFriendlyName("Kitchen Light"))
	gate := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		sim.Handler().ServeHTTP(w, r)
	}))
	defer server.Close()
	location := server.URL + "/description.xml"

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)
	headers := &headerCounter{}
	cp.OnDiscovery(headers.observe)

	send(t, cp, alive(sim.UDN(), location, 1800))
	require.Eventually(t, func() bool {
		dev, ok := cp.Device(sim.UDN())
		return ok && dev.IsPlaceholder()
	}, waitFor, 10*time.Millisecond)
	assert.Empty(t, cp.Devices())

	// A repeated announcement while building is a renewal.
	send(t, cp, alive(sim.UDN(), location, 1800))
	require.Eventually(t, func() bool { return headers.count() == 2 }, waitFor, 10*time.Millisecond)

	close(gate)
	dev := waitDevice(t, added)
	assert.Equal(t, "Kitchen Light", dev.FriendlyName)
	assert.False(t, dev.IsPlaceholder())
	assert.Equal(t, 1, sim.Requests("GET /description.xml"))

	got, ok := cp.Device(sim.UDN())
	require.True(t, ok)
	assert.Same(t, dev, got)
	require.Len(t, cp.Devices(), 1)

	// Known devices are only renewed.
	send(t, cp, alive(sim.UDN(), location, 1800))
	require.Eventually(t, func() bool { return headers.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, sim.Requests("GET /description.xml"))
	select {
	case <-added:
		t.Fatal("device added twice")
	default:
	}
}

func TestSCPDObserver(t *testing.T) {
	sim := upnptest.NewDevice(upnptest.WithFailingSCPD(upnptest.DimmingID)).Start()
	defer sim.Close()

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)

	var mu sync.Mutex
	results := map[string]error{}
	cp.OnSCPD(func(_ *device.Device, svc *device.Service, _ *scpd.SCPD, err error) {
		mu.Lock()
		defer mu.Unlock()
		results[svc.ServiceID] = err
	})

	dev := discover(t, cp, sim, added)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, results, 2)
	assert.NoError(t, results[upnptest.SwitchPowerID])
	assert.Error(t, results[upnptest.DimmingID])
	assert.NotNil(t, dev.Service(upnptest.SwitchPowerID).SCPD)
	assert.Nil(t, dev.Service(upnptest.DimmingID).SCPD)
}

func TestSearchResponseBuildsDevice(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()

	responder, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer responder.Close()

	config := testConfig()
	config.Discovery.SearchDestination = responder.LocalAddr().String()
	cp := runControlPoint(t, config)
	added, _ := watchDevices(cp)

	require.NoError(t, cp.Search(ssdp.SearchRootDevice, 1))

	require.NoError(t, responder.SetReadDeadline(time.Now().Add(waitFor)))
	buf := make([]byte, 2048)
	n, from, err := responder.ReadFrom(buf)
	require.NoError(t, err)
	req, err := ssdp.Parse(buf[:n])
	require.NoError(t, err)
	assert.True(t, req.IsMsearch())
	assert.Equal(t, ssdp.SearchRootDevice, req.Get("ST"))

	resp := ssdp.NewSearchResponse(ssdp.SearchRootDevice, sim.UDN()+"::"+ssdp.SearchRootDevice, sim.Location(), 1800)
	_, err = responder.WriteTo(resp.Bytes(), from)
	require.NoError(t, err)

	dev := waitDevice(t, added)
	assert.Equal(t, sim.UDN(), dev.UDN)
}

func TestBuildFailureRetriesOnNextAnnouncement(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	sim.FailDescription(1)

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)

	send(t, cp, alive(sim.UDN(), sim.Location(), 1800))
	require.Eventually(t, func() bool {
		_, ok := cp.Device(sim.UDN())
		return !ok && sim.Requests("GET /description.xml") == 1
	}, waitFor, 10*time.Millisecond)

	discover(t, cp, sim, added)
	assert.Equal(t, 2, sim.Requests("GET /description.xml"))
}

func TestByebyeRemovesDeviceAndSubscribers(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()

	cp := runControlPoint(t, testConfig())
	added, removed := watchDevices(cp)
	discover(t, cp, sim, added)

	_, err := cp.Subscribe(context.Background(), sim.UDN(), upnptest.SwitchPowerID, nil)
	require.NoError(t, err)
	require.Len(t, cp.Subscribers(), 1)

	send(t, cp, byebye(sim.UDN()))
	dev := waitDevice(t, removed)
	assert.Equal(t, sim.UDN(), dev.UDN)

	_, ok := cp.Device(sim.UDN())
	assert.False(t, ok)
	assert.Empty(t, cp.Subscribers())
	// Departed devices are not sent UNSUBSCRIBE.
	assert.Equal(t, 0, sim.Requests("UNSUBSCRIBE SwitchPower"))
}

func TestByebyeUnknownDeviceIsIgnored(t *testing.T) {
	cp := runControlPoint(t, testConfig())
	_, removed := watchDevices(cp)
	headers := &headerCounter{}
	cp.OnDiscovery(headers.observe)

	send(t, cp, byebye("uuid:nobody"))
	require.Eventually(t, func() bool { return headers.count() == 1 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, removed)
}

func TestUpdateRenewsKnownDevicesOnly(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()

	clock := newFakeClock()
	config := testConfig()
	config.Clock = clock.Now
	cp := runControlPoint(t, config)
	added, removed := watchDevices(cp)
	headers := &headerCounter{}
	cp.OnDiscovery(headers.observe)

	send(t, cp, alive(sim.UDN(), sim.Location(), 100))
	waitDevice(t, added)

	send(t, cp, update("uuid:stranger", "http://127.0.0.1:1/description.xml"))
	require.Eventually(t, func() bool { return headers.count() == 2 }, waitFor, 10*time.Millisecond)
	_, ok := cp.Device("uuid:stranger")
	assert.False(t, ok)

	clock.Advance(90 * time.Second)
	send(t, cp, update(sim.UDN(), sim.Location()))
	require.Eventually(t, func() bool { return headers.count() == 3 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, 1, sim.Requests("GET /description.xml"))

	clock.Advance(20 * time.Second)
	cp.Sweep(context.Background())
	_, ok = cp.Device(sim.UDN())
	assert.True(t, ok, "update should have renewed the device")

	clock.Advance(81 * time.Second)
	cp.Sweep(context.Background())
	dev := waitDevice(t, removed)
	assert.Equal(t, sim.UDN(), dev.UDN)
}

func TestSweepDropsExpiredSubscribers(t *testing.T) {
	sim := upnptest.NewDevice(upnptest.WithSubscriptionTimeout(60 * time.Second)).Start()
	defer sim.Close()

	clock := newFakeClock()
	config := testConfig()
	config.Clock = clock.Now
	config.Subscription.RenewMargin = 0
	cp := runControlPoint(t, config)
	added, _ := watchDevices(cp)
	discover(t, cp, sim, added)

	sub, err := cp.Subscribe(context.Background(), sim.UDN(), upnptest.DimmingID, nil)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, sub.Timeout())

	clock.Advance(61 * time.Second)
	cp.Sweep(context.Background())
	assert.Empty(t, cp.Subscribers())
	assert.Equal(t, 0, sim.Requests("UNSUBSCRIBE Dimming"))
	_, ok := cp.Device(sim.UDN())
	assert.True(t, ok)
}

func TestSweepRenewsDueSubscribers(t *testing.T) {
	sim := upnptest.NewDevice(upnptest.WithSubscriptionTimeout(60 * time.Second)).Start()
	defer sim.Close()

	clock := newFakeClock()
	config := testConfig()
	config.Clock = clock.Now
	config.Subscription.RenewMargin = 30 * time.Second
	cp := runControlPoint(t, config)
	added, _ := watchDevices(cp)
	discover(t, cp, sim, added)

	sub, err := cp.Subscribe(context.Background(), sim.UDN(), upnptest.DimmingID, nil)
	require.NoError(t, err)
	first := sub.Expiry()

	clock.Advance(45 * time.Second)
	cp.Sweep(context.Background())
	assert.Equal(t, 2, sim.Requests("SUBSCRIBE Dimming"))
	assert.True(t, sub.Expiry().After(first))
	require.Len(t, cp.Subscribers(), 1)
	assert.Equal(t, sub.SID(), cp.Subscribers()[0].SID())
}

func TestSubscribeDeliversNotifications(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)
	discover(t, cp, sim, added)

	var mu sync.Mutex
	var order []string
	var got *subscription.Notification
	cp.OnNotification(func(_ *subscription.Subscriber, n *subscription.Notification, err error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "global")
		assert.NoError(t, err)
	})
	sub, err := cp.Subscribe(context.Background(), sim.UDN(), upnptest.SwitchPowerID,
		func(_ *subscription.Subscriber, n *subscription.Notification, err error) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, "own")
			got = n
		})
	require.NoError(t, err)
	assert.NotEmpty(t, sub.SID())

	found, ok := cp.Subscriber(sub.SID())
	require.True(t, ok)
	assert.Same(t, sub, found)

	require.NoError(t, sim.SetVariable(upnptest.SwitchPowerID, "Status", "1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"global", "own"}, order)
	require.NotNil(t, got)
	assert.Equal(t, sub.SID(), got.SID)
	assert.Equal(t, sim.UDN(), got.UDN)
	assert.Equal(t, "1", got.Map()["Status"])
}

func TestSubscribeErrors(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	ctx := context.Background()

	stopped, err := New(testConfig())
	require.NoError(t, err)
	_, err = stopped.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID, nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)

	_, err = cp.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID, nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	discover(t, cp, sim, added)
	_, err = cp.Subscribe(ctx, sim.UDN(), "urn:upnp-org:serviceId:Nope", nil)
	assert.ErrorIs(t, err, ErrUnknownService)

	sim.RejectSubscriptions(true)
	_, err = cp.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID, nil)
	var statusErr *subscription.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
	assert.Empty(t, cp.Subscribers())

	err = cp.Unsubscribe(ctx, "uuid:unknown")
	assert.ErrorIs(t, err, subscription.ErrUnknownSubscription)
}

func TestUnsubscribe(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	ctx := context.Background()

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)
	discover(t, cp, sim, added)

	a, err := cp.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID, nil)
	require.NoError(t, err)
	b, err := cp.Subscribe(ctx, sim.UDN(), upnptest.DimmingID, nil)
	require.NoError(t, err)

	require.NoError(t, cp.Unsubscribe(ctx, a.SID()))
	subs := cp.Subscribers()
	require.Len(t, subs, 1)
	assert.Equal(t, b.SID(), subs[0].SID())
	assert.Equal(t, 1, sim.Requests("UNSUBSCRIBE SwitchPower"))
	require.Len(t, sim.Subscriptions(), 1)
}

func TestInvoke(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	ctx := context.Background()

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)

	_, err := cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "GetStatus", nil)
	assert.ErrorIs(t, err, ErrUnknownDevice)

	discover(t, cp, sim, added)

	_, err = cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "SetTarget", action.Args("newTargetValue", "1"))
	require.NoError(t, err)

	res, err := cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "GetStatus", nil)
	require.NoError(t, err)
	status, ok := res.Get("ResultStatus")
	require.True(t, ok)
	assert.Equal(t, "1", status)

	_, err = cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "Explode", nil)
	assert.ErrorIs(t, err, action.ErrUnknownAction)

	done := make(chan string, 1)
	err = cp.InvokeAsync(ctx, sim.UDN(), upnptest.DimmingID, "GetLoadLevelStatus", nil, func(res *action.Result, err error) {
		if err != nil {
			done <- err.Error()
			return
		}
		v, _ := res.Get("retLoadlevelStatus")
		done <- v
	})
	require.NoError(t, err)
	select {
	case v := <-done:
		assert.Equal(t, "0", v)
	case <-time.After(waitFor):
		t.Fatal("async invoke did not complete")
	}
}

// gatedInvoker blocks every call until release is closed.
type gatedInvoker struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedInvoker) Invoke(ctx context.Context, _ *url.URL, _, _ string, _ []action.Argument) ([]action.Argument, error) {
	g.entered <- struct{}{}
	<-g.release
	return []action.Argument{{Name: "ResultStatus", Value: "1"}}, nil
}

func TestInvokeAsyncResultDroppedAfterFinish(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	ctx := context.Background()

	invoker := &gatedInvoker{entered: make(chan struct{}, 2), release: make(chan struct{})}
	config := testConfig()
	config.Invoker = invoker
	cp := runControlPoint(t, config)
	added, _ := watchDevices(cp)
	discover(t, cp, sim, added)

	fired := make(chan error, 1)
	err := cp.InvokeAsync(ctx, sim.UDN(), upnptest.SwitchPowerID, "GetStatus", nil, func(_ *action.Result, err error) {
		fired <- err
	})
	require.NoError(t, err)
	<-invoker.entered

	require.NoError(t, cp.Finish(ctx))
	close(invoker.release)

	select {
	case err := <-fired:
		t.Fatalf("completion fired after Finish: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	err = cp.InvokeAsync(ctx, sim.UDN(), upnptest.SwitchPowerID, "GetStatus", nil, func(*action.Result, error) {})
	assert.ErrorIs(t, err, ErrFinished)
}

func TestSuspendResumeRestoresSubscribers(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	ctx := context.Background()

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)
	discover(t, cp, sim, added)

	notified := make(chan string, 4)
	handler := func(_ *subscription.Subscriber, n *subscription.Notification, err error) {
		if err == nil {
			notified <- n.SID
		}
	}
	a, err := cp.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID, handler)
	require.NoError(t, err)
	b, err := cp.Subscribe(ctx, sim.UDN(), upnptest.DimmingID, handler)
	require.NoError(t, err)
	before := map[string]string{a.ServiceID: a.SID(), b.ServiceID: b.SID()}

	require.NoError(t, cp.Suspend())
	retained := cp.Subscribers()
	require.Len(t, retained, 2)
	for _, sub := range retained {
		assert.Equal(t, subscription.StateUnsubscribed, sub.State())
	}

	// The device forgets subscriptions while the callback endpoint is down.
	sim.DropSubscriptions()

	require.NoError(t, cp.Resume(ctx))
	after := cp.Subscribers()
	require.Len(t, after, 2)
	for _, sub := range after {
		assert.Equal(t, subscription.StateSubscribed, sub.State())
		assert.NotEqual(t, before[sub.ServiceID], sub.SID())
		require.Len(t, sub.CallbackURLs(), 1)
		assert.Contains(t, sub.CallbackURLs()[0], cp.CallbackURL())
	}
	assert.Len(t, sim.Subscriptions(), 2)

	fresh, ok := cp.subs.Find(sim.UDN(), upnptest.SwitchPowerID)
	require.True(t, ok)
	require.NoError(t, sim.SetVariable(upnptest.SwitchPowerID, "Status", "1"))
	select {
	case sid := <-notified:
		assert.Equal(t, fresh.SID(), sid)
	case <-time.After(waitFor):
		t.Fatal("no notification after resume")
	}
}

func TestLateBuildAfterSuspendIsDiscarded(t *testing.T) {
	sim := upnptest.NewDevice()
	gate := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-gate
		sim.Handler().ServeHTTP(w, r)
	}))
	defer server.Close()

	cp := runControlPoint(t, testConfig())
	added, _ := watchDevices(cp)

	send(t, cp, alive(sim.UDN(), server.URL+"/description.xml", 1800))
	require.Eventually(t, func() bool {
		_, ok := cp.Device(sim.UDN())
		return ok
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, cp.Suspend())
	close(gate)
	cp.builds.Wait()

	assert.Empty(t, cp.Devices())
	assert.Empty(t, added)
}

func TestFinishUnsubscribesAndClears(t *testing.T) {
	sim := upnptest.NewDevice().Start()
	defer sim.Close()
	ctx := context.Background()

	cp, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, cp.Run(ctx))
	added, removed := watchDevices(cp)
	discover(t, cp, sim, added)

	_, err = cp.Subscribe(ctx, sim.UDN(), upnptest.SwitchPowerID, nil)
	require.NoError(t, err)
	_, err = cp.Subscribe(ctx, sim.UDN(), upnptest.DimmingID, nil)
	require.NoError(t, err)

	require.NoError(t, cp.Finish(ctx))
	assert.Empty(t, sim.Subscriptions())
	assert.Empty(t, cp.Subscribers())
	assert.Empty(t, cp.Devices())
	assert.Empty(t, removed)

	_, err = cp.Invoke(ctx, sim.UDN(), upnptest.SwitchPowerID, "GetStatus", nil)
	assert.ErrorIs(t, err, ErrFinished)
	assert.ErrorIs(t, cp.Unsubscribe(ctx, "uuid:x"), ErrFinished)
}
