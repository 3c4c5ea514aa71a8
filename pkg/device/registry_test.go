package device

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
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

func newTestRegistry(clock *fakeClock) *Registry {
	cfg := DefaultRegistryConfig()
	cfg.Clock = clock.Now
	return NewRegistry(cfg)
}

func builtDevice(udn string) *Device {
	d := &Device{UDN: udn, FriendlyName: "Light " + udn, DeviceType: "urn:schemas-upnp-org:device:DimmableLight:1"}
	_ = d.AddService(&Service{ServiceID: "urn:upnp-org:serviceId:Dimming.0001"})
	return d
}

func TestUpsertCreatesPlaceholderOnce(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	assert.True(t, r.UpsertOnAnnounce("uuid:dev1", "http://10.0.0.5:80/desc.xml", 0))
	first, _ := r.Expiry("uuid:dev1")
	assert.Equal(t, clock.Now().Add(DefaultPlaceholderTimeout), first)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		assert.False(t, r.UpsertOnAnnounce("uuid:dev1", "http://10.0.0.5:80/desc.xml", 0))
	}

	assert.Equal(t, 1, r.Len())
	assert.True(t, r.IsPlaceholder("uuid:dev1"))
	later, _ := r.Expiry("uuid:dev1")
	assert.False(t, later.Before(first))

	dev, ok := r.Get("uuid:dev1")
	require.True(t, ok)
	assert.True(t, dev.IsPlaceholder())
	assert.Equal(t, "http://10.0.0.5:80/desc.xml", dev.BaseURL.String())
}

func TestRenewNeverShortensExpiry(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	r.UpsertOnAnnounce("uuid:dev1", "http://h/d.xml", 0)
	_, ok := r.Install("uuid:dev1", builtDevice("uuid:dev1"))
	require.True(t, ok)

	long, _ := r.Expiry("uuid:dev1")
	r.UpsertOnAnnounce("uuid:dev1", "http://h/d.xml", 10*time.Second)
	after, _ := r.Expiry("uuid:dev1")
	assert.Equal(t, long, after, "short max-age must not pull the deadline in")

	assert.False(t, r.Renew("uuid:unknown"))
}

func TestInstallReplacesPlaceholder(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	r.UpsertOnAnnounce("uuid:dev1", "http://h/d.xml", 300*time.Second)

	prev, ok := r.Install("uuid:dev1", builtDevice("uuid:dev1"))
	require.True(t, ok)
	assert.Nil(t, prev)

	dev, _ := r.Get("uuid:dev1")
	assert.False(t, dev.IsPlaceholder())
	assert.Equal(t, "Light uuid:dev1", dev.FriendlyName)

	expiry, _ := r.Expiry("uuid:dev1")
	assert.Equal(t, clock.Now().Add(300*time.Second), expiry)

	prev, ok = r.Install("uuid:dev1", builtDevice("uuid:dev1"))
	assert.True(t, ok)
	assert.NotNil(t, prev)
}

func TestInstallAfterRemovalIsRejected(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	r.UpsertOnAnnounce("uuid:dev1", "http://h/d.xml", 0)
	_, ok := r.Remove("uuid:dev1")
	require.True(t, ok)

	_, ok = r.Install("uuid:dev1", builtDevice("uuid:dev1"))
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestStalePlaceholderLeavesNewerEntry(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	stale := r.Announce("uuid:dev1", "http://h/d.xml", 0)
	require.NotNil(t, stale)
	assert.Nil(t, r.Announce("uuid:dev1", "http://h/d.xml", 0))

	// byebye then a fresh alive while the first build is still running.
	_, ok := r.Remove("uuid:dev1")
	require.True(t, ok)
	fresh := r.Announce("uuid:dev1", "http://h/d.xml", 0)
	require.NotNil(t, fresh)

	assert.False(t, r.RemovePlaceholder(stale))
	_, ok = r.InstallFor(stale, builtDevice("uuid:dev1"))
	assert.False(t, ok)
	assert.True(t, r.IsPlaceholder("uuid:dev1"))

	_, ok = r.InstallFor(fresh, builtDevice("uuid:dev1"))
	require.True(t, ok)
	assert.False(t, r.IsPlaceholder("uuid:dev1"))
	assert.False(t, r.RemovePlaceholder(fresh), "built device is not a placeholder entry")
	assert.Equal(t, 1, r.Len())
}

func TestRemovePlaceholder(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	placeholder := r.Announce("uuid:dev1", "http://h/d.xml", 0)
	require.NotNil(t, placeholder)

	assert.True(t, r.RemovePlaceholder(placeholder))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.RemovePlaceholder(placeholder))
}

func TestInstallDefaultTimeout(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	r.UpsertOnAnnounce("uuid:dev1", "http://h/d.xml", 0)
	r.Install("uuid:dev1", builtDevice("uuid:dev1"))

	expiry, _ := r.Expiry("uuid:dev1")
	assert.Equal(t, clock.Now().Add(DefaultDeviceTimeout), expiry)
}

func TestEmbeddedUDNsBecomeAliases(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	root := builtDevice("uuid:root")
	root.Embedded = []*Device{builtDevice("uuid:child")}

	r.UpsertOnAnnounce("uuid:child", "http://h/d.xml", 0)
	_, ok := r.Install("uuid:child", root)
	require.True(t, ok)

	assert.Equal(t, 1, r.Len())
	got, ok := r.Get("uuid:child")
	require.True(t, ok)
	assert.Equal(t, "uuid:root", got.UDN)
	assert.False(t, r.UpsertOnAnnounce("uuid:child", "http://h/d.xml", 0), "alias announcement renews the root")

	removed, ok := r.Remove("uuid:root")
	require.True(t, ok)
	assert.Equal(t, "uuid:root", removed.UDN)
	_, ok = r.Get("uuid:child")
	assert.False(t, ok)
}

func TestSweepExpired(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)

	r.UpsertOnAnnounce("uuid:a", "http://h/a.xml", 0)
	r.UpsertOnAnnounce("uuid:b", "http://h/b.xml", 0)

	clock.Advance(DefaultPlaceholderTimeout)
	assert.Empty(t, r.SweepExpired(), "deadline reached but not passed")

	r.Renew("uuid:b")
	clock.Advance(time.Second)

	removed := r.SweepExpired()
	require.Len(t, removed, 1)
	assert.Equal(t, "uuid:a", removed[0].UDN)

	_, ok := r.Get("uuid:b")
	assert.True(t, ok)
	assert.Empty(t, r.SweepExpired())
}

func TestSnapshotAndClear(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	r.UpsertOnAnnounce("uuid:c", "http://h/c.xml", 0)
	r.UpsertOnAnnounce("uuid:a", "http://h/a.xml", 0)
	r.UpsertOnAnnounce("uuid:b", "http://h/b.xml", 0)
	r.Install("uuid:b", builtDevice("uuid:b"))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "uuid:a", snap[0].UDN)
	assert.Equal(t, "uuid:c", snap[2].UDN)

	built := r.Built()
	require.Len(t, built, 1)
	assert.Equal(t, "uuid:b", built[0].UDN)

	cleared := r.Clear()
	assert.Len(t, cleared, 1)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryConcurrentAnnouncements(t *testing.T) {
	r := NewRegistry(DefaultRegistryConfig())

	var created sync.WaitGroup
	var mu sync.Mutex
	builds := 0
	for i := 0; i < 50; i++ {
		created.Add(1)
		go func() {
			defer created.Done()
			if r.UpsertOnAnnounce("uuid:dev1", "http://h/d.xml", 0) {
				mu.Lock()
				builds++
				mu.Unlock()
			}
		}()
	}
	created.Wait()

	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, r.Len())
}
