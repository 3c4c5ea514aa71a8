package device

import (
	"sort"
	"sync"
	"time"
)

// Registry defaults.
const (
	DefaultPlaceholderTimeout = 15 * time.Second
	DefaultDeviceTimeout      = 1800 * time.Second
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// PlaceholderTimeout is the lifetime of a device whose description
	// has not been fetched yet.
	PlaceholderTimeout time.Duration

	// DeviceTimeout is the lifetime granted to a built device when the
	// announcement carried no max-age.
	DeviceTimeout time.Duration

	// Clock returns the current time. Nil means time.Now.
	Clock func() time.Time
}

// DefaultRegistryConfig returns the standard timeouts.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		PlaceholderTimeout: DefaultPlaceholderTimeout,
		DeviceTimeout:      DefaultDeviceTimeout,
	}
}

type entry struct {
	device    *Device
	expiry    time.Time
	timeout   time.Duration
	announced time.Duration
}

// Registry holds known devices keyed by UDN with an expiry deadline.
// Every operation is atomic with respect to the others.
//
// Embedded devices announce their own UUIDs; once the root is built
// those UUIDs become aliases of the root entry.
type Registry struct {
	mu      sync.RWMutex
	config  RegistryConfig
	now     func() time.Time
	devices map[string]*entry
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.PlaceholderTimeout <= 0 {
		config.PlaceholderTimeout = DefaultPlaceholderTimeout
	}
	if config.DeviceTimeout <= 0 {
		config.DeviceTimeout = DefaultDeviceTimeout
	}
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	return &Registry{
		config:  config,
		now:     now,
		devices: make(map[string]*entry),
		aliases: make(map[string]string),
	}
}

func (r *Registry) lookup(uuid string) (string, *entry) {
	if root, ok := r.aliases[uuid]; ok {
		uuid = root
	}
	return uuid, r.devices[uuid]
}

func (e *entry) renew(now time.Time, timeout time.Duration) {
	if timeout <= 0 {
		timeout = e.timeout
	}
	if next := now.Add(timeout); next.After(e.expiry) {
		e.expiry = next
	}
}

// UpsertOnAnnounce handles alive and search-response announcements.
// An unknown uuid gets a placeholder and UpsertOnAnnounce returns true;
// the caller then builds the device. A known uuid is renewed and false
// is returned. maxAge is the announced lifetime, zero if absent.
func (r *Registry) UpsertOnAnnounce(uuid, location string, maxAge time.Duration) bool {
	return r.Announce(uuid, location, maxAge) != nil
}

// Announce is UpsertOnAnnounce returning the new placeholder, or nil
// when uuid was already known. The placeholder identifies the build
// started for it in InstallFor and RemovePlaceholder.
func (r *Registry) Announce(uuid, location string, maxAge time.Duration) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if _, e := r.lookup(uuid); e != nil {
		if maxAge > 0 {
			e.announced = maxAge
		}
		if e.device.IsPlaceholder() {
			e.renew(now, 0)
		} else {
			e.renew(now, maxAge)
		}
		return nil
	}

	placeholder := NewPlaceholder(uuid, location)
	r.devices[uuid] = &entry{
		device:    placeholder,
		expiry:    now.Add(r.config.PlaceholderTimeout),
		timeout:   r.config.PlaceholderTimeout,
		announced: maxAge,
	}
	return placeholder
}

// Renew extends a known device's expiry. It reports whether the device
// was known.
func (r *Registry) Renew(uuid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, e := r.lookup(uuid)
	if e == nil {
		return false
	}
	e.renew(r.now(), 0)
	return true
}

// Install replaces the placeholder registered under key with dev. It
// fails when the placeholder is gone (removed or swept while building).
// prev is the previously built device for dev.UDN, if any.
func (r *Registry) Install(key string, dev *Device) (prev *Device, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, pending := r.lookup(key)
	if pending == nil {
		return nil, false
	}
	return r.installLocked(key, pending, dev), true
}

// InstallFor is Install that succeeds only while placeholder, as
// returned by Announce, is still the registered entry.
func (r *Registry) InstallFor(placeholder, dev *Device) (prev *Device, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, pending := r.lookup(placeholder.UDN)
	if pending == nil || pending.device != placeholder {
		return nil, false
	}
	return r.installLocked(key, pending, dev), true
}

func (r *Registry) installLocked(key string, pending *entry, dev *Device) (prev *Device) {
	timeout := pending.announced
	if timeout <= 0 {
		timeout = dev.Timeout
	}
	if timeout <= 0 {
		timeout = r.config.DeviceTimeout
	}

	if key != dev.UDN {
		delete(r.devices, key)
	}
	if existing, found := r.devices[dev.UDN]; found && !existing.device.IsPlaceholder() {
		prev = existing.device
	}

	r.devices[dev.UDN] = &entry{
		device:    dev,
		expiry:    r.now().Add(timeout),
		timeout:   timeout,
		announced: pending.announced,
	}
	for _, udn := range dev.AllUDNs() {
		if udn == dev.UDN {
			continue
		}
		r.aliases[udn] = dev.UDN
		delete(r.devices, udn)
	}
	if key != dev.UDN {
		r.aliases[key] = dev.UDN
	}
	return prev
}

// RemovePlaceholder deletes the entry of placeholder.UDN only while
// placeholder is still that entry. A newer placeholder or a built device is left alone.
func (r *Registry) RemovePlaceholder(placeholder *Device) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, e := r.lookup(placeholder.UDN)
	if e == nil || e.device != placeholder {
		return false
	}
	r.removeLocked(key)
	return true
}

// Remove deletes a device (or the root it is an alias of).
func (r *Registry) Remove(uuid string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, e := r.lookup(uuid)
	if e == nil {
		return nil, false
	}
	r.removeLocked(key)
	return e.device, true
}

func (r *Registry) removeLocked(key string) {
	delete(r.devices, key)
	for alias, root := range r.aliases {
		if root == key {
			delete(r.aliases, alias)
		}
	}
}

// SweepExpired removes and returns every device whose expiry has passed.
func (r *Registry) SweepExpired() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var removed []*Device
	for key, e := range r.devices {
		if now.After(e.expiry) {
			removed = append(removed, e.device)
			r.removeLocked(key)
		}
	}
	sortDevices(removed)
	return removed
}

// Get returns the device registered for uuid, placeholder or built.
func (r *Registry) Get(uuid string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, e := r.lookup(uuid)
	if e == nil {
		return nil, false
	}
	return e.device, true
}

// IsPlaceholder reports whether uuid is registered but not yet built.
func (r *Registry) IsPlaceholder(uuid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, e := r.lookup(uuid)
	return e != nil && e.device.IsPlaceholder()
}

// Expiry returns the deadline of a registered device.
func (r *Registry) Expiry(uuid string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, e := r.lookup(uuid)
	if e == nil {
		return time.Time{}, false
	}
	return e.expiry, true
}

// Snapshot returns every registered device sorted by UDN.
func (r *Registry) Snapshot() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Device, 0, len(r.devices))
	for _, e := range r.devices {
		out = append(out, e.device)
	}
	sortDevices(out)
	return out
}

// Built returns only devices whose description has been fetched.
func (r *Registry) Built() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Device
	for _, e := range r.devices {
		if !e.device.IsPlaceholder() {
			out = append(out, e.device)
		}
	}
	sortDevices(out)
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Clear removes everything and returns the built devices that were held.
func (r *Registry) Clear() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Device
	for _, e := range r.devices {
		if !e.device.IsPlaceholder() {
			out = append(out, e.device)
		}
	}
	r.devices = make(map[string]*entry)
	r.aliases = make(map[string]string)
	sortDevices(out)
	return out
}

func sortDevices(devs []*Device) {
	sort.Slice(devs, func(i, j int) bool { return devs[i].UDN < devs[j].UDN })
}
