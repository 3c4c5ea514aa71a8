package device

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/huin/goupnp/scpd"
)

// Model errors.
var (
	ErrNoDevice         = errors.New("device: service has no owning device")
	ErrNoBaseURL        = errors.New("device: no base URL")
	ErrDuplicateService = errors.New("device: duplicate service id")
)

// Device is a UPnP device as seen by the control point.
//
// A Device handed out by the Registry is never mutated afterwards; the
// builder assembles a new value which replaces the placeholder.
type Device struct {
	UDN          string
	FriendlyName string
	DeviceType   string
	Manufacturer string
	ModelName    string
	ModelNumber  string
	SerialNumber string

	// Location is the description URL the device was announced with.
	Location string

	// BaseURL resolves relative service URLs: URLBase from the
	// description when present, otherwise Location.
	BaseURL *url.URL

	// Timeout is the lifetime granted by each renewal. Zero means the
	// registry default.
	Timeout time.Duration

	Services []*Service
	Embedded []*Device

	placeholder bool
}

// NewPlaceholder returns a device known only by its UDN and location.
func NewPlaceholder(udn, location string) *Device {
	d := &Device{UDN: udn, Location: location, placeholder: true}
	if u, err := url.Parse(location); err == nil && u.IsAbs() {
		d.BaseURL = u
	}
	return d
}

// IsPlaceholder reports whether d stands in for a device whose
// description has not been fetched.
func (d *Device) IsPlaceholder() bool {
	return d.placeholder
}

// AddService attaches s to d. Service ids are unique within a device.
func (d *Device) AddService(s *Service) error {
	for _, existing := range d.Services {
		if existing.ServiceID == s.ServiceID {
			return fmt.Errorf("%w: %s", ErrDuplicateService, s.ServiceID)
		}
	}
	s.device = d
	d.Services = append(d.Services, s)
	return nil
}

// AllServices returns d's services followed by those of embedded
// devices, depth first.
func (d *Device) AllServices() []*Service {
	out := append([]*Service(nil), d.Services...)
	for _, e := range d.Embedded {
		out = append(out, e.AllServices()...)
	}
	return out
}

// AllUDNs returns d's UDN and those of embedded devices.
func (d *Device) AllUDNs() []string {
	out := []string{d.UDN}
	for _, e := range d.Embedded {
		out = append(out, e.AllUDNs()...)
	}
	return out
}

// Service finds a service by id across d and its embedded devices.
func (d *Device) Service(serviceID string) *Service {
	for _, s := range d.AllServices() {
		if s.ServiceID == serviceID {
			return s
		}
	}
	return nil
}

// ServiceByType finds the first service of the given type.
func (d *Device) ServiceByType(serviceType string) *Service {
	for _, s := range d.AllServices() {
		if s.ServiceType == serviceType {
			return s
		}
	}
	return nil
}

// ResolveURL resolves ref against the base URL.
func (d *Device) ResolveURL(ref string) (*url.URL, error) {
	if d.BaseURL == nil {
		return nil, ErrNoBaseURL
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("device: parse %q: %w", ref, err)
	}
	return d.BaseURL.ResolveReference(u), nil
}

// Service is a UPnP service. URLs are relative to the owning device's
// base URL.
type Service struct {
	ServiceID   string
	ServiceType string
	ControlURL  string
	EventSubURL string
	SCPDURL     string

	// SCPD is nil when the description could not be fetched.
	SCPD *scpd.SCPD

	device *Device
}

// Device returns the owning device.
func (s *Service) Device() *Device {
	return s.device
}

// ResolveURL resolves ref against the owning device.
func (s *Service) ResolveURL(ref string) (*url.URL, error) {
	if s.device == nil {
		return nil, ErrNoDevice
	}
	return s.device.ResolveURL(ref)
}

// ControlLocation returns the absolute control URL.
func (s *Service) ControlLocation() (*url.URL, error) {
	return s.ResolveURL(s.ControlURL)
}

// EventLocation returns the absolute event subscription URL.
func (s *Service) EventLocation() (*url.URL, error) {
	return s.ResolveURL(s.EventSubURL)
}

// SCPDLocation returns the absolute SCPD URL.
func (s *Service) SCPDLocation() (*url.URL, error) {
	return s.ResolveURL(s.SCPDURL)
}

// Action returns the named action, or nil when the SCPD is unknown or
// does not declare it.
func (s *Service) Action(name string) *scpd.Action {
	if s.SCPD == nil {
		return nil
	}
	for i := range s.SCPD.Actions {
		if s.SCPD.Actions[i].Name == name {
			return &s.SCPD.Actions[i]
		}
	}
	return nil
}

// ActionNames returns declared action names, sorted.
func (s *Service) ActionNames() []string {
	if s.SCPD == nil {
		return nil
	}
	names := make([]string, 0, len(s.SCPD.Actions))
	for _, a := range s.SCPD.Actions {
		names = append(names, a.Name)
	}
	sort.Strings(names)
	return names
}
