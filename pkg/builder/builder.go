package builder

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/scpd"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/errgroup"

	"github.com/mash-protocol/upnp-go/pkg/device"
	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Builder errors.
var (
	ErrInvalidLocation = errors.New("builder: invalid location")
	ErrDescription     = errors.New("builder: malformed device description")
	ErrNoUDN           = errors.New("builder: description has no UDN")
	ErrNoSCPDURL       = errors.New("builder: service has no SCPD URL")
	ErrInvalidConfig   = errors.New("builder: invalid configuration")
)

// SCPDNamespace is the default XML namespace of service descriptions.
const SCPDNamespace = "urn:schemas-upnp-org:service-1-0"

// Defaults.
const (
	DefaultMaxConcurrentSCPD = 4
	DefaultFetchTimeout      = 5 * time.Second
	MaxDocumentSize          = 1 << 20
)

// StatusError reports a non-200 answer to a document fetch.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("builder: GET %s: status %d", e.URL, e.StatusCode)
}

// SCPDHandler receives the outcome of each service description fetch.
// Exactly one of doc and err is non-nil.
type SCPDHandler func(dev *device.Device, svc *device.Service, doc *scpd.SCPD, err error)

// Config configures a Builder.
type Config struct {
	// HTTPClient fetches documents. Nil uses a client with FetchTimeout.
	HTTPClient *http.Client

	// FetchTimeout applies to the default client.
	FetchTimeout time.Duration

	// MaxConcurrentSCPD bounds parallel SCPD fetches per device.
	MaxConcurrentSCPD int

	// Logger is the optional logger for debug output.
	// If nil, logging is disabled.
	Logger *slog.Logger

	// ProtocolLogger receives a trace event per fetch.
	ProtocolLogger log.Logger
}

// DefaultConfig returns the standard builder configuration.
func DefaultConfig() Config {
	return Config{
		FetchTimeout:      DefaultFetchTimeout,
		MaxConcurrentSCPD: DefaultMaxConcurrentSCPD,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxConcurrentSCPD < 0 {
		return fmt.Errorf("%w: negative MaxConcurrentSCPD", ErrInvalidConfig)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("%w: negative FetchTimeout", ErrInvalidConfig)
	}
	return nil
}

// Builder turns a description URL into a populated device.
type Builder struct {
	client *http.Client
	limit  int
	logger *slog.Logger
	trace  log.Logger
}

// New creates a Builder.
func New(config Config) *Builder {
	client := config.HTTPClient
	if client == nil {
		timeout := config.FetchTimeout
		if timeout <= 0 {
			timeout = DefaultFetchTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := config.MaxConcurrentSCPD
	if limit <= 0 {
		limit = DefaultMaxConcurrentSCPD
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		client: client,
		limit:  limit,
		logger: logger,
		trace:  log.Or(config.ProtocolLogger),
	}
}

// Build fetches the description at location and the SCPD of every
// service. A description failure returns an error and no device. SCPD
// failures leave the service without metadata and are reported only to
// onSCPD, which is called once per service in declaration order after
// all fetches have finished.
func (b *Builder) Build(ctx context.Context, location string, onSCPD SCPDHandler) (*device.Device, error) {
	loc, err := url.Parse(location)
	if err != nil || !loc.IsAbs() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLocation, location)
	}

	root := new(goupnp.RootDevice)
	if err := b.fetchXML(ctx, log.LayerDescription, loc.String(), goupnp.DeviceXMLNamespace, root); err != nil {
		return nil, err
	}

	base := loc
	if root.URLBaseStr != "" {
		u, err := url.Parse(root.URLBaseStr)
		if err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("%w: URLBase %q", ErrDescription, root.URLBaseStr)
		}
		base = u
	}
	root.SetURLBase(base)

	dev, err := convert(&root.Device, location, base)
	if err != nil {
		return nil, err
	}

	results := b.fetchSCPDs(ctx, dev)
	for i, svc := range dev.AllServices() {
		r := results[i]
		if r.err == nil {
			svc.SCPD = r.doc
		} else {
			b.logger.Debug("scpd fetch failed", "udn", dev.UDN, "service", svc.ServiceID, "error", r.err)
		}
		if onSCPD != nil {
			onSCPD(dev, svc, r.doc, r.err)
		}
	}
	return dev, nil
}

func convert(src *goupnp.Device, location string, base *url.URL) (*device.Device, error) {
	if src.UDN == "" {
		return nil, ErrNoUDN
	}
	dev := &device.Device{
		UDN:          src.UDN,
		FriendlyName: src.FriendlyName,
		DeviceType:   src.DeviceType,
		Manufacturer: src.Manufacturer,
		ModelName:    src.ModelName,
		ModelNumber:  src.ModelNumber,
		SerialNumber: src.SerialNumber,
		Location:     location,
		BaseURL:      base,
	}
	for i := range src.Services {
		s := &src.Services[i]
		err := dev.AddService(&device.Service{
			ServiceID:   s.ServiceId,
			ServiceType: s.ServiceType,
			ControlURL:  s.ControlURL.Str,
			EventSubURL: s.EventSubURL.Str,
			SCPDURL:     s.SCPDURL.Str,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDescription, err)
		}
	}
	for i := range src.Devices {
		child, err := convert(&src.Devices[i], location, base)
		if err != nil {
			return nil, err
		}
		dev.Embedded = append(dev.Embedded, child)
	}
	return dev, nil
}

type scpdResult struct {
	doc *scpd.SCPD
	err error
}

func (b *Builder) fetchSCPDs(ctx context.Context, dev *device.Device) []scpdResult {
	services := dev.AllServices()
	results := make([]scpdResult, len(services))

	var g errgroup.Group
	g.SetLimit(b.limit)
	for i, svc := range services {
		g.Go(func() error {
			results[i].doc, results[i].err = b.fetchSCPD(ctx, svc)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (b *Builder) fetchSCPD(ctx context.Context, svc *device.Service) (*scpd.SCPD, error) {
	if svc.SCPDURL == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoSCPDURL, svc.ServiceID)
	}
	u, err := svc.SCPDLocation()
	if err != nil {
		return nil, err
	}
	doc := new(scpd.SCPD)
	if err := b.fetchXML(ctx, log.LayerDescription, u.String(), SCPDNamespace, doc); err != nil {
		return nil, err
	}
	doc.Clean()
	return doc, nil
}

func (b *Builder) fetchXML(ctx context.Context, layer log.Layer, target, defaultSpace string, doc any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidLocation, err)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.trace.Log(log.NewErrorEvent(layer, "GET "+target, err))
		return fmt.Errorf("builder: GET %s: %w", target, err)
	}
	defer resp.Body.Close()
	b.trace.Log(log.NewHTTPEvent(layer, log.DirectionIn, http.MethodGet, target, resp.StatusCode, time.Since(start)))

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, MaxDocumentSize))
		return &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	decoder := xml.NewDecoder(io.LimitReader(resp.Body, MaxDocumentSize))
	decoder.DefaultSpace = defaultSpace
	decoder.CharsetReader = charset.NewReaderLabel
	if err := decoder.Decode(doc); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDescription, target, err)
	}
	return nil
}
