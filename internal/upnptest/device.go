// Package upnptest provides an in-process UPnP device for tests and the
// upnp-device simulator: a dimmable light with SwitchPower and Dimming
// services, served over HTTP with description, SCPD, SOAP control and
// GENA eventing endpoints.
package upnptest

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

// DefaultSubscriptionTimeout is granted when SUBSCRIBE carries no TIMEOUT.
const DefaultSubscriptionTimeout = 1800 * time.Second

// Subscription is an event subscription held by the simulated device.
type Subscription struct {
	SID       string
	ServiceID string
	Callbacks []string
	Timeout   time.Duration
	Seq       uint32
}

// Option configures a Device.
type Option func(*Device)

// WithUDN sets the device UDN.
func WithUDN(udn string) Option {
	return func(d *Device) { d.udn = udn }
}

// WithFriendlyName sets the friendly name.
func WithFriendlyName(name string) Option {
	return func(d *Device) { d.friendlyName = name }
}

// WithURLBase makes the description carry an explicit URLBase.
func WithURLBase(base string) Option {
	return func(d *Device) { d.urlBase = base }
}

// WithFailingSCPD makes the SCPD of the given service answer 500.
func WithFailingSCPD(serviceID string) Option {
	return func(d *Device) { d.failSCPD[serviceID] = true }
}

// WithSubscriptionTimeout caps the timeout granted to subscribers.
func WithSubscriptionTimeout(timeout time.Duration) Option {
	return func(d *Device) { d.maxTimeout = timeout }
}

// Device is a simulated dimmable light.
type Device struct {
	udn          string
	friendlyName string
	urlBase      string
	failSCPD     map[string]bool
	maxTimeout   time.Duration

	mu          sync.Mutex
	state       map[string]map[string]string
	subs        map[string]*Subscription
	rejectSubs  bool
	requests    map[string]int
	descFailure int

	router *httprouter.Router
	server *httptest.Server
	client *http.Client
}

// NewDevice creates a device. Call Start or use Handler with your own
// server.
func NewDevice(opts ...Option) *Device {
	d := &Device{
		udn:          "uuid:" + uuid.New().String(),
		friendlyName: DefaultName,
		failSCPD:     make(map[string]bool),
		state:        make(map[string]map[string]string),
		subs:         make(map[string]*Subscription),
		requests:     make(map[string]int),
		client:       &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, s := range lightServices {
		vars := make(map[string]string)
		for _, v := range s.variables {
			vars[v.name] = v.initial
		}
		d.state[s.id] = vars
	}

	r := httprouter.New()
	r.GET("/description.xml", d.serveDescription)
	r.GET("/scpd/:service", d.serveSCPD)
	r.POST("/control/:service", d.serveControl)
	r.Handle("SUBSCRIBE", "/event/:service", d.serveSubscribe)
	r.Handle("UNSUBSCRIBE", "/event/:service", d.serveUnsubscribe)
	d.router = r
	return d
}

// Start serves the device on a loopback httptest server.
func (d *Device) Start() *Device {
	d.server = httptest.NewServer(d.router)
	return d
}

// Close stops the server started by Start.
func (d *Device) Close() {
	if d.server != nil {
		d.server.Close()
	}
}

// Handler returns the HTTP handler of the device.
func (d *Device) Handler() http.Handler {
	return d.router
}

// UDN returns the device UDN.
func (d *Device) UDN() string {
	return d.udn
}

// URL returns the base URL of the started server.
func (d *Device) URL() string {
	return d.server.URL
}

// Location returns the description URL of the started server.
func (d *Device) Location() string {
	return d.server.URL + "/description.xml"
}

// FailDescription makes the next n description requests answer 500.
func (d *Device) FailDescription(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.descFailure = n
}

// RejectSubscriptions makes SUBSCRIBE answer 503 while set.
func (d *Device) RejectSubscriptions(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectSubs = reject
}

// Requests returns how many requests reached the given route key, such
// as "GET /description.xml" or "SUBSCRIBE Dimming".
func (d *Device) Requests(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests[key]
}

// Subscriptions returns the live subscriptions sorted by SID.
func (d *Device) Subscriptions() []Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Subscription, 0, len(d.subs))
	for _, s := range d.subs {
		cp := *s
		cp.Callbacks = append([]string(nil), s.Callbacks...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// DropSubscriptions forgets every subscription, as a rebooted device would.
func (d *Device) DropSubscriptions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = make(map[string]*Subscription)
}

// Variable returns the current value of a state variable.
func (d *Device) Variable(serviceID, name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state[serviceID][name]
}

// SetVariable updates a state variable and, when it is evented, notifies
// subscribers of the service.
func (d *Device) SetVariable(serviceID, name, value string) error {
	spec, ok := findService(serviceID)
	if !ok {
		return fmt.Errorf("upnptest: unknown service %s", serviceID)
	}
	v, ok := spec.variable(name)
	if !ok {
		return fmt.Errorf("upnptest: unknown variable %s", name)
	}

	d.mu.Lock()
	d.state[serviceID][name] = value
	d.mu.Unlock()

	if !v.evented {
		return nil
	}
	return d.Notify(serviceID, name, value)
}

// Notify sends a property set with the given name/value pairs to every
// subscriber of the service and returns the first delivery error.
func (d *Device) Notify(serviceID string, pairs ...string) error {
	d.mu.Lock()
	var targets []Subscription
	for _, s := range d.subs {
		if s.ServiceID != serviceID {
			continue
		}
		targets = append(targets, Subscription{SID: s.SID, Callbacks: s.Callbacks, Seq: s.Seq})
		s.Seq++
	}
	d.mu.Unlock()

	body := PropertySetXML(pairs...)
	var firstErr error
	for _, t := range targets {
		if err := d.deliver(t, body); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendRaw delivers an arbitrary NOTIFY body to one callback URL with the
// given SID, for protocol error tests. It returns the response status.
func (d *Device) SendRaw(callback, sid, body string) (int, error) {
	req, err := http.NewRequest("NOTIFY", callback, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	if sid != "" {
		req.Header.Set("SID", sid)
	}
	req.Header.Set("SEQ", "0")
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

func (d *Device) deliver(s Subscription, body string) error {
	var lastErr error
	for _, cb := range s.Callbacks {
		req, err := http.NewRequest("NOTIFY", cb, strings.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
		req.Header.Set("NT", "upnp:event")
		req.Header.Set("NTS", "upnp:propchange")
		req.Header.Set("SID", s.SID)
		req.Header.Set("SEQ", strconv.FormatUint(uint64(s.Seq), 10))

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
		lastErr = fmt.Errorf("upnptest: notify %s: status %d", cb, resp.StatusCode)
	}
	return lastErr
}

func findService(serviceID string) (serviceSpec, bool) {
	for _, s := range lightServices {
		if s.id == serviceID {
			return s, true
		}
	}
	return serviceSpec{}, false
}

func findServiceByPath(path string) (serviceSpec, bool) {
	for _, s := range lightServices {
		if s.path == path {
			return s, true
		}
	}
	return serviceSpec{}, false
}

func (d *Device) count(key string) {
	d.mu.Lock()
	d.requests[key]++
	d.mu.Unlock()
}

func writeXML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (d *Device) serveDescription(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	d.count("GET /description.xml")

	d.mu.Lock()
	fail := d.descFailure > 0
	if fail {
		d.descFailure--
	}
	d.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	writeXML(w, http.StatusOK, d.descriptionXML())
}

func (d *Device) serveSCPD(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	spec, ok := findServiceByPath(ps.ByName("service"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.count("GET scpd " + spec.path)
	if d.failSCPD[spec.id] {
		http.Error(w, "broken", http.StatusInternalServerError)
		return
	}
	writeXML(w, http.StatusOK, scpdXML(spec))
}

type soapRequest struct {
	Body struct {
		Inner []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type soapArg struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type soapAction struct {
	XMLName xml.Name
	Args    []soapArg `xml:",any"`
}

func (d *Device) serveControl(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	spec, ok := findServiceByPath(ps.ByName("service"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.count("POST " + spec.path)

	var env soapRequest
	if err := xml.NewDecoder(r.Body).Decode(&env); err != nil {
		writeXML(w, http.StatusInternalServerError, soapFaultXML(402, "Invalid Args"))
		return
	}
	var call soapAction
	if err := xml.Unmarshal(bytes.TrimSpace(env.Body.Inner), &call); err != nil {
		writeXML(w, http.StatusInternalServerError, soapFaultXML(401, "Invalid Action"))
		return
	}

	action, ok := spec.action(call.XMLName.Local)
	if !ok {
		writeXML(w, http.StatusInternalServerError, soapFaultXML(401, "Invalid Action"))
		return
	}
	if sa := r.Header.Get("SOAPACTION"); !strings.Contains(sa, spec.typ+"#"+action.name) {
		writeXML(w, http.StatusInternalServerError, soapFaultXML(401, "Invalid Action"))
		return
	}

	given := make(map[string]string, len(call.Args))
	for _, a := range call.Args {
		given[a.XMLName.Local] = a.Value
	}
	for _, in := range action.in {
		if _, ok := given[in.name]; !ok {
			writeXML(w, http.StatusInternalServerError, soapFaultXML(402, "Invalid Args"))
			return
		}
	}

	var evented []string
	d.mu.Lock()
	vars := d.state[spec.id]
	for _, in := range action.in {
		vars[in.variable] = given[in.name]
		if spec.id == DimmingID && in.variable == "LoadLevelTarget" {
			vars["LoadLevelStatus"] = given[in.name]
			evented = append(evented, "LoadLevelStatus", given[in.name])
		}
		if spec.id == SwitchPowerID && in.variable == "Target" {
			vars["Status"] = given[in.name]
			evented = append(evented, "Status", given[in.name])
		}
	}
	var out strings.Builder
	for _, o := range action.out {
		fmt.Fprintf(&out, "<%s>%s</%s>", o.name, vars[o.variable], o.name)
	}
	d.mu.Unlock()

	writeXML(w, http.StatusOK, soapEnvelopeStart+
		fmt.Sprintf(`<u:%sResponse xmlns:u="%s">`, action.name, spec.typ)+
		out.String()+
		fmt.Sprintf(`</u:%sResponse>`, action.name)+
		soapEnvelopeEnd)

	if len(evented) > 0 {
		go func() { _ = d.Notify(spec.id, evented...) }()
	}
}

func parseTimeout(v string) time.Duration {
	v = strings.TrimSpace(v)
	if strings.EqualFold(v, "infinite") {
		return DefaultSubscriptionTimeout
	}
	if len(v) > 7 && strings.EqualFold(v[:7], "Second-") {
		if n, err := strconv.Atoi(v[7:]); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return DefaultSubscriptionTimeout
}

func parseCallbacks(v string) []string {
	var out []string
	for {
		start := strings.IndexByte(v, '<')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(v[start:], '>')
		if end < 0 {
			return out
		}
		out = append(out, v[start+1:start+end])
		v = v[start+end+1:]
	}
}

func (d *Device) grant(requested time.Duration) time.Duration {
	if d.maxTimeout > 0 && requested > d.maxTimeout {
		return d.maxTimeout
	}
	return requested
}

func (d *Device) serveSubscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	spec, ok := findServiceByPath(ps.ByName("service"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.count("SUBSCRIBE " + spec.path)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rejectSubs {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	timeout := d.grant(parseTimeout(r.Header.Get("TIMEOUT")))

	if sid := r.Header.Get("SID"); sid != "" {
		if r.Header.Get("CALLBACK") != "" || r.Header.Get("NT") != "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		sub, ok := d.subs[sid]
		if !ok || sub.ServiceID != spec.id {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		sub.Timeout = timeout
		writeSubscribeResponse(w, sid, timeout)
		return
	}

	if r.Header.Get("NT") != "upnp:event" {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	callbacks := parseCallbacks(r.Header.Get("CALLBACK"))
	if len(callbacks) == 0 {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	sid := "uuid:" + uuid.New().String()
	d.subs[sid] = &Subscription{
		SID:       sid,
		ServiceID: spec.id,
		Callbacks: callbacks,
		Timeout:   timeout,
	}
	writeSubscribeResponse(w, sid, timeout)
}

func writeSubscribeResponse(w http.ResponseWriter, sid string, timeout time.Duration) {
	w.Header().Set("SID", sid)
	w.Header().Set("TIMEOUT", "Second-"+strconv.Itoa(int(timeout/time.Second)))
	w.Header().Set("SERVER", "upnptest/1.0 UPnP/1.1 light/1.0")
	w.WriteHeader(http.StatusOK)
}

func (d *Device) serveUnsubscribe(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	spec, ok := findServiceByPath(ps.ByName("service"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	d.count("UNSUBSCRIBE " + spec.path)

	d.mu.Lock()
	defer d.mu.Unlock()

	sid := r.Header.Get("SID")
	if _, ok := d.subs[sid]; !ok {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	delete(d.subs, sid)
	w.WriteHeader(http.StatusOK)
}
