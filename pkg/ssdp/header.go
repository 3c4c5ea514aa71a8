package ssdp

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Discovery constants.
const (
	MulticastAddress = "239.255.255.250"
	Port             = 1900
)

// MulticastHostPort is the SSDP group address in host:port form.
var MulticastHostPort = MulticastAddress + ":" + strconv.Itoa(Port)

// ErrMalformedHeader is returned by Parse for datagrams that are not SSDP.
var ErrMalformedHeader = errors.New("ssdp: malformed header")

// NotificationType is the NTS of a NOTIFY message.
type NotificationType uint8

const (
	// NotifyUnknown is any NTS that is absent or not recognized.
	NotifyUnknown NotificationType = iota
	// NotifyAlive announces a device or service.
	NotifyAlive
	// NotifyByebye announces departure.
	NotifyByebye
	// NotifyUpdate announces a changed boot or config id.
	NotifyUpdate
)

// ParseNotificationType maps an NTS value to its type.
func ParseNotificationType(s string) NotificationType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ssdp:alive":
		return NotifyAlive
	case "ssdp:byebye":
		return NotifyByebye
	case "ssdp:update":
		return NotifyUpdate
	default:
		return NotifyUnknown
	}
}

// String returns the wire form of the type.
func (n NotificationType) String() string {
	switch n {
	case NotifyAlive:
		return "ssdp:alive"
	case NotifyByebye:
		return "ssdp:byebye"
	case NotifyUpdate:
		return "ssdp:update"
	default:
		return "unknown"
	}
}

type field struct {
	name  string
	value string
}

// Header is an SSDP header block: a start line followed by fields.
// The zero value is an empty header with no start line.
type Header struct {
	FirstLine string
	fields    []field
}

// NewHeader returns a header with the given start line.
func NewHeader(firstLine string) *Header {
	return &Header{FirstLine: firstLine}
}

// Parse parses a datagram. Both CRLF and bare LF line endings are
// accepted. Parsing stops at the first empty line.
func Parse(data []byte) (*Header, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")

	first := strings.TrimSpace(lines[0])
	if len(strings.Fields(first)) < 3 {
		return nil, ErrMalformedHeader
	}

	h := NewHeader(first)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, ErrMalformedHeader
		}
		h.fields = append(h.fields, field{name: name, value: strings.TrimSpace(value)})
	}
	return h, nil
}

func (h *Header) index(name string) int {
	for i, f := range h.fields {
		if strings.EqualFold(f.name, name) {
			return i
		}
	}
	return -1
}

// Get returns the value of the named field, or "" if absent.
func (h *Header) Get(name string) string {
	v, _ := h.Lookup(name)
	return v
}

// Lookup returns the value of the named field and whether it exists.
func (h *Header) Lookup(name string) (string, bool) {
	if i := h.index(name); i >= 0 {
		return h.fields[i].value, true
	}
	return "", false
}

// Set replaces the value of an existing field, keeping its position and
// spelling, or appends a new one.
func (h *Header) Set(name, value string) {
	if i := h.index(name); i >= 0 {
		h.fields[i].value = value
		return
	}
	h.fields = append(h.fields, field{name: name, value: value})
}

// Del removes the named field.
func (h *Header) Del(name string) {
	if i := h.index(name); i >= 0 {
		h.fields = append(h.fields[:i], h.fields[i+1:]...)
	}
}

// Names returns field names in order.
func (h *Header) Names() []string {
	names := make([]string, len(h.fields))
	for i, f := range h.fields {
		names[i] = f.name
	}
	return names
}

// Len returns the number of fields.
func (h *Header) Len() int {
	return len(h.fields)
}

// String serializes the header in wire form, terminated by an empty line.
func (h *Header) String() string {
	var b strings.Builder
	b.WriteString(h.FirstLine)
	b.WriteString("\r\n")
	for _, f := range h.fields {
		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(f.value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.String()
}

// Bytes returns String as a byte slice.
func (h *Header) Bytes() []byte {
	return []byte(h.String())
}

// Equal reports whether both headers have the same start line and the
// same fields in the same order, comparing names case-insensitively.
func (h *Header) Equal(other *Header) bool {
	if other == nil || h.FirstLine != other.FirstLine || len(h.fields) != len(other.fields) {
		return false
	}
	for i, f := range h.fields {
		o := other.fields[i]
		if !strings.EqualFold(f.name, o.name) || f.value != o.value {
			return false
		}
	}
	return true
}

// FirstLineParts splits the start line into method, target and version
// (or version, status code and reason for responses).
func (h *Header) FirstLineParts() []string {
	return strings.SplitN(h.FirstLine, " ", 3)
}

// IsNotify reports whether h is a NOTIFY request.
func (h *Header) IsNotify() bool {
	return strings.EqualFold(h.FirstLineParts()[0], "NOTIFY")
}

// IsMsearch reports whether h is an M-SEARCH request.
func (h *Header) IsMsearch() bool {
	return strings.EqualFold(h.FirstLineParts()[0], "M-SEARCH")
}

// IsHTTPResponse reports whether h is a search response.
func (h *Header) IsHTTPResponse() bool {
	return strings.HasPrefix(strings.ToUpper(h.FirstLineParts()[0]), "HTTP/")
}

// NTS returns the notification sub-type.
func (h *Header) NTS() NotificationType {
	return ParseNotificationType(h.Get("NTS"))
}

// USN returns the parsed unique service name, if present.
func (h *Header) USN() (USN, bool) {
	v := h.Get("USN")
	if v == "" {
		return USN{}, false
	}
	return ParseUSN(v), true
}

// Location returns the LOCATION field.
func (h *Header) Location() string {
	return h.Get("LOCATION")
}

// MaxAge returns the max-age directive of CACHE-CONTROL.
func (h *Header) MaxAge() (time.Duration, bool) {
	for _, directive := range strings.Split(h.Get("CACHE-CONTROL"), ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		secs, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || secs <= 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}
