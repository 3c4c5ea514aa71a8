package ssdp

import "strconv"

// Search targets.
const (
	SearchAll        = "ssdp:all"
	SearchRootDevice = "upnp:rootdevice"
)

// NewSearchRequest builds an M-SEARCH for st with an MX of mx seconds.
func NewSearchRequest(st string, mx int) *Header {
	h := NewHeader("M-SEARCH * HTTP/1.1")
	h.Set("HOST", MulticastHostPort)
	h.Set("MAN", `"ssdp:discover"`)
	h.Set("MX", strconv.Itoa(mx))
	h.Set("ST", st)
	return h
}

// NewNotify builds a NOTIFY message. Location and max-age are omitted
// for byebye.
func NewNotify(nts NotificationType, nt, usn, location string, maxAge int) *Header {
	h := NewHeader("NOTIFY * HTTP/1.1")
	h.Set("HOST", MulticastHostPort)
	if nts != NotifyByebye {
		h.Set("CACHE-CONTROL", "max-age="+strconv.Itoa(maxAge))
		h.Set("LOCATION", location)
	}
	h.Set("NT", nt)
	h.Set("NTS", nts.String())
	h.Set("USN", usn)
	return h
}

// NewSearchResponse builds a unicast response to an M-SEARCH.
func NewSearchResponse(st, usn, location string, maxAge int) *Header {
	h := NewHeader("HTTP/1.1 200 OK")
	h.Set("CACHE-CONTROL", "max-age="+strconv.Itoa(maxAge))
	h.Set("EXT", "")
	h.Set("LOCATION", location)
	h.Set("ST", st)
	h.Set("USN", usn)
	return h
}
