// Package ssdp implements the discovery side of a UPnP control point.
//
// It parses and serializes SSDP header blocks, splits unique service
// names, builds M-SEARCH requests, and runs a Listener that receives
// multicast NOTIFY messages and unicast search responses.
//
// # Headers
//
// A Header keeps the start line plus its fields in arrival order with the
// original field-name case. Lookups are case-insensitive:
//
//	h, err := ssdp.Parse(datagram)
//	if err != nil {
//	    return // malformed, drop it
//	}
//	if h.IsNotify() && h.NTS() == ssdp.NotifyAlive {
//	    usn, _ := h.USN()
//	    fmt.Println(usn.UUID, h.Get("location"))
//	}
//
// # Listener
//
// The Listener holds no device state. It parses each datagram and hands
// the header to a callback; interpretation belongs to the caller.
// Malformed datagrams are dropped.
package ssdp
