// Package device holds the control point's view of UPnP devices: the
// Device and Service model and the Registry that tracks them.
//
// # Lifecycle
//
// The first announcement of a UUID registers a placeholder with a short
// timeout so that concurrent announcements renew it instead of starting a
// second build. When the description has been fetched, Install swaps in
// the built device. Devices leave on byebye (Remove) or when their
// deadline passes (SweepExpired).
package device
