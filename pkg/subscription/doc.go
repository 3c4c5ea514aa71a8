// Package subscription manages GENA event subscriptions of a UPnP
// control point.
//
// # Subscriber lifecycle
//
// A Subscriber targets one (udn, serviceId) pair:
//
//	UNSUBSCRIBED -> PENDING_SUBSCRIBE -> SUBSCRIBED -> PENDING_UNSUBSCRIBE -> REMOVED
//	SUBSCRIBED -> PENDING_RENEW -> SUBSCRIBED
//	SUBSCRIBED -> REMOVED (renewal failure, expiry, device removal)
//
// A subscriber enters the active set only once the device returned a SID.
// At most one live subscriber exists per pair; the later commit wins.
//
// # Notifications
//
// Inbound NOTIFY requests are looked up by their SID header. Global
// handlers run first, then the subscriber's own handler. Decoding
// failures follow the same path with a non-nil error.
//
// # Suspend and resume
//
// Suspend keeps subscribers but marks them unsubscribed. Resume issues a
// fresh SUBSCRIBE for each (the old SIDs may have lapsed while the
// callback endpoint was down) and swaps in the new set at once. A
// generation counter turns completions that straddle a lifecycle change
// into no-ops.
package subscription
