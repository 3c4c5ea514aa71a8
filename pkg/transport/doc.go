// Package transport provides the HTTP callback endpoint of the control
// point.
//
// The endpoint registers a single route, NOTIFY /notify/*path, and hands
// completed requests to the subscription manager. The path names the
// (udn, serviceId) pair for debugging; the SID header is authoritative.
//
// A stopped server can be started again; each start binds a fresh
// listener, so the callback address can change across suspend/resume.
package transport
