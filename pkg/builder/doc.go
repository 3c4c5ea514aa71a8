// Package builder fetches UPnP device descriptions and service SCPDs and
// assembles them into device.Device values.
//
// The description is decoded into the goupnp description model, its base
// URL resolved (URLBase when present, otherwise the location), and every
// service's SCPD fetched with bounded parallelism. A missing or broken
// SCPD does not fail the build.
package builder
