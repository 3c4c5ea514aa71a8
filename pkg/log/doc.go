// Package log provides protocol tracing for the UPnP control point.
//
// Tracing is separate from operational logging (slog). It records a
// machine-readable stream of what went over the wire: SSDP datagrams,
// description fetches, GENA exchanges, SOAP calls and lifecycle changes.
//
// # Basic Usage
//
//	// Console while developing
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Binary trace file
//	fl, _ := log.NewFileLogger("/var/log/upnp/controller.ulog")
//	cfg.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # File Format
//
// Trace files are a plain concatenation of CBOR-encoded Event values with
// integer keys, conventionally named *.ulog. The upnp-log tool views,
// filters and summarizes them.
package log
