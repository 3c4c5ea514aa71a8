package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes trace events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("exchange", event.ExchangeID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote", event.RemoteAddr))
	}
	if event.UDN != "" {
		attrs = append(attrs, slog.String("udn", event.UDN))
	}
	if event.SID != "" {
		attrs = append(attrs, slog.String("sid", event.SID))
	}

	switch {
	case event.Datagram != nil:
		attrs = append(attrs,
			slog.String("start_line", event.Datagram.StartLine),
			slog.Int("size", event.Datagram.Size),
		)
		if event.Datagram.NTS != "" {
			attrs = append(attrs, slog.String("nts", event.Datagram.NTS))
		}
		if event.Datagram.USN != "" {
			attrs = append(attrs, slog.String("usn", event.Datagram.USN))
		}
	case event.HTTP != nil:
		attrs = append(attrs,
			slog.String("method", event.HTTP.Method),
			slog.String("url", event.HTTP.URL),
		)
		if event.HTTP.StatusCode != 0 {
			attrs = append(attrs, slog.Int("status", event.HTTP.StatusCode))
		}
		if event.HTTP.Action != "" {
			attrs = append(attrs, slog.String("action", event.HTTP.Action))
		}
		if event.HTTP.Duration != nil {
			attrs = append(attrs, slog.Duration("duration", *event.HTTP.Duration))
		}
	case event.Notification != nil:
		attrs = append(attrs,
			slog.Uint64("seq", uint64(event.Notification.Seq)),
			slog.Int("properties", len(event.Notification.Properties)),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "upnp", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
