package commands

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// formatEvent formats a single event for human-readable display.
func formatEvent(w io.Writer, event log.Event) {
	ts := event.Timestamp.UTC().Format(time.RFC3339Nano)

	var head strings.Builder
	head.WriteString(ts)
	if event.ExchangeID != "" {
		head.WriteString(" [x:" + shortID(event.ExchangeID) + "]")
	}
	fmt.Fprintf(&head, " %-3s %-11s", event.Direction, event.Layer)

	switch {
	case event.Datagram != nil:
		head.WriteString(" Datagram")
	case event.HTTP != nil:
		head.WriteString(" HTTP")
	case event.Notification != nil:
		head.WriteString(" Notify")
	case event.StateChange != nil:
		head.WriteString(" " + event.StateChange.Entity.String())
	case event.Error != nil:
		head.WriteString(" Error")
	}
	fmt.Fprintln(w, head.String())

	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}
	if event.UDN != "" {
		fmt.Fprintf(w, "  UDN: %s\n", event.UDN)
	}
	if event.SID != "" {
		fmt.Fprintf(w, "  SID: %s\n", event.SID)
	}

	switch {
	case event.Datagram != nil:
		formatDatagram(w, event.Datagram)
	case event.HTTP != nil:
		formatHTTP(w, event.HTTP)
	case event.Notification != nil:
		formatNotification(w, event.Notification)
	case event.StateChange != nil:
		formatStateChange(w, event.StateChange)
	case event.Error != nil:
		formatError(w, event.Error)
	}
	fmt.Fprintln(w)
}

func formatDatagram(w io.Writer, d *log.DatagramEvent) {
	size := fmt.Sprintf("%d bytes", d.Size)
	if d.Truncated {
		size += ", truncated"
	}
	fmt.Fprintf(w, "  %s (%s)\n", d.StartLine, size)
	if d.NTS != "" {
		fmt.Fprintf(w, "  NTS: %s\n", d.NTS)
	}
	if d.USN != "" {
		fmt.Fprintf(w, "  USN: %s\n", d.USN)
	}
}

func formatHTTP(w io.Writer, h *log.HTTPEvent) {
	line := h.Method + " " + h.URL
	if h.StatusCode != 0 {
		line += fmt.Sprintf(" -> %d", h.StatusCode)
	}
	fmt.Fprintf(w, "  %s\n", line)
	if h.Action != "" {
		fmt.Fprintf(w, "  Action: %s\n", h.Action)
	}
	if h.Duration != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*h.Duration))
	}
}

func formatNotification(w io.Writer, n *log.NotificationEvent) {
	fmt.Fprintf(w, "  SEQ: %d\n", n.Seq)
	if n.ServiceID != "" {
		fmt.Fprintf(w, "  Service: %s\n", n.ServiceID)
	}
	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %q\n", name, n.Properties[name])
	}
}

func formatStateChange(w io.Writer, s *log.StateChangeEvent) {
	from := s.OldState
	if from == "" {
		from = "-"
	}
	fmt.Fprintf(w, "  %s -> %s\n", from, s.NewState)
	if s.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", s.Reason)
	}
}

func formatError(w io.Writer, e *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", e.Layer)
	if e.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", e.Context)
	}
	fmt.Fprintf(w, "  Message: %s\n", e.Message)
	if e.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *e.Code)
	}
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.3fus", float64(d.Nanoseconds())/1000)
	}
	if d < time.Second {
		return fmt.Sprintf("%.3fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.3fs", d.Seconds())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	switch strings.ToLower(s) {
	case "discovery":
		return log.LayerDiscovery, nil
	case "description":
		return log.LayerDescription, nil
	case "eventing":
		return log.LayerEventing, nil
	case "control":
		return log.LayerControl, nil
	case "service":
		return log.LayerService, nil
	default:
		return 0, fmt.Errorf("invalid layer: %s (must be discovery, description, eventing, control, or service)", s)
	}
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	switch strings.ToLower(s) {
	case "message":
		return log.CategoryMessage, nil
	case "state":
		return log.CategoryState, nil
	case "error":
		return log.CategoryError, nil
	default:
		return 0, fmt.Errorf("invalid category: %s (must be message, state, or error)", s)
	}
}

// RunView prints every selected event of the trace at path.
func RunView(path string, sel Selection, output io.Writer) error {
	return sel.each(path, func(event log.Event) error {
		formatEvent(output, event)
		return nil
	})
}
