package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Stats holds aggregate statistics about a trace file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Devices           map[string]*DeviceStats
	Subscriptions     map[string]int
	Notifications     int
	Errors            int
	FailedHTTP        int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// DeviceStats holds statistics for a single device.
type DeviceStats struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	Events        int
	Actions       int
	Notifications int
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Devices:           make(map[string]*DeviceStats),
		Subscriptions:     make(map[string]int),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.SID != "" {
		s.Subscriptions[event.SID]++
	}
	if event.Notification != nil {
		s.Notifications++
	}
	if event.Error != nil {
		s.Errors++
	}
	if event.HTTP != nil && event.HTTP.StatusCode >= 400 {
		s.FailedHTTP++
	}

	if event.UDN == "" {
		return
	}
	dev, ok := s.Devices[event.UDN]
	if !ok {
		dev = &DeviceStats{FirstSeen: event.Timestamp, LastSeen: event.Timestamp}
		s.Devices[event.UDN] = dev
	}
	dev.Events++
	if event.Timestamp.After(dev.LastSeen) {
		dev.LastSeen = event.Timestamp
	}
	if event.HTTP != nil && event.HTTP.Action != "" && event.HTTP.StatusCode != 0 {
		dev.Actions++
	}
	if event.Notification != nil {
		dev.Notifications++
	}
}

// RunStats analyzes the trace at path and prints statistics.
func RunStats(path string, w io.Writer) error {
	reader, err := log.NewReader(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	for {
		event, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== UPnP Trace Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerDiscovery, log.LayerDescription, log.LayerEventing, log.LayerControl, log.LayerService} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-13s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-13s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-13s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Devices: %d\n", len(stats.Devices))
	if len(stats.Devices) > 0 {
		udns := make([]string, 0, len(stats.Devices))
		for udn := range stats.Devices {
			udns = append(udns, udn)
		}
		sort.Slice(udns, func(i, j int) bool {
			return stats.Devices[udns[i]].FirstSeen.Before(stats.Devices[udns[j]].FirstSeen)
		})
		for _, udn := range udns {
			d := stats.Devices[udn]
			fmt.Fprintf(w, "  %s: %d events, %d actions, %d notifications\n", udn, d.Events, d.Actions, d.Notifications)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Subscriptions: %d\n", len(stats.Subscriptions))
	fmt.Fprintf(w, "Notifications: %d\n", stats.Notifications)

	if stats.Errors > 0 || stats.FailedHTTP > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
		fmt.Fprintf(w, "Failed HTTP exchanges: %d\n", stats.FailedHTTP)
	}
}
