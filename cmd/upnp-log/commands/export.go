package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// RunExport writes the selected events of the trace at path to w as
// jsonl or csv.
func RunExport(path, format string, sel Selection, w io.Writer) error {
	switch format {
	case "jsonl":
		encoder := json.NewEncoder(w)
		return sel.each(path, func(event log.Event) error {
			if err := encoder.Encode(event); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
			return nil
		})
	case "csv":
		return exportCSV(path, sel, w)
	default:
		return fmt.Errorf("unknown format: %s (supported: jsonl, csv)", format)
	}
}

var csvHeader = []string{"timestamp", "exchange_id", "direction", "layer", "category", "udn", "sid", "type", "detail"}

func exportCSV(path string, sel Selection, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	err := sel.each(path, func(event log.Event) error {
		eventType, detail := csvDetail(event)
		row := []string{
			event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z"),
			event.ExchangeID,
			event.Direction.String(),
			event.Layer.String(),
			event.Category.String(),
			event.UDN,
			event.SID,
			eventType,
			detail,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}

func csvDetail(event log.Event) (eventType, detail string) {
	switch {
	case event.Datagram != nil:
		return "datagram", event.Datagram.StartLine
	case event.HTTP != nil:
		detail = event.HTTP.Method + " " + event.HTTP.URL
		if event.HTTP.StatusCode != 0 {
			detail += fmt.Sprintf(" %d", event.HTTP.StatusCode)
		}
		return "http", detail
	case event.Notification != nil:
		return "notify", fmt.Sprintf("seq=%d", event.Notification.Seq)
	case event.StateChange != nil:
		return "state", event.StateChange.OldState + "->" + event.StateChange.NewState
	case event.Error != nil:
		return "error", event.Error.Message
	}
	return "unknown", ""
}
