package commands

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

var traceStart = time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)

func sampleEvents() []log.Event {
	alive := log.NewDatagramEvent(log.DirectionIn, "10.0.0.5:1900",
		[]byte("NOTIFY * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\n\r\n"))
	alive.UDN = "uuid:light-1"
	alive.Datagram.NTS = "ssdp:alive"
	alive.Datagram.USN = "uuid:light-1::upnp:rootdevice"

	added := log.NewStateEvent(log.StateEntityDevice, "", "BUILT", "ssdp:alive")
	added.UDN = "uuid:light-1"

	action := log.NewHTTPEvent(log.LayerControl, log.DirectionIn, "POST", "http://10.0.0.5/ctl/SwitchPower", 200, 3*time.Millisecond)
	action.UDN = "uuid:light-1"
	action.HTTP.Action = "SetTarget"

	renew := log.NewHTTPEvent(log.LayerEventing, log.DirectionIn, "SUBSCRIBE", "http://10.0.0.5/evt/SwitchPower", 412, 0)
	renew.SID = "uuid:sid-1"

	notify := log.Event{
		ExchangeID: log.NewExchangeID(),
		Direction:  log.DirectionIn,
		Layer:      log.LayerEventing,
		Category:   log.CategoryMessage,
		UDN:        "uuid:light-1",
		SID:        "uuid:sid-1",
		Notification: &log.NotificationEvent{
			Seq:        0,
			ServiceID:  "urn:upnp-org:serviceId:SwitchPower.0001",
			Properties: map[string]string{"Status": "1", "Target": "1"},
		},
	}

	failed := log.NewErrorEvent(log.LayerEventing, "renew", errors.New("precondition failed"))
	failed.SID = "uuid:sid-1"

	events := []log.Event{alive, added, action, notify, renew, failed}
	for i := range events {
		events[i].Timestamp = traceStart.Add(time.Duration(i) * time.Second)
	}
	return events
}

func writeTrace(t *testing.T, events []log.Event) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.ulog")
	logger, err := log.NewFileLogger(path)
	require.NoError(t, err)
	for _, e := range events {
		logger.Log(e)
	}
	require.NoError(t, logger.Close())
	require.Equal(t, len(events), logger.Written())
	return path
}

func TestFormatDatagramEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[0])
	out := buf.String()

	assert.Contains(t, out, "2024-03-01T08:30:00Z")
	assert.Contains(t, out, "IN  DISCOVERY")
	assert.Contains(t, out, "NOTIFY * HTTP/1.1")
	assert.Contains(t, out, "NTS: ssdp:alive")
	assert.Contains(t, out, "Remote: 10.0.0.5:1900")
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestFormatHTTPEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[2])
	out := buf.String()

	assert.Contains(t, out, "CONTROL")
	assert.Contains(t, out, "POST http://10.0.0.5/ctl/SwitchPower -> 200")
	assert.Contains(t, out, "Action: SetTarget")
	assert.Contains(t, out, "Duration: 3.000ms")
}

func TestFormatNotificationEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, sampleEvents()[3])
	out := buf.String()

	assert.Contains(t, out, "Notify")
	assert.Contains(t, out, "SID: uuid:sid-1")
	assert.Contains(t, out, "SEQ: 0")
	// Properties print in name order.
	assert.Less(t, strings.Index(out, `Status = "1"`), strings.Index(out, `Target = "1"`))
}

func TestFormatStateAndErrorEvents(t *testing.T) {
	events := sampleEvents()

	var buf bytes.Buffer
	formatEvent(&buf, events[1])
	assert.Contains(t, buf.String(), "DEVICE")
	assert.Contains(t, buf.String(), "- -> BUILT")
	assert.Contains(t, buf.String(), "Reason: ssdp:alive")

	buf.Reset()
	formatEvent(&buf, events[5])
	assert.Contains(t, buf.String(), "Context: renew")
	assert.Contains(t, buf.String(), "Message: precondition failed")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.500us", formatDuration(1500*time.Nanosecond))
	assert.Equal(t, "2.500ms", formatDuration(2500*time.Microsecond))
	assert.Equal(t, "1.250s", formatDuration(1250*time.Millisecond))
}

func TestParseFlags(t *testing.T) {
	l, err := ParseLayerFlag("Eventing")
	require.NoError(t, err)
	assert.Equal(t, log.LayerEventing, l)
	_, err = ParseLayerFlag("wire")
	assert.Error(t, err)

	d, err := ParseDirectionFlag("OUT")
	require.NoError(t, err)
	assert.Equal(t, log.DirectionOut, d)
	_, err = ParseDirectionFlag("sideways")
	assert.Error(t, err)

	c, err := ParseCategoryFlag("error")
	require.NoError(t, err)
	assert.Equal(t, log.CategoryError, c)
	_, err = ParseCategoryFlag("snapshot")
	assert.Error(t, err)
}

func TestRunView(t *testing.T) {
	path := writeTrace(t, sampleEvents())

	var all bytes.Buffer
	require.NoError(t, RunView(path, Selection{}, &all))
	assert.Equal(t, 6, strings.Count(all.String(), "2024-03-01T08:30:0"))

	var eventing bytes.Buffer
	require.NoError(t, RunView(path, Selection{Layer: "eventing"}, &eventing))
	assert.Equal(t, 3, strings.Count(eventing.String(), "2024-03-01T"))
	assert.NotContains(t, eventing.String(), "DISCOVERY")

	var device bytes.Buffer
	require.NoError(t, RunView(path, Selection{UDN: "uuid:light-1", SID: "uuid:sid-1"}, &device))
	assert.Contains(t, device.String(), "Notify")
	assert.NotContains(t, device.String(), "SUBSCRIBE")

	assert.Error(t, RunView(filepath.Join(t.TempDir(), "missing.ulog"), Selection{}, io.Discard))
	assert.Error(t, RunView(path, Selection{Kind: "packet"}, io.Discard))
}

func TestSelectionPayloadCriteria(t *testing.T) {
	events := sampleEvents()
	tests := []struct {
		name string
		sel  Selection
		want []int
	}{
		{"all", Selection{}, []int{0, 1, 2, 3, 4, 5}},
		{"kind http", Selection{Kind: "http"}, []int{2, 4}},
		{"kind state", Selection{Kind: "state"}, []int{1}},
		{"nts shorthand", Selection{NTS: "alive"}, []int{0}},
		{"nts full", Selection{NTS: "ssdp:byebye"}, nil},
		{"method is case insensitive", Selection{Method: "subscribe"}, []int{4}},
		{"action", Selection{Action: "SetTarget"}, []int{2}},
		{"variable", Selection{Variable: "Target"}, []int{3}},
		{"missing variable", Selection{Variable: "LoadLevelStatus"}, nil},
		{"failed", Selection{Failed: true}, []int{4, 5}},
		{"failed http", Selection{Failed: true, Kind: "http"}, []int{4}},
		{"envelope and payload", Selection{SID: "uuid:sid-1", Kind: "notify"}, []int{3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := tt.sel.compile()
			require.NoError(t, err)

			var got []int
			for i, e := range events {
				if sel.envelope.Matches(e) && sel.match(e) {
					got = append(got, i)
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStats(t *testing.T) {
	stats := newStats()
	for _, e := range sampleEvents() {
		stats.add(e)
	}

	assert.Equal(t, 6, stats.TotalEvents)
	assert.Equal(t, 3, stats.EventsByLayer[log.LayerEventing])
	assert.Equal(t, 1, stats.EventsByCategory[log.CategoryError])
	assert.Equal(t, 1, stats.Notifications)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.FailedHTTP)
	assert.Equal(t, map[string]int{"uuid:sid-1": 3}, stats.Subscriptions)
	assert.Equal(t, traceStart, stats.TimeRange.Start)
	assert.Equal(t, traceStart.Add(5*time.Second), stats.TimeRange.End)

	require.Contains(t, stats.Devices, "uuid:light-1")
	dev := stats.Devices["uuid:light-1"]
	assert.Equal(t, 4, dev.Events)
	assert.Equal(t, 1, dev.Actions)
	assert.Equal(t, 1, dev.Notifications)
}

func TestRunStats(t *testing.T) {
	path := writeTrace(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunStats(path, &buf))
	out := buf.String()

	assert.Contains(t, out, "Total Events: 6")
	assert.Contains(t, out, "Duration:   5s")
	assert.Contains(t, out, "uuid:light-1: 4 events, 1 actions, 1 notifications")
	assert.Contains(t, out, "Subscriptions: 1")
	assert.Contains(t, out, "Failed HTTP exchanges: 1")
}

func TestRunFilter(t *testing.T) {
	path := writeTrace(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.ulog")

	n, err := RunFilter(path, out, Selection{
		SID:   "uuid:sid-1",
		Since: "2024-03-01T08:30:04Z",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reader, err := log.NewReader(out)
	require.NoError(t, err)
	defer reader.Close()

	first, err := reader.Next()
	require.NoError(t, err)
	require.NotNil(t, first.HTTP)
	assert.Equal(t, "SUBSCRIBE", first.HTTP.Method)

	second, err := reader.Next()
	require.NoError(t, err)
	assert.NotNil(t, second.Error)

	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestRunFilterRejectsBadOptions(t *testing.T) {
	path := writeTrace(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "filtered.ulog")

	_, err := RunFilter(path, out, Selection{Until: "yesterday"})
	assert.Error(t, err)

	_, err = RunFilter(path, out, Selection{Layer: "transport"})
	assert.Error(t, err)
	assert.NoFileExists(t, out)
}

func TestRunFilterFailedExchanges(t *testing.T) {
	path := writeTrace(t, sampleEvents())
	out := filepath.Join(t.TempDir(), "failed.ulog")

	n, err := RunFilter(path, out, Selection{Method: "SUBSCRIBE", Failed: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var buf bytes.Buffer
	require.NoError(t, RunView(out, Selection{}, &buf))
	assert.Contains(t, buf.String(), "SUBSCRIBE http://10.0.0.5/evt/SwitchPower -> 412")
}

func TestRunExportJSONL(t *testing.T) {
	path := writeTrace(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunExport(path, "jsonl", Selection{}, &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 6)

	var notify log.Event
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &notify))
	require.NotNil(t, notify.Notification)
	assert.Equal(t, "1", notify.Notification.Properties["Status"])
}

func TestRunExportCSV(t *testing.T) {
	path := writeTrace(t, sampleEvents())

	var buf bytes.Buffer
	require.NoError(t, RunExport(path, "csv", Selection{}, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "datagram", rows[1][7])
	assert.Equal(t, "state", rows[2][7])
	assert.Equal(t, "->BUILT", rows[2][8])
	assert.Equal(t, "SUBSCRIBE http://10.0.0.5/evt/SwitchPower 412", rows[5][8])

	assert.Error(t, RunExport(path, "xml", Selection{}, io.Discard))

	var notifies bytes.Buffer
	require.NoError(t, RunExport(path, "csv", Selection{Kind: "notify"}, &notifies))
	rows, err = csv.NewReader(&notifies).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "seq=0", rows[1][8])
}
