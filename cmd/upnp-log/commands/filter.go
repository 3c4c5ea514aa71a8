package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// Selection picks events out of a trace. It is shared by view, export
// and filter. Empty fields match everything.
//
// The envelope fields (IDs, time range, layer, direction, category) are
// evaluated by the trace reader. The remaining fields look inside the
// event payload.
type Selection struct {
	ExchangeID string
	UDN        string
	SID        string
	Since      string // RFC3339
	Until      string // RFC3339, exclusive
	Layer      string
	Direction  string
	Category   string

	// Kind is one of datagram, http, notify, state or error.
	Kind string

	// NTS matches datagrams by notification sub-type. "alive" is
	// shorthand for "ssdp:alive".
	NTS string

	// Method matches HTTP exchanges such as SUBSCRIBE or POST.
	Method string

	// Action matches control exchanges by SOAP action name.
	Action string

	// Variable matches notifications carrying that state variable.
	Variable string

	// Failed keeps HTTP exchanges with a 4xx/5xx status and error events.
	Failed bool
}

type eventKind uint8

const (
	kindAny eventKind = iota
	kindDatagram
	kindHTTP
	kindNotify
	kindState
	kindError
)

func parseKind(s string) (eventKind, error) {
	switch strings.ToLower(s) {
	case "":
		return kindAny, nil
	case "datagram", "ssdp":
		return kindDatagram, nil
	case "http":
		return kindHTTP, nil
	case "notify", "notification":
		return kindNotify, nil
	case "state":
		return kindState, nil
	case "error":
		return kindError, nil
	default:
		return kindAny, fmt.Errorf("invalid kind: %s (must be datagram, http, notify, state, or error)", s)
	}
}

func kindOf(event log.Event) eventKind {
	switch {
	case event.Datagram != nil:
		return kindDatagram
	case event.HTTP != nil:
		return kindHTTP
	case event.Notification != nil:
		return kindNotify
	case event.StateChange != nil:
		return kindState
	case event.Error != nil:
		return kindError
	}
	return kindAny
}

// selector is a compiled Selection.
type selector struct {
	envelope log.Filter
	kind     eventKind
	nts      string
	method   string
	action   string
	variable string
	failed   bool
}

func (s Selection) compile() (*selector, error) {
	sel := &selector{
		envelope: log.Filter{ExchangeID: s.ExchangeID, UDN: s.UDN, SID: s.SID},
		method:   strings.ToUpper(s.Method),
		action:   s.Action,
		variable: s.Variable,
		failed:   s.Failed,
	}

	var err error
	if sel.envelope.TimeStart, err = parseTime("since", s.Since); err != nil {
		return nil, err
	}
	if sel.envelope.TimeEnd, err = parseTime("until", s.Until); err != nil {
		return nil, err
	}
	if s.Layer != "" {
		l, err := ParseLayerFlag(s.Layer)
		if err != nil {
			return nil, err
		}
		sel.envelope.Layer = &l
	}
	if s.Direction != "" {
		d, err := ParseDirectionFlag(s.Direction)
		if err != nil {
			return nil, err
		}
		sel.envelope.Direction = &d
	}
	if s.Category != "" {
		c, err := ParseCategoryFlag(s.Category)
		if err != nil {
			return nil, err
		}
		sel.envelope.Category = &c
	}
	if sel.kind, err = parseKind(s.Kind); err != nil {
		return nil, err
	}

	if nts := strings.ToLower(s.NTS); nts != "" {
		if !strings.HasPrefix(nts, "ssdp:") {
			nts = "ssdp:" + nts
		}
		sel.nts = nts
	}
	return sel, nil
}

func parseTime(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s time: %w", name, err)
	}
	return &t, nil
}

// match applies the payload criteria. The envelope is already checked.
func (s *selector) match(event log.Event) bool {
	if s.kind != kindAny && kindOf(event) != s.kind {
		return false
	}
	if s.nts != "" && (event.Datagram == nil || !strings.EqualFold(event.Datagram.NTS, s.nts)) {
		return false
	}
	if s.method != "" && (event.HTTP == nil || event.HTTP.Method != s.method) {
		return false
	}
	if s.action != "" && (event.HTTP == nil || event.HTTP.Action != s.action) {
		return false
	}
	if s.variable != "" {
		if event.Notification == nil {
			return false
		}
		if _, ok := event.Notification.Properties[s.variable]; !ok {
			return false
		}
	}
	if s.failed {
		httpFailed := event.HTTP != nil && event.HTTP.StatusCode >= 400
		if !httpFailed && event.Error == nil {
			return false
		}
	}
	return true
}

// each calls fn for every selected event of the trace at path.
func (s Selection) each(path string, fn func(log.Event) error) error {
	sel, err := s.compile()
	if err != nil {
		return err
	}

	reader, err := log.NewFilteredReader(path, sel.envelope)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		if !sel.match(event) {
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
}

// RunFilter copies the selected events of path into a new trace at
// output and returns how many were written. Nothing is created when the
// selection is invalid.
func RunFilter(path, output string, sel Selection) (int, error) {
	if _, err := sel.compile(); err != nil {
		return 0, err
	}

	logger, err := log.NewFileLogger(output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output logger: %w", err)
	}
	defer logger.Close()

	err = sel.each(path, func(event log.Event) error {
		logger.Log(event)
		return nil
	})
	return logger.Written(), err
}
