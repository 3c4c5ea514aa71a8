package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mash-protocol/upnp-go/pkg/log"
)

// GENA methods and header values.
const (
	MethodSubscribe   = "SUBSCRIBE"
	MethodUnsubscribe = "UNSUBSCRIBE"
	MethodNotify      = "NOTIFY"

	EventNT       = "upnp:event"
	PropChangeNTS = "upnp:propchange"
	timeoutPrefix = "Second-"
)

// ErrNoSID is returned when a SUBSCRIBE response carries no SID.
var ErrNoSID = errors.New("subscription: response has no SID")

// StatusError reports a non-200 GENA response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("subscription: %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

// SubscribeRequest is a new subscription request.
type SubscribeRequest struct {
	EventURL  string
	Callbacks []string
	Timeout   time.Duration
}

// SubscribeResponse is the answer to a subscribe or renew request.
type SubscribeResponse struct {
	SID     string
	Timeout time.Duration
}

// Transport sends GENA requests.
type Transport interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResponse, error)
	Renew(ctx context.Context, eventURL, sid string, timeout time.Duration) (SubscribeResponse, error)
	Unsubscribe(ctx context.Context, eventURL, sid string) error
}

// FormatTimeout renders a TIMEOUT header value.
func FormatTimeout(d time.Duration) string {
	return timeoutPrefix + strconv.Itoa(int(d/time.Second))
}

// ParseTimeout parses a TIMEOUT header value. "infinite" and unparsable
// values yield fallback.
func ParseTimeout(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if len(v) <= len(timeoutPrefix) || !strings.EqualFold(v[:len(timeoutPrefix)], timeoutPrefix) {
		return fallback
	}
	n, err := strconv.Atoi(v[len(timeoutPrefix):])
	if err != nil || n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// FormatCallbacks renders a CALLBACK header value.
func FormatCallbacks(urls []string) string {
	var b strings.Builder
	for _, u := range urls {
		b.WriteByte('<')
		b.WriteString(u)
		b.WriteByte('>')
	}
	return b.String()
}

// GENAClient implements Transport over net/http.
type GENAClient struct {
	client *http.Client
	trace  log.Logger
}

// NewGENAClient creates a GENA client. A nil client uses one with a 10s
// timeout.
func NewGENAClient(client *http.Client, trace log.Logger) *GENAClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GENAClient{client: client, trace: log.Or(trace)}
}

// Subscribe sends a SUBSCRIBE with CALLBACK and NT.
func (c *GENAClient) Subscribe(ctx context.Context, req SubscribeRequest) (SubscribeResponse, error) {
	h := http.Header{
		"CALLBACK": {FormatCallbacks(req.Callbacks)},
		"NT":       {EventNT},
		"TIMEOUT":  {FormatTimeout(req.Timeout)},
	}
	return c.subscribe(ctx, req.EventURL, "", h, req.Timeout)
}

// Renew sends a SUBSCRIBE with SID.
func (c *GENAClient) Renew(ctx context.Context, eventURL, sid string, timeout time.Duration) (SubscribeResponse, error) {
	h := http.Header{
		"SID":     {sid},
		"TIMEOUT": {FormatTimeout(timeout)},
	}
	return c.subscribe(ctx, eventURL, sid, h, timeout)
}

func (c *GENAClient) subscribe(ctx context.Context, eventURL, sid string, h http.Header, timeout time.Duration) (SubscribeResponse, error) {
	resp, err := c.do(ctx, MethodSubscribe, eventURL, sid, h)
	if err != nil {
		return SubscribeResponse{}, err
	}
	got := resp.Header.Get("SID")
	if got == "" {
		return SubscribeResponse{}, ErrNoSID
	}
	return SubscribeResponse{
		SID:     got,
		Timeout: ParseTimeout(resp.Header.Get("TIMEOUT"), timeout),
	}, nil
}

// Unsubscribe sends an UNSUBSCRIBE with SID.
func (c *GENAClient) Unsubscribe(ctx context.Context, eventURL, sid string) error {
	h := http.Header{"SID": {sid}}
	_, err := c.do(ctx, MethodUnsubscribe, eventURL, sid, h)
	return err
}

func (c *GENAClient) do(ctx context.Context, method, target, sid string, h http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("subscription: %s %s: %w", method, target, err)
	}
	// GENA peers are not always case-insensitive; keep the names as given.
	for name, values := range h {
		req.Header[name] = values
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		ev := log.NewErrorEvent(log.LayerEventing, method+" "+target, err)
		ev.SID = sid
		c.trace.Log(ev)
		return nil, fmt.Errorf("subscription: %s %s: %w", method, target, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()

	ev := log.NewHTTPEvent(log.LayerEventing, log.DirectionOut, method, target, resp.StatusCode, time.Since(start))
	ev.SID = sid
	if ev.SID == "" {
		ev.SID = resp.Header.Get("SID")
	}
	c.trace.Log(ev)

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode}
	}
	return resp, nil
}
