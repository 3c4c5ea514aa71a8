package subscription

import (
	"errors"
	"io"
	"net/http"
)

// ServeHTTP handles NOTIFY requests on the callback route.
//
//   - unknown SID: 412 Precondition Failed, no handler is called
//   - undecodable request: 400 Bad Request, handlers receive the error
//   - otherwise: 200 OK
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != MethodNotify {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body io.Reader = r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	_, err := m.Notify(r.Header.Get("SID"), r.Header.Get("NT"), r.Header.Get("NTS"), r.Header.Get("SEQ"), body)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrUnknownSubscription):
		w.WriteHeader(http.StatusPreconditionFailed)
	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}
