// Package httpreq provides an event-driven, request-object HTTP API.
//
// A Request is opened with a method and URL, given headers, then sent. Its
// outcome is delivered to listeners registered for the load, error and
// timeout events, and remains readable through the Request's response
// accessors:
//
//	r := httpreq.New()
//	r.Open("GET", "http://localhost:8080/todos")
//	r.SetRequestHeader("Accept", "application/json")
//	r.AddEventListener(httpreq.EventLoad, func(r *httpreq.Request) {
//		fmt.Println(r.Status(), r.ResponseText())
//	})
//	err := r.Send(ctx, nil)
//
// Code that wants to observe every Request in the process registers an
// Observer with SetObserver.
package httpreq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Errors returned by Request methods.
var (
	ErrInvalidState = errors.New("httpreq: request is not opened or was already sent")
	ErrTimeout      = errors.New("httpreq: request timed out")
)

// Event names a request lifecycle event.
type Event string

const (
	EventLoad    Event = "load"
	EventError   Event = "error"
	EventTimeout Event = "timeout"
	EventLoadEnd Event = "loadend"
)

// ReadyState is the progress of a Request.
type ReadyState int

const (
	StateUnsent ReadyState = iota
	StateOpened
	StateHeadersReceived
	StateLoading
	StateDone
)

// ResponseType selects how the response body is exposed.
type ResponseType string

const (
	ResponseDefault     ResponseType = ""
	ResponseText        ResponseType = "text"
	ResponseJSON        ResponseType = "json"
	ResponseArrayBuffer ResponseType = "arraybuffer"
)

// Listener is called when an event fires. Listeners run on the goroutine
// that called Send, in registration order.
type Listener func(r *Request)

// DefaultClient performs requests for Requests created by New. It holds
// the process's default transport as it was at startup, so replacing
// http.DefaultTransport later does not affect Requests.
var DefaultClient = &http.Client{Transport: http.DefaultTransport}

// Request is a single HTTP exchange. It is not reusable: open it, send it
// once, read the outcome.
type Request struct {
	client *http.Client

	mu           sync.Mutex
	method       string
	url          string
	header       http.Header
	timeout      time.Duration
	responseType ResponseType
	state        ReadyState
	sent         bool
	listeners    map[Event][]Listener
	observed     any

	status     int
	statusText string
	respHeader http.Header
	body       []byte
	err        error
}

// New returns an unsent Request that uses DefaultClient.
func New() *Request {
	return NewWithClient(DefaultClient)
}

// NewWithClient returns an unsent Request that uses client.
func NewWithClient(client *http.Client) *Request {
	if client == nil {
		client = DefaultClient
	}
	return &Request{
		client:    client,
		header:    make(http.Header),
		listeners: make(map[Event][]Listener),
	}
}

// Open sets the method and URL. It resets headers of a previous Open.
func (r *Request) Open(method, url string) {
	r.mu.Lock()
	r.method = method
	r.url = url
	r.header = make(http.Header)
	r.state = StateOpened
	r.sent = false
	r.observed = nil
	r.mu.Unlock()

	if o := currentObserver(); o != nil {
		o.Open(r, method, url)
	}
}

// SetObserverData attaches v to r for the Observer. It lives as long as
// r and is cleared by the next Open.
func (r *Request) SetObserverData(v any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = v
}

// ObserverData returns what the Observer attached with SetObserverData.
func (r *Request) ObserverData() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.observed
}

// SetRequestHeader adds a request header. Repeated names are combined.
func (r *Request) SetRequestHeader(name, value string) {
	r.mu.Lock()
	r.header.Add(name, value)
	r.mu.Unlock()

	if o := currentObserver(); o != nil {
		o.SetRequestHeader(r, name, value)
	}
}

// SetTimeout bounds the whole exchange. Zero means no timeout.
func (r *Request) SetTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout = d
}

// SetResponseType selects how Response exposes the body.
func (r *Request) SetResponseType(t ResponseType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseType = t
}

// AddEventListener registers fn for ev.
func (r *Request) AddEventListener(ev Event, fn Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[ev] = append(r.listeners[ev], fn)
}

// Send performs the request and blocks until it completes. Listeners for
// the outcome run before Send returns. The returned error is the transport
// error, if any; HTTP error statuses are not errors.
func (r *Request) Send(ctx context.Context, body []byte) error {
	r.mu.Lock()
	if r.state != StateOpened || r.sent {
		r.mu.Unlock()
		return ErrInvalidState
	}
	r.sent = true
	method, url, timeout := r.method, r.url, r.timeout
	header := r.header.Clone()
	r.mu.Unlock()

	if o := currentObserver(); o != nil {
		o.Send(r, body)
	}

	sendCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(sendCtx, method, url, reader)
	if err != nil {
		r.fail(EventError, err)
		return err
	}
	req.Header = header

	resp, err := r.client.Do(req)
	if err != nil {
		return r.failDo(ctx, sendCtx, err)
	}
	defer resp.Body.Close()

	r.mu.Lock()
	r.state = StateHeadersReceived
	r.status = resp.StatusCode
	r.statusText = reasonPhrase(resp)
	r.respHeader = resp.Header.Clone()
	r.state = StateLoading
	r.mu.Unlock()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.failDo(ctx, sendCtx, err)
	}

	r.mu.Lock()
	r.body = data
	r.state = StateDone
	r.mu.Unlock()

	r.dispatch(EventLoad)
	r.dispatch(EventLoadEnd)
	return nil
}

func (r *Request) failDo(parent, sendCtx context.Context, err error) error {
	if sendCtx.Err() == context.DeadlineExceeded && parent.Err() == nil {
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
		r.fail(EventTimeout, err)
		return err
	}
	r.fail(EventError, err)
	return err
}

func (r *Request) fail(ev Event, err error) {
	r.mu.Lock()
	r.state = StateDone
	r.status = 0
	r.statusText = ""
	r.err = err
	r.mu.Unlock()

	r.dispatch(ev)
	r.dispatch(EventLoadEnd)
}

func (r *Request) dispatch(ev Event) {
	r.mu.Lock()
	fns := append([]Listener(nil), r.listeners[ev]...)
	r.mu.Unlock()

	for _, fn := range fns {
		fn(r)
	}
}

// Method returns the method given to Open.
func (r *Request) Method() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.method
}

// URL returns the URL given to Open.
func (r *Request) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// RequestHeader returns a copy of the headers set so far.
func (r *Request) RequestHeader() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header.Clone()
}

// ReadyState returns the progress of the request.
func (r *Request) ReadyState() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the HTTP status code, or 0 before a response or after a
// transport failure.
func (r *Request) Status() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// StatusText returns the HTTP reason phrase.
func (r *Request) StatusText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusText
}

// ResponseType returns the configured response type.
func (r *Request) ResponseType() ResponseType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responseType
}

// ResponseText returns the body as text. It is empty unless the response
// type is the default or text.
func (r *Request) ResponseText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.responseType != ResponseDefault && r.responseType != ResponseText {
		return ""
	}
	return string(r.body)
}

// ResponseBytes returns the raw body regardless of response type.
func (r *Request) ResponseBytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.body...)
}

// Response returns the body according to the response type: a string for
// the default and text types, the decoded document for json (nil if the
// body is not valid JSON) and a byte slice otherwise.
func (r *Request) Response() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.responseType {
	case ResponseDefault, ResponseText:
		return string(r.body)
	case ResponseJSON:
		var v any
		if err := json.Unmarshal(r.body, &v); err != nil {
			return nil
		}
		return v
	default:
		return append([]byte(nil), r.body...)
	}
}

// ResponseHeader returns a copy of the response headers.
func (r *Request) ResponseHeader() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.respHeader.Clone()
}

// GetAllResponseHeaders returns the response headers as lower-case
// "name: value" lines separated by CRLF, sorted by name.
func (r *Request) GetAllResponseHeaders() string {
	h := r.ResponseHeader()
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(strings.ToLower(name))
		b.WriteString(": ")
		b.WriteString(strings.Join(h[name], ", "))
		b.WriteString("\r\n")
	}
	return b.String()
}

// Err returns the transport error of a failed request.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// reasonPhrase extracts "Not Found" from "404 Not Found".
func reasonPhrase(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
