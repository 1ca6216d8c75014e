package intercept

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bft-labs/devrelay/internal/clock"
	"github.com/bft-labs/devrelay/pkg/httpreq"
	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/session"
	"github.com/bft-labs/devrelay/pkg/transport"
	"github.com/bft-labs/devrelay/pkg/value"
)

// Placeholders reported instead of bodies that are not text.
const (
	Redacted       = "[REDACTED]"
	BinaryRequest  = "[Binary/FormData]"
	BinaryResponse = "[Binary Response]"

	// TruncatedResponse replaces a textual body longer than
	// MaxCapturedBody.
	TruncatedResponse = "[Truncated Response]"
)

// Status texts of requests that produced no response.
const (
	StatusNetworkError = "Network Error"
	StatusRequestError = "XHR Error"
	StatusTimeout      = "Timeout"
)

// Network reports HTTP exchanges made through http.RoundTrippers it wraps
// (the client path) and through httpreq Requests it observes (the
// request-object path).
//
// A request-object completion is not reported while a client-path request
// with the same "METHOD:URL" key is in flight, because httpreq.Transport
// runs client-path calls on top of Requests and both would otherwise
// report one exchange. The key is removed when the client-path call
// settles; a completion that arrives after that is reported as well.
type Network struct {
	sender Sender
	clock  clock.Clock
	logger log.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewNetwork returns a Network interceptor reporting to s.
func NewNetwork(s Sender, opts ...Option) *Network {
	o := buildOptions(opts)
	return &Network{
		sender:   s,
		clock:    o.clock,
		logger:   o.logger,
		inflight: make(map[string]struct{}),
	}
}

// RoundTripper wraps next. A nil next wraps http.DefaultTransport.
func (n *Network) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper{network: n, next: next}
}

// Install wraps http.DefaultTransport, which http.DefaultClient and every
// client without its own Transport use.
func (n *Network) Install() (restore func()) {
	prev := http.DefaultTransport
	http.DefaultTransport = n.RoundTripper(prev)

	var once sync.Once
	return func() {
		once.Do(func() { http.DefaultTransport = prev })
	}
}

// Observe starts reporting httpreq Requests.
func (n *Network) Observe() (restore func()) {
	return httpreq.SetObserver(requestObserver{n})
}

// InFlight reports whether a client-path request for method and url has
// not finished reporting yet.
func (n *Network) InFlight(method, url string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.inflight[requestKey(method, url)]
	return ok
}

func requestKey(method, url string) string {
	return method + ":" + url
}

func (n *Network) markInFlight(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inflight[key] = struct{}{}
}

func (n *Network) clearInFlight(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.inflight, key)
}

func (n *Network) send(p transport.NetworkPayload) {
	n.sender.Send(transport.TypeNetwork, p)
}

type roundTripper struct {
	network *Network
	next    http.RoundTripper
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	n := rt.network

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := req.URL.String()
	key := requestKey(method, url)
	n.markInFlight(key)
	start := n.clock.Now()

	p := transport.NetworkPayload{
		RequestID:      session.NewMessageID(),
		URL:            url,
		Method:         method,
		RequestHeaders: captureHeaders(req.Header),
	}
	req, body, err := captureRequestBody(req)
	if err != nil {
		// The request never reaches next; the caller sees the same
		// failure it would without the interceptor.
		n.reportNetworkError(key, start, p, err)
		return nil, err
	}
	p.RequestBody = body

	resp, err := rt.next.RoundTrip(req)
	if err != nil {
		n.reportNetworkError(key, start, p, err)
		return resp, err
	}

	p.Duration = millis(n.clock.Since(start))
	p.Status = resp.StatusCode
	p.StatusText = statusText(resp)
	p.ResponseHeaders = flattenHeaders(resp.Header)
	contentType := resp.Header.Get("Content-Type")

	// An upgraded connection's body is the raw socket and belongs to the
	// caller alone.
	if resp.Body == nil || resp.Body == http.NoBody || resp.StatusCode == http.StatusSwitchingProtocols {
		p.ResponseBody = value.Null()
		n.clearInFlight(key)
		n.send(p)
		return resp, nil
	}

	resp.Body = cloneBody(resp.Body, func(r bodyReport) {
		p.Size = r.size
		p.ResponseBody = responseBodyValue(contentType, r.data)
		if r.truncated && !isBinary(contentType) {
			p.ResponseBody = value.Text(TruncatedResponse)
		}
		if r.err != nil {
			n.logger.Debug("response body read incomplete",
				log.String("url", url),
				log.Err(r.err))
		}
		n.clearInFlight(key)
		n.send(p)
	})
	return resp, nil
}

func (n *Network) reportNetworkError(key string, start time.Time, p transport.NetworkPayload, err error) {
	p.Duration = millis(n.clock.Since(start))
	p.StatusText = StatusNetworkError
	p.Error = err.Error()
	n.clearInFlight(key)
	n.send(p)
}

// captureRequestBody reads the request body for reporting and returns a
// request whose body can still be sent. A failed read is returned so the
// request is not sent with a partial body.
func captureRequestBody(req *http.Request) (*http.Request, value.Value, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req, value.Null(), nil
	}
	contentType := req.Header.Get("Content-Type")

	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err == nil {
			data, err := io.ReadAll(rc)
			rc.Close()
			if err == nil {
				return req, requestBodyValue(contentType, data), nil
			}
		}
	}

	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, value.Null(), err
	}
	clone := req.Clone(req.Context())
	clone.Body = io.NopCloser(bytes.NewReader(data))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return clone, requestBodyValue(contentType, data), nil
}

// requestBodyValue is the parsed JSON body, the raw text when it is not
// JSON, or the binary placeholder.
func requestBodyValue(contentType string, data []byte) value.Value {
	if len(data) == 0 {
		return value.Null()
	}
	if isBinary(contentType) || !utf8.Valid(data) {
		return value.Text(BinaryRequest)
	}
	v, _ := value.ParseBody(string(data))
	return v
}

func responseBodyValue(contentType string, data []byte) value.Value {
	if len(data) == 0 {
		return value.Null()
	}
	if isBinary(contentType) || !utf8.Valid(data) {
		return value.Text(BinaryResponse)
	}
	v, _ := value.ParseBody(string(data))
	return v
}

func isBinary(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch {
	case strings.HasPrefix(mt, "multipart/"),
		strings.HasPrefix(mt, "image/"),
		strings.HasPrefix(mt, "audio/"),
		strings.HasPrefix(mt, "video/"),
		mt == "application/octet-stream",
		mt == "application/pdf",
		mt == "application/zip",
		mt == "application/gzip":
		return true
	}
	return false
}

// captureHeaders flattens request headers, redacting authorization.
func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = redact(name, strings.Join(values, ", "))
	}
	return out
}

func redact(name, v string) string {
	if strings.EqualFold(name, "authorization") {
		return Redacted
	}
	return v
}

// flattenHeaders returns response headers keyed by lower-case name.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[strings.ToLower(name)] = strings.Join(values, ", ")
	}
	return out
}

func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// requestCall is what Network remembers about one httpreq Request.
type requestCall struct {
	requestID string
	method    string
	url       string
	headers   map[string]string
	body      value.Value
	start     time.Time
}

func (c *requestCall) payload(d time.Duration) transport.NetworkPayload {
	headers := make(map[string]string, len(c.headers))
	for k, v := range c.headers {
		headers[k] = v
	}
	return transport.NetworkPayload{
		RequestID:      c.requestID,
		URL:            c.url,
		Method:         c.method,
		Duration:       millis(d),
		RequestHeaders: headers,
		RequestBody:    c.body,
	}
}

// requestObserver implements httpreq.Observer. Each Request carries its
// own requestCall, so an opened Request that is never sent leaves nothing
// behind.
type requestObserver struct {
	n *Network
}

func callOf(r *httpreq.Request) *requestCall {
	call, _ := r.ObserverData().(*requestCall)
	return call
}

func (o requestObserver) Open(r *httpreq.Request, method, url string) {
	r.SetObserverData(&requestCall{
		requestID: session.NewMessageID(),
		method:    method,
		url:       url,
		headers:   make(map[string]string),
	})
}

func (o requestObserver) SetRequestHeader(r *httpreq.Request, name, v string) {
	call := callOf(r)
	if call == nil {
		return
	}
	o.n.mu.Lock()
	defer o.n.mu.Unlock()
	call.headers[name] = redact(name, v)
}

func (o requestObserver) Send(r *httpreq.Request, body []byte) {
	n := o.n
	call := callOf(r)
	if call == nil {
		return
	}

	call.start = n.clock.Now()
	call.body = requestBodyValue(r.RequestHeader().Get("Content-Type"), body)

	r.AddEventListener(httpreq.EventLoad, func(r *httpreq.Request) { n.reportLoad(call, r) })
	r.AddEventListener(httpreq.EventError, func(r *httpreq.Request) {
		msg := "Request failed"
		if err := r.Err(); err != nil {
			msg = err.Error()
		}
		n.reportFailure(call, StatusRequestError, msg)
	})
	r.AddEventListener(httpreq.EventTimeout, func(r *httpreq.Request) {
		n.reportFailure(call, StatusTimeout, "Request timed out")
	})
}

func (n *Network) callPayload(call *requestCall) transport.NetworkPayload {
	d := n.clock.Since(call.start)
	n.mu.Lock()
	defer n.mu.Unlock()
	return call.payload(d)
}

func (n *Network) reportLoad(call *requestCall, r *httpreq.Request) {
	if n.InFlight(call.method, call.url) {
		return
	}

	p := n.callPayload(call)
	p.Status = r.Status()
	p.StatusText = r.StatusText()
	p.ResponseHeaders = flattenHeaders(r.ResponseHeader())

	switch r.ResponseType() {
	case httpreq.ResponseDefault, httpreq.ResponseText:
		text := r.ResponseText()
		p.Size = int64(len(text))
		if text == "" {
			p.ResponseBody = value.Null()
		} else {
			p.ResponseBody, _ = value.ParseBody(text)
		}
	case httpreq.ResponseJSON:
		p.ResponseBody = value.Sanitize(r.Response())
	default:
		p.ResponseBody = value.Text(BinaryResponse)
	}
	n.send(p)
}

func (n *Network) reportFailure(call *requestCall, statusText, msg string) {
	if n.InFlight(call.method, call.url) {
		return
	}
	p := n.callPayload(call)
	p.StatusText = statusText
	p.Error = msg
	n.send(p)
}
