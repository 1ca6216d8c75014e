package httpreq

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Transport is an http.RoundTripper that performs each request through a
// Request. It lets http.Client code run on top of the request-object API,
// so an Observer sees those calls too.
type Transport struct {
	// Client performs the underlying Requests. Nil means DefaultClient.
	Client *http.Client
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("httpreq: read request body: %w", err)
		}
		body = data
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r := NewWithClient(t.Client)
	r.Open(method, req.URL.String())
	for name, values := range req.Header {
		for _, v := range values {
			r.SetRequestHeader(name, v)
		}
	}

	if err := r.Send(req.Context(), body); err != nil {
		return nil, err
	}

	data := r.ResponseBytes()
	status := r.Status()
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + r.StatusText(),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.ResponseHeader(),
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       req,
	}, nil
}
