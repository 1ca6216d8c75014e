package intercept

import (
	"errors"
	"io"
	"sync"
)

var errBodyClosed = errors.New("intercept: read on closed response body")

// MaxCapturedBody bounds the bytes of one response body kept for reporting.
const MaxCapturedBody = 1 << 20

const (
	fillChunk = 32 << 10

	// maxPending bounds bytes read ahead of the application. The
	// background read waits for the caller once it is reached.
	maxPending = 1 << 20
)

// bodyReport is what the reporter learns about one response body.
type bodyReport struct {
	data      []byte // at most MaxCapturedBody
	size      int64  // bytes read from the wire
	truncated bool
	err       error
}

// sharedBody reads a response body ahead of the application on its own
// goroutine. Bytes the application has read are dropped; at most
// MaxCapturedBody of them are kept for the report.
type sharedBody struct {
	src       io.ReadCloser
	closeOnce sync.Once
	onDone    func(bodyReport)

	mu        sync.Mutex
	cond      *sync.Cond
	pending   []byte
	captured  []byte
	size      int64
	truncated bool
	reported  bool
	done      bool
	closed    bool
	err       error
}

// cloneBody returns a reader over the same bytes as src. onDone is called
// once: when src is exhausted, fails or is closed, or as soon as the body
// outgrows MaxCapturedBody.
func cloneBody(src io.ReadCloser, onDone func(bodyReport)) io.ReadCloser {
	s := &sharedBody{src: src, onDone: onDone}
	s.cond = sync.NewCond(&s.mu)
	go s.fill()
	return &callerBody{shared: s}
}

func (s *sharedBody) fill() {
	chunk := make([]byte, fillChunk)
	for {
		s.mu.Lock()
		for len(s.pending) >= maxPending && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.done = true
			if s.err == nil {
				s.err = errBodyClosed
			}
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()

		n, err := s.src.Read(chunk)

		s.mu.Lock()
		if !s.closed {
			s.pending = append(s.pending, chunk[:n]...)
		}
		s.capture(chunk[:n])
		if err != nil {
			s.done = true
			s.err = err
		}
		truncated := s.truncated
		s.cond.Broadcast()
		s.mu.Unlock()

		if truncated {
			s.report()
		}
		if err != nil {
			break
		}
	}
	s.closeSrc()
	s.report()
}

// capture keeps p for the report up to MaxCapturedBody.
func (s *sharedBody) capture(p []byte) {
	s.size += int64(len(p))
	if s.reported {
		return
	}
	room := MaxCapturedBody - len(s.captured)
	if len(p) > room {
		p = p[:room]
		s.truncated = true
	}
	s.captured = append(s.captured, p...)
}

func (s *sharedBody) report() {
	s.mu.Lock()
	if s.reported {
		s.mu.Unlock()
		return
	}
	s.reported = true
	r := bodyReport{data: s.captured, size: s.size, truncated: s.truncated}
	if s.done && !errors.Is(s.err, io.EOF) {
		r.err = s.err
	}
	s.captured = nil
	s.mu.Unlock()

	s.onDone(r)
}

func (s *sharedBody) closeSrc() {
	s.closeOnce.Do(func() { _ = s.src.Close() })
}

// callerBody is the application's view of a sharedBody.
type callerBody struct {
	shared *sharedBody
	closed bool
}

func (b *callerBody) Read(p []byte) (int, error) {
	s := b.shared
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.closed {
		return 0, errBodyClosed
	}
	for len(s.pending) == 0 && !s.done {
		s.cond.Wait()
	}
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		if len(s.pending) == 0 {
			s.pending = nil
		}
		s.cond.Broadcast()
		return n, nil
	}
	return 0, s.err
}

// Close stops the background read if it is still running.
func (b *callerBody) Close() error {
	s := b.shared
	s.mu.Lock()
	b.closed = true
	s.closed = true
	s.pending = nil
	done := s.done
	s.cond.Broadcast()
	s.mu.Unlock()

	if !done {
		s.closeSrc()
	}
	return nil
}
