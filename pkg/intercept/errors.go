package intercept

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
)

// Errors reports failures the application did not handle: panics,
// errors returned from background goroutines and values passed to the
// process-level fatal Handler.
type Errors struct {
	sender Sender
	logger log.Logger
}

// NewErrors returns an Errors interceptor reporting to s.
func NewErrors(s Sender, opts ...Option) *Errors {
	o := buildOptions(opts)
	return &Errors{sender: s, logger: o.logger}
}

// Guard reports a panic in progress and re-panics with the same value.
// It must be deferred directly:
//
//	defer errs.Guard()
func (e *Errors) Guard() {
	if r := recover(); r != nil {
		e.ReportPanic(r, panicSite(), string(debug.Stack()))
		panic(r)
	}
}

// Go runs fn on a new goroutine. A panic is reported and re-raised; a
// returned error nobody else observes is reported as a rejection.
func (e *Errors) Go(fn func() error) {
	go func() {
		defer e.Guard()
		if err := fn(); err != nil {
			e.ReportRejection(err)
		}
	}()
}

// ReportPanic reports an uncaught panic value. site is the file:line the
// panic was raised at, if known.
func (e *Errors) ReportPanic(v any, site runtime.Frame, stack string) {
	p := transport.ErrorPayload{
		Message:  messageOf(v, "Uncaught Error"),
		Name:     nameOf(v),
		Stack:    stack,
		Filename: site.File,
		Lineno:   site.Line,
	}
	if s := stackOf(v); s != "" {
		p.Stack = s
	}
	e.sender.Send(transport.TypeError, p)
}

// ReportRejection reports a failure that completed without an observer.
func (e *Errors) ReportRejection(reason any) {
	e.sender.Send(transport.TypeError, transport.ErrorPayload{
		Message: messageOf(reason, "Unhandled Rejection"),
		Stack:   stackOf(reason),
		Type:    transport.ErrorUnhandledRejection,
	})
}

// Handler receives values that end, or would end, the process.
type Handler func(v any, isFatal bool)

// Chain returns a Handler that reports v and then always calls prev with
// the same arguments. A failure while reporting is swallowed.
func (e *Errors) Chain(prev Handler) Handler {
	return func(v any, isFatal bool) {
		e.reportFatal(v, isFatal)
		if prev != nil {
			prev(v, isFatal)
		}
	}
}

func (e *Errors) reportFatal(v any, isFatal bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug("fatal error report failed", log.Any("panic", r))
		}
	}()
	fatal := isFatal
	e.sender.Send(transport.TypeError, transport.ErrorPayload{
		Message: messageOf(v, "Unhandled Error"),
		Stack:   stackOf(v),
		Type:    transport.ErrorFatal,
		IsFatal: &fatal,
	})
}

// InstallGlobalHandler chains the process Handler through e.
func (e *Errors) InstallGlobalHandler() (restore func()) {
	prev := SetGlobalHandler(e.Chain(GlobalHandler()))

	var once sync.Once
	return func() {
		once.Do(func() { SetGlobalHandler(prev) })
	}
}

var (
	handlerMu     sync.RWMutex
	globalHandler Handler = DefaultHandler
)

// DefaultHandler prints v to stderr and panics with it when fatal.
func DefaultHandler(v any, isFatal bool) {
	fmt.Fprintf(os.Stderr, "error: %v\n", v)
	if isFatal {
		panic(v)
	}
}

// SetGlobalHandler replaces the process Handler and returns the previous
// one. A nil h restores DefaultHandler.
func SetGlobalHandler(h Handler) (prev Handler) {
	if h == nil {
		h = DefaultHandler
	}
	handlerMu.Lock()
	defer handlerMu.Unlock()
	prev, globalHandler = globalHandler, h
	return prev
}

// GlobalHandler returns the process Handler.
func GlobalHandler() Handler {
	handlerMu.RLock()
	defer handlerMu.RUnlock()
	return globalHandler
}

// RecoverFatal hands a panic in progress to the process Handler as fatal.
// Defer it at the top of main or of a goroutine:
//
//	defer intercept.RecoverFatal()
func RecoverFatal() {
	if r := recover(); r != nil {
		GlobalHandler()(r, true)
	}
}

func messageOf(v any, fallback string) string {
	var msg string
	switch t := v.(type) {
	case nil:
	case error:
		msg = t.Error()
	case string:
		msg = t
	case fmt.Stringer:
		msg = t.String()
	default:
		msg = fmt.Sprint(t)
	}
	if msg == "" {
		return fallback
	}
	return msg
}

func nameOf(v any) string {
	var rerr runtime.Error
	switch t := v.(type) {
	case error:
		if errors.As(t, &rerr) {
			return "runtime.Error"
		}
		return fmt.Sprintf("%T", t)
	case nil:
		return ""
	}
	return "panic"
}

// panicSite finds the frame that raised the panic being recovered: the
// first frame below the deferred call that is outside the runtime.
func panicSite() runtime.Frame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") && !strings.HasSuffix(f.Function, ".Guard") {
			return f
		}
		if !more {
			return runtime.Frame{}
		}
	}
}
