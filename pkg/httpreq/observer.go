package httpreq

import "sync"

// Observer is notified of the configuration steps of every Request in the
// process. Hooks run synchronously on the caller's goroutine, before the
// step takes effect on the wire. Send is the place to attach listeners.
type Observer interface {
	Open(r *Request, method, url string)
	SetRequestHeader(r *Request, name, value string)
	Send(r *Request, body []byte)
}

var (
	observerMu sync.RWMutex
	observer   Observer
)

// SetObserver installs o as the process-wide Observer and returns a
// function that reinstates the previous one. A nil o removes observation.
func SetObserver(o Observer) (restore func()) {
	observerMu.Lock()
	prev := observer
	observer = o
	observerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			observerMu.Lock()
			observer = prev
			observerMu.Unlock()
		})
	}
}

func currentObserver() Observer {
	observerMu.RLock()
	defer observerMu.RUnlock()
	return observer
}
