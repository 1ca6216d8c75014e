package intercept

import (
	"reflect"
	"sort"
	"sync"

	"github.com/bft-labs/devrelay/pkg/log"
	"github.com/bft-labs/devrelay/pkg/transport"
	"github.com/bft-labs/devrelay/pkg/value"
)

// Store name and action type reported by the dispatch middleware.
const (
	MiddlewareStoreName = "Redux"
	DefaultStoreName    = "Store"
	ActionStateChange   = "state_change"
	ActionUnknown       = "unknown"
)

// StateReader is a store whose current state can be read.
type StateReader interface {
	GetState() any
}

// Subscribable is a store that notifies listeners of new states.
type Subscribable interface {
	StateReader
	Subscribe(listener func(state any)) (unsubscribe func())
}

// ActionTyper is an action that names its own type.
type ActionTyper interface {
	ActionType() string
}

// Dispatch sends one action through a store pipeline.
type Dispatch func(action any) any

// Stage is one dispatch middleware.
type Stage func(next Dispatch) Dispatch

// Stores reports state changes of application stores.
type Stores struct {
	sender Sender
	logger log.Logger
}

// NewStores returns a Stores interceptor reporting to s.
func NewStores(s Sender, opts ...Option) *Stores {
	o := buildOptions(opts)
	return &Stores{sender: s, logger: o.logger}
}

// Middleware returns a dispatch Stage for store. Each dispatched action is
// reported with the state before and after it. A panic from next
// propagates and nothing is reported.
//
// A store without GetState is a usage error: it is logged and the
// returned Stage forwards actions untouched.
func (s *Stores) Middleware(store any) Stage {
	reader, ok := store.(StateReader)
	if !ok || isNil(store) {
		s.logger.Error("store middleware requires a store with GetState() any",
			log.String("type", typeName(store)))
		return func(next Dispatch) Dispatch { return next }
	}

	return func(next Dispatch) Dispatch {
		return func(action any) any {
			prev := value.Sanitize(reader.GetState())
			result := next(action)
			nextState := value.Sanitize(reader.GetState())
			sanitized := value.Sanitize(action)

			s.sender.Send(transport.TypeState, transport.StatePayload{
				StoreName:  MiddlewareStoreName,
				ActionType: actionType(action),
				Action:     &sanitized,
				PrevState:  prev,
				NextState:  nextState,
			})
			return result
		}
	}
}

// TrackStore reports every state store publishes under name. An empty
// name reports as DefaultStoreName. A store without GetState and
// Subscribe is logged and ignored.
func (s *Stores) TrackStore(store any, name string) (unsubscribe func()) {
	if name == "" {
		name = DefaultStoreName
	}
	sub, ok := store.(Subscribable)
	if !ok || isNil(store) {
		s.logger.Error("store tracking requires GetState() and Subscribe()",
			log.String("store", name),
			log.String("type", typeName(store)))
		return func() {}
	}
	return s.track(sub, name)
}

// TrackStores tracks every valid store in stores. Invalid entries are
// skipped with a warning. The returned func unsubscribes them all; each
// store's subscription is independent of the others.
func (s *Stores) TrackStores(stores map[string]any) (unsubscribe func()) {
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	sort.Strings(names)

	var unsubs []func()
	for _, name := range names {
		sub, ok := stores[name].(Subscribable)
		if !ok || isNil(stores[name]) {
			s.logger.Warn("skipping invalid store, missing GetState or Subscribe",
				log.String("store", name))
			continue
		}
		unsubs = append(unsubs, s.track(sub, name))
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, fn := range unsubs {
				fn()
			}
		})
	}
}

func (s *Stores) track(store Subscribable, name string) func() {
	var mu sync.Mutex
	prev := value.Sanitize(store.GetState())

	unsubscribe := store.Subscribe(func(state any) {
		next := value.Sanitize(state)

		mu.Lock()
		before := prev
		prev = next
		mu.Unlock()

		s.sender.Send(transport.TypeState, transport.StatePayload{
			StoreName:  name,
			ActionType: ActionStateChange,
			PrevState:  before,
			NextState:  next,
		})
	})
	if unsubscribe == nil {
		return func() {}
	}
	return unsubscribe
}

// actionType reads the type of an action from an ActionType method, a
// "type" map key or a Type struct field.
func actionType(action any) string {
	if a, ok := action.(ActionTyper); ok {
		if t := a.ActionType(); t != "" {
			return t
		}
	}

	rv := reflect.ValueOf(action)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return ActionUnknown
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		for _, key := range []string{"type", "Type"} {
			v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
			if s, ok := stringOf(v); ok {
				return s
			}
		}
	case reflect.Struct:
		if s, ok := stringOf(rv.FieldByName("Type")); ok {
			return s
		}
	}
	return ActionUnknown
}

func stringOf(v reflect.Value) (string, bool) {
	for v.IsValid() && v.Kind() == reflect.Interface {
		if v.IsNil() {
			return "", false
		}
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.String || v.String() == "" {
		return "", false
	}
	return v.String(), true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
