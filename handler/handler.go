// Package handler routes outbox records to the code that delivers them, and
// runs the interceptor chains that run around scheduling and dispatch.
// Registration is backed by managers.ItemManager, the same generic
// name-to-item registry the rest of the module uses for side-adapters.
package handler

import (
	"context"
	"errors"
	"fmt"

	"oss.nandlabs.io/golly/data"
	"oss.nandlabs.io/golly/managers"
	"oss.nandlabs.io/outboxd/retry"
)

// Handler delivers a single outbox record. A nil error marks the record
// Completed; a non-nil error is evaluated against the retry policy to decide
// between Retry and Fail.
type Handler interface {
	// Handle delivers payload for the given record key and record type.
	Handle(ctx context.Context, rec Delivery) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, rec Delivery) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, rec Delivery) error { return f(ctx, rec) }

// Delivery is what a Handler receives for one record.
type Delivery struct {
	ID           string
	Key          string
	RecordType   string
	Payload      []byte
	Context      map[string]string
	FailureCount int
}

// FailureHandler is an optional capability a registered Handler may also
// implement, invoked once a record has been marked Failed (retries
// exhausted or a non-retryable error), so an application can react to a
// terminal failure (alerting, compensating action) outside the retry loop.
type FailureHandler interface {
	HandleFailure(ctx context.Context, rec Delivery, cause error)
}

// PolicyProvider is an optional capability a Handler may implement to
// override the module-wide default retry policy for every record routed to
// it.
type PolicyProvider interface {
	RetryPolicy() retry.Policy
}

// ErrDuplicateDefaultHandler is returned by Registry.SetDefaultHandler when
// a default handler has already been registered; exactly one may exist.
var ErrDuplicateDefaultHandler = errors.New("handler: default handler already registered")

// ErrDuplicateFailureHandler is returned by Registry.SetFailureHandler when
// a fallback is already registered for the same handlerID. Startup wiring
// must fail fast rather than silently replace it.
var ErrDuplicateFailureHandler = errors.New("handler: failure handler already registered for this handlerID")

// ErrUnresolved is returned by Resolve when handlerID names no registered
// handler and no fallback is configured either.
var ErrUnresolved = errors.New("handler: no handler registered for this record and no fallback configured")

// CreationInterceptor runs while a record is being scheduled, before it is
// persisted, and may enrich or reject the record. data.Pipeline carries the
// in-flight record fields as a mutable key-value bag so interceptors can
// read and amend them without a dedicated type per concern.
type CreationInterceptor interface {
	BeforePersist(ctx context.Context, p data.Pipeline) error
}

// CreationInterceptorFunc adapts a plain function to CreationInterceptor.
type CreationInterceptorFunc func(ctx context.Context, p data.Pipeline) error

// BeforePersist implements CreationInterceptor.
func (f CreationInterceptorFunc) BeforePersist(ctx context.Context, p data.Pipeline) error {
	return f(ctx, p)
}

// DeliveryInterceptor runs around every dispatch attempt, outermost first,
// the way an HTTP middleware chain wraps a handler. Implementations call
// next themselves, so they can run logic both before and after delivery, or
// suppress the call entirely.
type DeliveryInterceptor interface {
	Around(ctx context.Context, rec Delivery, next Handler) error
}

// DeliveryInterceptorFunc adapts a plain function to DeliveryInterceptor.
type DeliveryInterceptorFunc func(ctx context.Context, rec Delivery, next Handler) error

// Around implements DeliveryInterceptor.
func (f DeliveryInterceptorFunc) Around(ctx context.Context, rec Delivery, next Handler) error {
	return f(ctx, rec, next)
}

// Registry resolves a record's opaque handlerID to the Handler that should
// deliver it. handlerID is never parsed or interpreted; it is only ever
// compared for equality against the names Handlers were registered under.
type Registry struct {
	items      managers.ItemManager[Handler]
	failures   map[string]FailureHandler
	defHandler Handler
	hasDefault bool

	creationChain []CreationInterceptor
	deliveryChain []DeliveryInterceptor
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		items:    managers.NewItemManager[Handler](),
		failures: make(map[string]FailureHandler),
	}
}

// Register associates handlerID with h. Registering under an ID that is
// already in use replaces the previous handler.
func (r *Registry) Register(handlerID string, h Handler) {
	r.items.Register(handlerID, h)
}

// SetDefaultHandler registers the single handler used for records whose
// handlerID does not resolve. Calling it twice returns
// ErrDuplicateDefaultHandler so a project can't silently shadow an earlier
// default.
func (r *Registry) SetDefaultHandler(h Handler) error {
	if r.hasDefault {
		return ErrDuplicateDefaultHandler
	}
	r.defHandler = h
	r.hasDefault = true
	return nil
}

// Use appends a creation interceptor to the end of the chain run by
// RunCreationChain, in registration order.
func (r *Registry) Use(i CreationInterceptor) {
	r.creationChain = append(r.creationChain, i)
}

// UseDelivery appends a delivery interceptor. The first interceptor
// registered is outermost: it wraps every interceptor after it, then the
// resolved Handler.
func (r *Registry) UseDelivery(i DeliveryInterceptor) {
	r.deliveryChain = append(r.deliveryChain, i)
}

// Resolve returns the Handler registered for handlerID, falling back to the
// configured default handler if handlerID is unresolved. It returns
// ErrUnresolved if neither resolves; callers (the dispatch loop) must treat
// that as "wait, don't fail": an unresolved handler is presumed to be a
// deployment-ordering problem, not a permanent error.
func (r *Registry) Resolve(handlerID string) (Handler, error) {
	if h := r.items.Get(handlerID); h != nil {
		return h, nil
	}
	if r.hasDefault {
		return r.defHandler, nil
	}
	return nil, fmt.Errorf("%w (handlerID=%q)", ErrUnresolved, handlerID)
}

// SetFailureHandler registers the fallback invoked once when a record
// routed to handlerID moves to Failed. A second registration for the same
// handlerID returns ErrDuplicateFailureHandler.
func (r *Registry) SetFailureHandler(handlerID string, fh FailureHandler) error {
	if _, exists := r.failures[handlerID]; exists {
		return fmt.Errorf("%w (handlerID=%q)", ErrDuplicateFailureHandler, handlerID)
	}
	r.failures[handlerID] = fh
	return nil
}

// FailureHandlerFor returns the fallback for handlerID: an explicitly
// registered one wins, then the resolved Handler itself if it implements
// the optional FailureHandler capability.
func (r *Registry) FailureHandlerFor(handlerID string) (FailureHandler, bool) {
	if fh, ok := r.failures[handlerID]; ok {
		return fh, true
	}
	h, err := r.Resolve(handlerID)
	if err != nil {
		return nil, false
	}
	fh, ok := h.(FailureHandler)
	return fh, ok
}

// PolicyFor returns the retry policy the handler registered under handlerID
// declares for itself, if it implements PolicyProvider.
func (r *Registry) PolicyFor(handlerID string) (retry.Policy, bool) {
	h, err := r.Resolve(handlerID)
	if err != nil {
		return nil, false
	}
	pp, ok := h.(PolicyProvider)
	if !ok {
		return nil, false
	}
	return pp.RetryPolicy(), true
}

// RunCreationChain runs every registered CreationInterceptor in order against p,
// stopping at the first error.
func (r *Registry) RunCreationChain(ctx context.Context, p data.Pipeline) error {
	for _, i := range r.creationChain {
		if err := i.BeforePersist(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Dispatch resolves handlerID and invokes it wrapped in every registered
// DeliveryInterceptor, outermost first.
func (r *Registry) Dispatch(ctx context.Context, handlerID string, rec Delivery) error {
	h, err := r.Resolve(handlerID)
	if err != nil {
		return err
	}
	wrapped := h
	for i := len(r.deliveryChain) - 1; i >= 0; i-- {
		interceptor := r.deliveryChain[i]
		inner := wrapped
		wrapped = HandlerFunc(func(ctx context.Context, rec Delivery) error {
			return interceptor.Around(ctx, rec, inner)
		})
	}
	return wrapped.Handle(ctx, rec)
}
