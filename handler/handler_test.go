package handler

import (
	"context"
	"errors"
	"testing"

	"oss.nandlabs.io/golly/data"
)

func TestResolveUsesDefaultWhenUnregistered(t *testing.T) {
	r := NewRegistry()
	called := false
	if err := r.SetDefaultHandler(HandlerFunc(func(ctx context.Context, rec Delivery) error {
		called = true
		return nil
	})); err != nil {
		t.Fatalf("SetDefaultHandler: %v", err)
	}

	h, err := r.Resolve("unknown.handler")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := h.Handle(context.Background(), Delivery{}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !called {
		t.Fatal("expected default handler to be invoked")
	}
}

func TestResolveErrorsWithoutFallback(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("unknown.handler"); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("expected ErrUnresolved, got %v", err)
	}
}

func TestSetDefaultHandlerTwiceFails(t *testing.T) {
	r := NewRegistry()
	noop := HandlerFunc(func(ctx context.Context, rec Delivery) error { return nil })
	if err := r.SetDefaultHandler(noop); err != nil {
		t.Fatalf("first SetDefaultHandler: %v", err)
	}
	if err := r.SetDefaultHandler(noop); !errors.Is(err, ErrDuplicateDefaultHandler) {
		t.Fatalf("expected ErrDuplicateDefaultHandler, got %v", err)
	}
}

func TestSetFailureHandlerTwiceFails(t *testing.T) {
	r := NewRegistry()
	fb := failureFunc(func(ctx context.Context, rec Delivery, cause error) {})
	if err := r.SetFailureHandler("charge-card", fb); err != nil {
		t.Fatalf("first SetFailureHandler: %v", err)
	}
	if err := r.SetFailureHandler("charge-card", fb); !errors.Is(err, ErrDuplicateFailureHandler) {
		t.Fatalf("expected ErrDuplicateFailureHandler, got %v", err)
	}
	if err := r.SetFailureHandler("send-email", fb); err != nil {
		t.Fatalf("SetFailureHandler for a different handlerID: %v", err)
	}
}

// failureFunc adapts a plain func to FailureHandler.
type failureFunc func(ctx context.Context, rec Delivery, cause error)

func (f failureFunc) HandleFailure(ctx context.Context, rec Delivery, cause error) {
	f(ctx, rec, cause)
}

func TestFailureHandlerForPrefersExplicitRegistration(t *testing.T) {
	r := NewRegistry()
	r.Register("h", HandlerFunc(func(ctx context.Context, rec Delivery) error { return nil }))
	var invoked bool
	if err := r.SetFailureHandler("h", failureFunc(func(ctx context.Context, rec Delivery, cause error) {
		invoked = true
	})); err != nil {
		t.Fatalf("SetFailureHandler: %v", err)
	}

	fh, ok := r.FailureHandlerFor("h")
	if !ok {
		t.Fatal("expected a failure handler for h")
	}
	fh.HandleFailure(context.Background(), Delivery{}, errors.New("boom"))
	if !invoked {
		t.Fatal("expected the explicitly registered failure handler to run")
	}
}

func TestDispatchPrefersRegisteredHandlerOverDefault(t *testing.T) {
	r := NewRegistry()
	var invoked string
	r.Register("charge-card", HandlerFunc(func(ctx context.Context, rec Delivery) error {
		invoked = "charge-card"
		return nil
	}))
	_ = r.SetDefaultHandler(HandlerFunc(func(ctx context.Context, rec Delivery) error {
		invoked = "default"
		return nil
	}))

	if err := r.Dispatch(context.Background(), "charge-card", Delivery{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if invoked != "charge-card" {
		t.Fatalf("expected charge-card handler invoked, got %q", invoked)
	}
}

func TestDeliveryInterceptorsWrapOutermostFirst(t *testing.T) {
	r := NewRegistry()
	var order []string
	r.Register("h", HandlerFunc(func(ctx context.Context, rec Delivery) error {
		order = append(order, "handler")
		return nil
	}))
	r.UseDelivery(DeliveryInterceptorFunc(func(ctx context.Context, rec Delivery, next Handler) error {
		order = append(order, "outer-before")
		err := next.Handle(ctx, rec)
		order = append(order, "outer-after")
		return err
	}))
	r.UseDelivery(DeliveryInterceptorFunc(func(ctx context.Context, rec Delivery, next Handler) error {
		order = append(order, "inner-before")
		err := next.Handle(ctx, rec)
		order = append(order, "inner-after")
		return err
	}))

	if err := r.Dispatch(context.Background(), "h", Delivery{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	expected := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	if len(order) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, order)
		}
	}
}

func TestCreationChainStopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	errBoom := errors.New("boom")
	var ranSecond bool
	r.Use(CreationInterceptorFunc(func(ctx context.Context, p data.Pipeline) error {
		return errBoom
	}))
	r.Use(CreationInterceptorFunc(func(ctx context.Context, p data.Pipeline) error {
		ranSecond = true
		return nil
	}))

	p := data.NewPipeline("rec-1")
	if err := r.RunCreationChain(context.Background(), p); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if ranSecond {
		t.Fatal("expected chain to stop after first interceptor's error")
	}
}
