// Package http delivers outbox records to an HTTP endpoint, built on
// rest/client: one client.Client per destination, with retry or circuit-
// breaker behavior configured on the client itself rather than
// re-implemented here.
package http

import (
	"context"
	"encoding/json"
	"fmt"

	client "oss.nandlabs.io/golly/rest/client"

	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/sink"
)

// KeyFunc derives the destination URL path (or a routing suffix) for a
// delivery, letting one Sink fan records for different keys out to
// different paths on the same base URL. A nil KeyFunc posts every record to
// BaseURL unchanged.
type KeyFunc func(rec handler.Delivery) string

// Config configures a Sink.
type Config struct {
	BaseURL string
	Method  string

	// Retry, when non-zero, configures the underlying client.Client's
	// built-in retry loop (maxRetries, waitSeconds).
	RetryMaxAttempts int
	RetryWaitSeconds int

	// CircuitBreaker, when set, takes precedence over Retry, matching
	// client.Client.UseCircuitBreaker's own documented precedence.
	CircuitBreaker *BreakerConfig

	Route KeyFunc
}

// BreakerConfig mirrors clients.BreakerInfo's fields for YAML-friendly
// configuration.
type BreakerConfig struct {
	FailureThreshold uint64
	SuccessThreshold uint64
	MaxHalfOpen      uint32
	TimeoutSeconds   uint32
}

// Sink is a handler.Handler that POSTs (or whatever Config.Method says) the
// record's payload to an HTTP endpoint.
type Sink struct {
	client *client.Client
	cfg    Config
}

// New builds a Sink from cfg.
func New(cfg Config) *Sink {
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	c := client.NewClient()
	if cfg.CircuitBreaker != nil {
		bc := cfg.CircuitBreaker
		c.UseCircuitBreaker(bc.FailureThreshold, bc.SuccessThreshold, bc.MaxHalfOpen, bc.TimeoutSeconds)
	} else if cfg.RetryMaxAttempts > 0 {
		c.Retry(cfg.RetryMaxAttempts, cfg.RetryWaitSeconds)
	}
	return &Sink{client: c, cfg: cfg}
}

// Handle implements handler.Handler.
func (s *Sink) Handle(ctx context.Context, rec handler.Delivery) error {
	env, err := sink.Build(rec)
	if err != nil {
		return err
	}

	url := s.cfg.BaseURL
	if s.cfg.Route != nil {
		url = url + s.cfg.Route(rec)
	}

	// The payload is already serialized; json.RawMessage keeps the client's
	// codec from re-encoding it as a byte array.
	req := s.client.NewRequest(url, s.cfg.Method).
		SetBody(json.RawMessage(env.ReadBytes())).
		SetContentType(sink.ContentType(rec)).
		AddHeader(sink.HeaderKey, rec.Key).
		AddHeader(sink.HeaderRecordType, rec.RecordType)

	res, err := s.client.Execute(req)
	if err != nil {
		return fmt.Errorf("sink/http: %s %s: %w", s.cfg.Method, url, err)
	}
	if !res.IsSuccess() {
		return res.GetError()
	}
	return nil
}

// Close releases the underlying HTTP client's idle connections.
func (s *Sink) Close() error {
	return s.client.Close()
}
