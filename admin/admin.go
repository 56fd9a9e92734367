// Package admin holds the operator-facing maintenance operations for the
// outbox table: deleting records by status, and by (key, status). It calls
// record.Repository directly and carries no engine internals, so it can be
// embedded in an HTTP server, a CLI, or a test.
package admin

import (
	"context"
	"fmt"

	"oss.nandlabs.io/golly/l3"
	"oss.nandlabs.io/outboxd/record"
)

var logger = l3.Get()

// Service exposes the administrative delete operations.
type Service struct {
	records record.Repository
}

// New constructs a Service over records.
func New(records record.Repository) *Service {
	return &Service{records: records}
}

// statusByName maps the wire-level status names the HTTP and CLI front
// ends accept to record.Status, so neither front end needs to know the
// underlying int encoding.
var statusByName = map[string]record.Status{
	"NEW":       record.New,
	"COMPLETED": record.Completed,
	"FAILED":    record.Failed,
}

// ErrUnknownStatus is returned by ParseStatus for any name not in
// statusByName.
var ErrUnknownStatus = fmt.Errorf("admin: unknown status, expected one of NEW, COMPLETED, FAILED")

// ParseStatus resolves a wire-level status name to a record.Status.
func ParseStatus(name string) (record.Status, error) {
	s, ok := statusByName[name]
	if !ok {
		return 0, ErrUnknownStatus
	}
	return s, nil
}

// DeleteByStatus deletes every record in the given status and returns the
// number of rows removed.
func (s *Service) DeleteByStatus(ctx context.Context, status record.Status) (int64, error) {
	n, err := s.records.DeleteByStatus(ctx, status)
	if err != nil {
		return 0, fmt.Errorf("admin: delete by status %s: %w", status, err)
	}
	logger.WarnF("admin: deleted %d record(s) with status %s", n, status)
	return n, nil
}

// DeleteByKeyAndStatus deletes every record for key in the given status and
// returns the number of rows removed.
func (s *Service) DeleteByKeyAndStatus(ctx context.Context, key string, status record.Status) (int64, error) {
	n, err := s.records.DeleteByKeyAndStatus(ctx, key, status)
	if err != nil {
		return 0, fmt.Errorf("admin: delete key %q by status %s: %w", key, status, err)
	}
	logger.WarnF("admin: deleted %d record(s) for key %q with status %s", n, key, status)
	return n, nil
}
