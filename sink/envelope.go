// Package sink holds the shared pieces concrete delivery destinations
// (sink/http, sink/kafka, sink/mailer) build on: a common way to turn a
// handler.Delivery into a transport-agnostic message envelope backed by
// messaging.BaseMessage.
package sink

import (
	"fmt"

	"oss.nandlabs.io/golly/ioutils"
	"oss.nandlabs.io/golly/messaging"
	"oss.nandlabs.io/outboxd/handler"
)

// HeaderKey and HeaderRecordType/HeaderFailureCount are the envelope headers
// every sink can rely on being present, regardless of transport.
const (
	HeaderKey          = "outboxd-key"
	HeaderRecordType   = "outboxd-record-type"
	HeaderHandlerID    = "outboxd-handler-id"
	HeaderFailureCount = "outboxd-failure-count"
)

// Envelope wraps a messaging.BaseMessage carrying one outbox record's
// payload and metadata, ready for a concrete sink to put on the wire.
type Envelope struct {
	*messaging.BaseMessage
}

// Build renders rec as an Envelope: the raw payload becomes the message
// body unchanged (it is already serialized by the producer of the record;
// sinks are not responsible for re-encoding it) and the record's routing
// metadata becomes typed headers.
func Build(rec handler.Delivery) (*Envelope, error) {
	msg, err := messaging.NewBaseMessage()
	if err != nil {
		return nil, fmt.Errorf("sink: build envelope: %w", err)
	}
	if _, err := msg.SetBodyBytes(rec.Payload); err != nil {
		return nil, fmt.Errorf("sink: set envelope body: %w", err)
	}

	msg.SetStrHeader(HeaderKey, rec.Key)
	msg.SetStrHeader(HeaderRecordType, rec.RecordType)
	msg.SetStrHeader(HeaderHandlerID, rec.Context[ContextHandlerID])
	msg.SetIntHeader(HeaderFailureCount, rec.FailureCount)
	for k, v := range rec.Context {
		msg.SetStrHeader(k, v)
	}

	return &Envelope{BaseMessage: msg}, nil
}

// ContextHandlerID is the Delivery.Context key a creation interceptor may
// set to carry the resolved handler id into the envelope, for sinks (like
// sink/kafka) that want it as a message header rather than relying on the
// dispatcher having already routed by it.
const ContextHandlerID = "handlerId"

// ContentType returns the content type hint carried in rec.Context, falling
// back to JSON, the same default messaging.BaseMessage's own WriteJSON
// helper assumes.
func ContentType(rec handler.Delivery) string {
	if ct, ok := rec.Context["contentType"]; ok && ct != "" {
		return ct
	}
	return ioutils.MimeApplicationJSON
}
