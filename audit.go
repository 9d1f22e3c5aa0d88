package authgate

import (
	"io"

	"github.com/helioslabs/authgate/internal/audit"
)

// AuditEvent is one security-relevant occurrence emitted by the engine.
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's async dispatcher.
// Implementations must be safe for concurrent use; kafkasink ships a
// Kafka-backed implementation.
type AuditSink = audit.Sink

// NewChannelAuditSink returns a sink backed by a buffered channel, useful
// for tests and in-process consumers.
func NewChannelAuditSink(buffer int) *audit.ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONAuditSink returns a sink writing one JSON event per line to w.
func NewJSONAuditSink(w io.Writer) *audit.JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

func newAuditDispatcher(cfg AuditConfig, sink AuditSink) *audit.Dispatcher {
	return audit.NewDispatcher(audit.Config{
		Enabled:      cfg.Enabled,
		BufferSize:   cfg.BufferSize,
		DropIfFull:   cfg.DropIfFull,
		DrainTimeout: cfg.DrainTimeout,
	}, sink)
}
