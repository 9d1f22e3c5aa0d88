// Package audit defines the audit event model, delivery sinks, and the
// asynchronous drop-counting dispatcher used by the engine.
package audit
