// Package events defines the canonical wire envelope shared with the
// microcontroller firmware and the lifecycle events emitted on the internal
// event bus.
//
// Available bus event types:
//   - SkipEvent: a due slot produced no command
//   - EnqueuedEvent: a command row was inserted
//   - AckEvent: an acknowledgement was resolved
//   - RetryEvent: a publish failure was recorded
//   - TimeoutEvent: a command was reaped past its ack deadline
package events
