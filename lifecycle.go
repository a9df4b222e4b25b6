package chatsync

import "fmt"

// ResponseState is the response lifecycle of one conversation.
//
//	idle -> waiting                 (send issued)
//	waiting -> polling              (write accepted, polling detector)
//	waiting -> streaming            (write accepted, stream detector)
//	waiting -> failed               (write rejected)
//	waiting -> finished             (failsafe)
//	polling -> finished             (tail stable for the quiet period, or failsafe)
//	streaming -> finished           (completion confirmed, or failsafe)
//	streaming -> failed             (stream error or drop)
//	finished -> idle, failed -> idle
//	* -> idle                       (teardown: leave, close, superseding send)
//
// finished and failed are transient: the engine collapses them to idle at once.
type ResponseState string

const (
	StateIdle      ResponseState = "idle"
	StateWaiting   ResponseState = "waiting"
	StatePolling   ResponseState = "polling"
	StateStreaming ResponseState = "streaming"
	StateFinished  ResponseState = "finished"
	StateFailed    ResponseState = "failed"
)

// IsValid returns true if the state is a known value.
func (s ResponseState) IsValid() bool {
	switch s {
	case StateIdle, StateWaiting, StatePolling, StateStreaming, StateFinished, StateFailed:
		return true
	default:
		return false
	}
}

// Busy reports whether a response cycle is in progress.
func (s ResponseState) Busy() bool {
	switch s {
	case StateWaiting, StatePolling, StateStreaming:
		return true
	default:
		return false
	}
}

// Thinking reports whether the "agent is thinking" indicator should show.
func (s ResponseState) Thinking() bool {
	return s == StateWaiting || s == StatePolling
}

// IsTransient returns true for states that collapse to idle immediately.
func (s ResponseState) IsTransient() bool {
	return s == StateFinished || s == StateFailed
}

// CanTransitionTo returns true if moving from s to target is allowed.
func (s ResponseState) CanTransitionTo(target ResponseState) bool {
	if !s.IsValid() || !target.IsValid() || s == target {
		return false
	}
	if target == StateIdle {
		return true
	}
	switch s {
	case StateIdle:
		return target == StateWaiting
	case StateWaiting:
		return target == StatePolling || target == StateStreaming ||
			target == StateFailed || target == StateFinished
	case StatePolling:
		return target == StateFinished
	case StateStreaming:
		return target == StateFinished || target == StateFailed
	}
	return false
}

// String returns the string representation of the state.
func (s ResponseState) String() string {
	return string(s)
}

// Transition is a requested state change.
type Transition struct {
	From ResponseState
	To   ResponseState
}

// Validate returns an error if the transition is invalid.
func (t Transition) Validate() error {
	if !t.From.IsValid() {
		return fmt.Errorf("lifecycle: invalid source state %q", t.From)
	}
	if !t.To.IsValid() {
		return fmt.Errorf("lifecycle: invalid target state %q", t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return fmt.Errorf("lifecycle: invalid transition from %q to %q", t.From, t.To)
	}
	return nil
}

// FinishReason explains why a response cycle ended.
type FinishReason string

const (
	FinishCompleted    FinishReason = "completed"
	FinishStaleTimeout FinishReason = "stale_timeout"
	FinishSendFailed   FinishReason = "send_failed"
	FinishStreamFailed FinishReason = "stream_failed"
	FinishCancelled    FinishReason = "cancelled"
)

// Transport selects the completion detector of a conversation.
type Transport string

const (
	TransportPoll   Transport = "poll"
	TransportStream Transport = "stream"
)
