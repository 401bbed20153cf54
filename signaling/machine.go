package signaling

import (
	"fmt"
	"time"
)

// Phase is the top-level connection state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Backoff and failure-tolerance constants. These are part of the protocol
// behavior, not configuration.
const (
	// MaxConsecutiveFailures is how many consecutive poll or heartbeat
	// failures force a reconnect.
	MaxConsecutiveFailures = 3
	// MaxReconnectAttempts is the retry ceiling before the terminal error state.
	MaxReconnectAttempts = 5
	// BackoffBase is the first reconnect delay.
	BackoffBase = 1 * time.Second
	// BackoffCap bounds the reconnect delay.
	BackoffCap = 16 * time.Second
)

// State is the machine state. The connected sub-loops own no state of their
// own; their consecutive-failure counters live here and are written only by
// Transition.
type State struct {
	Phase             Phase
	Retries           int
	PollFailures      int
	HeartbeatFailures int
	LastError         string
}

// InputKind tags an input to the machine.
type InputKind int

const (
	InConnect InputKind = iota
	InDisconnect
	InRetry
	InRegisterSucceeded
	InRegisterFailed
	InPollSucceeded
	InPollFailed
	InHeartbeatSucceeded
	InHeartbeatFailed
	InBackoffElapsed
)

// Input is an event fed to the machine: a command, a loop outcome, or an
// elapsed backoff timer.
type Input struct {
	Kind InputKind
	Err  string
}

// EffectKind tags an action the runtime must schedule. Transition never
// performs I/O itself.
type EffectKind int

const (
	// FxRegister issues one registration call against the relay.
	FxRegister EffectKind = iota
	// FxStartLoops starts the polling and heartbeat loops.
	FxStartLoops
	// FxStopLoops cancels the polling and heartbeat loops.
	FxStopLoops
	// FxScheduleReconnect arms a timer that feeds InBackoffElapsed after Delay.
	FxScheduleReconnect
	// FxCancelReconnect disarms a pending reconnect timer.
	FxCancelReconnect
	// FxNotifyStatus surfaces the new phase on the notification bus.
	FxNotifyStatus
)

// Effect is an action for the runtime.
type Effect struct {
	Kind  EffectKind
	Delay time.Duration
}

// BackoffDelay returns the wait before reconnect attempt number
// retries+1: min(1s * 2^retries, 16s).
func BackoffDelay(retries int) time.Duration {
	delay := BackoffBase << uint(retries)
	if delay > BackoffCap || delay <= 0 {
		delay = BackoffCap
	}
	return delay
}

// Transition is the pure state transition function. Given the current state
// and an input it returns the next state and the effects the runtime must
// execute. Unexpected inputs leave the state unchanged with no effects.
func Transition(s State, in Input) (State, []Effect) {
	switch s.Phase {
	case PhaseIdle:
		if in.Kind == InConnect {
			next := State{Phase: PhaseConnecting}
			return next, []Effect{{Kind: FxRegister}, {Kind: FxNotifyStatus}}
		}

	case PhaseConnecting:
		switch in.Kind {
		case InRegisterSucceeded:
			next := State{Phase: PhaseConnected}
			return next, []Effect{{Kind: FxStartLoops}, {Kind: FxNotifyStatus}}
		case InRegisterFailed:
			return enterReconnecting(s, in.Err)
		case InDisconnect:
			return disconnect()
		}

	case PhaseConnected:
		switch in.Kind {
		case InPollSucceeded:
			s.PollFailures = 0
			return s, nil
		case InPollFailed:
			s.PollFailures++
			if s.PollFailures >= MaxConsecutiveFailures {
				return enterReconnecting(s, in.Err)
			}
			return s, nil
		case InHeartbeatSucceeded:
			s.HeartbeatFailures = 0
			return s, nil
		case InHeartbeatFailed:
			s.HeartbeatFailures++
			if s.HeartbeatFailures >= MaxConsecutiveFailures {
				return enterReconnecting(s, in.Err)
			}
			return s, nil
		case InDisconnect:
			return disconnect()
		}

	case PhaseReconnecting:
		switch in.Kind {
		case InBackoffElapsed:
			next := State{Phase: PhaseConnecting, Retries: s.Retries, LastError: s.LastError}
			return next, []Effect{{Kind: FxRegister}, {Kind: FxNotifyStatus}}
		case InDisconnect:
			return disconnect()
		}

	case PhaseError:
		switch in.Kind {
		case InRetry:
			next := State{Phase: PhaseConnecting}
			return next, []Effect{{Kind: FxRegister}, {Kind: FxNotifyStatus}}
		case InDisconnect:
			return disconnect()
		}
	}

	return s, nil
}

// enterReconnecting applies the bounded backoff policy. The delay is computed
// from the counter before increment, so successive attempts wait 1s, 2s, 4s,
// 8s, 16s; once the ceiling is reached the machine goes terminal.
func enterReconnecting(s State, errMsg string) (State, []Effect) {
	if errMsg == "" {
		errMsg = s.LastError
	}
	if s.Retries >= MaxReconnectAttempts {
		next := State{Phase: PhaseError, Retries: s.Retries, LastError: errMsg}
		return next, []Effect{{Kind: FxStopLoops}, {Kind: FxNotifyStatus}}
	}

	delay := BackoffDelay(s.Retries)
	next := State{Phase: PhaseReconnecting, Retries: s.Retries + 1, LastError: errMsg}
	return next, []Effect{
		{Kind: FxStopLoops},
		{Kind: FxScheduleReconnect, Delay: delay},
		{Kind: FxNotifyStatus},
	}
}

func disconnect() (State, []Effect) {
	return State{Phase: PhaseIdle}, []Effect{
		{Kind: FxStopLoops},
		{Kind: FxCancelReconnect},
		{Kind: FxNotifyStatus},
	}
}
