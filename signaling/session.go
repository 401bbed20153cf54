package signaling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/crypto"
)

// ErrNotConnected is returned when an outbound command is issued while the
// session is not connected.
var ErrNotConnected = errors.New("session not connected")

// EventHandler consumes remote events, one at a time, in arrival order.
type EventHandler func(Event)

// ConnectionStatus is the payload of NotifyConnectionStatus bus events.
type ConnectionStatus struct {
	Phase     string
	Retries   int
	LastError string
}

// Session is the runtime around the pure state machine. It owns the polling
// and heartbeat goroutines, executes transition effects, and dispatches
// outbound commands. The loops never touch the state directly; they report
// outcomes as inputs and the machine decides.
type Session struct {
	relay             *RelayClient
	bus               bus.Bus
	heartbeatInterval time.Duration

	userID    string
	publicKey crypto.PublicKeyJWK
	localName string

	mu         sync.Mutex
	state      State
	handler    EventHandler
	generation int
	loopCancel context.CancelFunc
	retryTimer *time.Timer
	closed     bool

	log *logrus.Entry
}

// NewSession creates a session in the idle phase.
func NewSession(relay *RelayClient, notifier bus.Bus, heartbeatInterval time.Duration) *Session {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Session{
		relay:             relay,
		bus:               notifier,
		heartbeatInterval: heartbeatInterval,
		state:             State{Phase: PhaseIdle},
		log:               logrus.WithField("component", "signaling"),
	}
}

// SetIdentity provides the registration material. Must be called before
// Connect.
func (s *Session) SetIdentity(userID string, publicKey crypto.PublicKeyJWK, localName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.publicKey = publicKey
	s.localName = localName
}

// SetLocalName updates the display name attached to outbound invites.
func (s *Session) SetLocalName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localName = name
}

// OnEvent registers the handler that receives remote events.
func (s *Session) OnEvent(handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

// State returns a snapshot of the machine state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts the connection lifecycle.
func (s *Session) Connect() {
	s.dispatch(Input{Kind: InConnect}, -1)
}

// Disconnect returns the session to idle from any phase.
func (s *Session) Disconnect() {
	s.dispatch(Input{Kind: InDisconnect}, -1)
}

// Retry leaves the terminal error phase and reconnects with a fresh retry
// counter.
func (s *Session) Retry() {
	s.dispatch(Input{Kind: InRetry}, -1)
}

// Close disconnects and prevents further use.
func (s *Session) Close() {
	s.Disconnect()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ChangeServer points the session at a different relay. If the session was
// not idle it reconnects against the new relay with a fresh lifecycle.
func (s *Session) ChangeServer(baseURL string) error {
	if err := s.relay.SetBaseURL(baseURL); err != nil {
		return err
	}
	s.mu.Lock()
	active := s.state.Phase != PhaseIdle
	s.mu.Unlock()
	if active {
		s.Disconnect()
		s.Connect()
	}
	return nil
}

// dispatch feeds one input through the machine and executes the resulting
// effects. generation guards loop-reported inputs: outcomes from loops of a
// previous connection epoch are dropped.
func (s *Session) dispatch(in Input, generation int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if generation >= 0 && generation != s.generation {
		s.mu.Unlock()
		return
	}

	before := s.state
	next, effects := Transition(before, in)
	s.state = next
	s.mu.Unlock()

	if before != next {
		s.log.WithFields(logrus.Fields{
			"function": "dispatch",
			"from":     before.Phase.String(),
			"to":       next.Phase.String(),
			"retries":  next.Retries,
		}).Debug("Session state transition")
	}

	for _, effect := range effects {
		s.execute(effect, next)
	}
}

func (s *Session) execute(effect Effect, state State) {
	switch effect.Kind {
	case FxRegister:
		s.startRegister()
	case FxStartLoops:
		s.startLoops()
	case FxStopLoops:
		s.stopLoops()
	case FxScheduleReconnect:
		s.scheduleReconnect(effect.Delay)
	case FxCancelReconnect:
		s.cancelReconnect()
	case FxNotifyStatus:
		s.notifyStatus(state)
	}
}

func (s *Session) startRegister() {
	s.mu.Lock()
	generation := s.generation
	userID := s.userID
	publicKey := s.publicKey
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := s.relay.Register(ctx, userID, publicKey)
		if err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "startRegister",
				"error":    err,
			}).Warn("Registration failed")
			s.dispatch(Input{Kind: InRegisterFailed, Err: err.Error()}, generation)
			return
		}
		s.dispatch(Input{Kind: InRegisterSucceeded}, generation)
	}()
}

func (s *Session) startLoops() {
	s.mu.Lock()
	// A new epoch: loop outcomes from older epochs must not count.
	s.generation++
	generation := s.generation
	ctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	userID := s.userID
	s.mu.Unlock()

	go s.pollLoop(ctx, generation, userID)
	go s.heartbeatLoop(ctx, generation, userID)
}

func (s *Session) stopLoops() {
	s.mu.Lock()
	cancel := s.loopCancel
	s.loopCancel = nil
	s.generation++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) scheduleReconnect(delay time.Duration) {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.log.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"delay":    delay,
		"retries":  s.state.Retries,
	}).Info("Scheduling reconnect attempt")
	s.retryTimer = time.AfterFunc(delay, func() {
		s.dispatch(Input{Kind: InBackoffElapsed}, -1)
	})
	s.mu.Unlock()
}

func (s *Session) cancelReconnect() {
	s.mu.Lock()
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.mu.Unlock()
}

func (s *Session) notifyStatus(state State) {
	if s.bus == nil {
		return
	}
	s.bus.Dispatch(NotifyConnectionStatus, ConnectionStatus{
		Phase:     state.Phase.String(),
		Retries:   state.Retries,
		LastError: state.LastError,
	}, bus.PriorityHigh)
}

// pollLoop repeatedly issues long retrieval requests until its context is
// canceled. Failures are reported to the machine; a clean cancellation is
// not an error.
func (s *Session) pollLoop(ctx context.Context, generation int, userID string) {
	for ctx.Err() == nil {
		events, err := s.relay.Poll(ctx, userID)
		if err != nil {
			if IsClean(err) || ctx.Err() != nil {
				return
			}
			s.log.WithFields(logrus.Fields{
				"function": "pollLoop",
				"error":    err,
			}).Warn("Poll failed")
			s.dispatch(Input{Kind: InPollFailed, Err: err.Error()}, generation)
			continue
		}

		s.dispatch(Input{Kind: InPollSucceeded}, generation)
		s.forwardEvents(ctx, generation, events)
	}
}

// forwardEvents hands events to the handler one by one, in arrival order.
func (s *Session) forwardEvents(ctx context.Context, generation int, events []Event) {
	s.mu.Lock()
	handler := s.handler
	current := s.generation
	s.mu.Unlock()
	if handler == nil || current != generation {
		return
	}
	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		handler(event)
	}
}

// heartbeatLoop fires immediately on entry, then on a fixed period.
func (s *Session) heartbeatLoop(ctx context.Context, generation int, userID string) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	s.beat(ctx, generation, userID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.beat(ctx, generation, userID)
		}
	}
}

func (s *Session) beat(ctx context.Context, generation int, userID string) {
	err := s.relay.Heartbeat(ctx, userID)
	if err != nil {
		if IsClean(err) || ctx.Err() != nil {
			return
		}
		s.log.WithFields(logrus.Fields{
			"function": "beat",
			"error":    err,
		}).Warn("Heartbeat failed")
		s.dispatch(Input{Kind: InHeartbeatFailed, Err: err.Error()}, generation)
		return
	}
	s.dispatch(Input{Kind: InHeartbeatSucceeded}, generation)
}
