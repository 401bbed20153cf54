package signaling

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/crypto"
)

// sendTimeout bounds one outbound relay command.
const sendTimeout = 15 * time.Second

// Outbound commands. Each mutates nothing locally and is dispatched without
// blocking the caller or the state machine; a failure is surfaced as a
// NotifySendFailed bus event and never retried automatically.

// SendInvite asks the relay to deliver a contact invitation.
func (s *Session) SendInvite(to string, publicKey crypto.PublicKeyJWK, avatar, bio string) error {
	return s.send("invite", to, func(ctx context.Context) error {
		return s.relay.SendInvite(ctx, InviteRequest{
			From:      s.currentUserID(),
			FromName:  s.currentName(),
			To:        to,
			PublicKey: publicKey,
			Avatar:    avatar,
			Bio:       bio,
		})
	})
}

// AcceptInvite answers an invitation positively.
func (s *Session) AcceptInvite(to string, publicKey crypto.PublicKeyJWK) error {
	return s.send("accept_invite", to, func(ctx context.Context) error {
		return s.relay.AcceptInvite(ctx, InviteRequest{
			From:      s.currentUserID(),
			FromName:  s.currentName(),
			To:        to,
			PublicKey: publicKey,
		})
	})
}

// RejectInvite answers an invitation negatively.
func (s *Session) RejectInvite(to string) error {
	return s.send("reject_invite", to, func(ctx context.Context) error {
		return s.relay.RejectInvite(ctx, s.currentUserID(), s.currentName(), to)
	})
}

// SendMessage routes an encrypted envelope to a peer.
func (s *Session) SendMessage(to, messageID string, envelope *crypto.Envelope) error {
	return s.send("send_message", to, func(ctx context.Context) error {
		return s.relay.SendMessage(ctx, s.currentUserID(), to, messageID, envelope)
	})
}

// SendProfile shares the local profile with one peer.
func (s *Session) SendProfile(to, name, avatar, bio string) error {
	return s.send("send_profile", to, func(ctx context.Context) error {
		return s.relay.SendProfile(ctx, s.currentUserID(), to, name, avatar, bio)
	})
}

// NotifyContactDeleted informs a peer of a removed relationship.
func (s *Session) NotifyContactDeleted(to string) error {
	return s.send("contact_deleted", to, func(ctx context.Context) error {
		return s.relay.NotifyContactDeleted(ctx, s.currentUserID(), to)
	})
}

// BlockContact informs a peer it has been blocked.
func (s *Session) BlockContact(to string) error {
	return s.send("contact_blocked", to, func(ctx context.Context) error {
		return s.relay.BlockContact(ctx, s.currentUserID(), to)
	})
}

// UpdateCachedProfile pushes the local profile to the relay's cache, so
// invitations delivered on our behalf carry current display fields.
func (s *Session) UpdateCachedProfile(name, avatar, bio string) error {
	return s.send("update_profile", "", func(ctx context.Context) error {
		return s.relay.UpdateCachedProfile(ctx, s.currentUserID(), name, avatar, bio)
	})
}

func (s *Session) currentName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localName
}

func (s *Session) currentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) send(command, to string, do func(ctx context.Context) error) error {
	s.mu.Lock()
	connected := s.state.Phase == PhaseConnected
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := do(ctx); err != nil {
			s.log.WithFields(logrus.Fields{
				"function": "send",
				"command":  command,
				"error":    err,
			}).Warn("Outbound command failed")
			if s.bus != nil {
				s.bus.Dispatch(NotifySendFailed, SendFailure{
					Command: command,
					To:      to,
					Err:     err,
				}, bus.PriorityNormal)
			}
		}
	}()
	return nil
}
