package contact

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/signaling"
)

// invitePayload carries the sender's introduction on invite and accept events.
type invitePayload struct {
	FromName  string              `json:"fromName"`
	PublicKey crypto.PublicKeyJWK `json:"publicKey"`
	Avatar    string              `json:"avatar,omitempty"`
	Bio       string              `json:"bio,omitempty"`
}

// profilePayload carries updated display fields.
type profilePayload struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Bio    string `json:"bio,omitempty"`
}

// HandleEvent applies one remote event. Handlers are idempotent: re-delivery
// of an already-applied event leaves the contact set unchanged and fires no
// duplicate notifications. Malformed payloads are logged and dropped.
func (m *Manager) HandleEvent(event signaling.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if event.From == m.owner {
		m.log.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"type":     string(event.Type),
		}).Warn("Self-addressed event dropped")
		return
	}

	m.touchLocked(event.From)

	var err error
	switch event.Type {
	case signaling.EventInvite:
		err = m.handleInviteLocked(event)
	case signaling.EventInviteAccepted:
		err = m.handleInviteAcceptedLocked(event)
	case signaling.EventInviteRejected:
		err = m.handleInviteRejectedLocked(event)
	case signaling.EventContactDeleted:
		err = m.handleContactDeletedLocked(event)
	case signaling.EventContactBlocked:
		err = m.handleContactBlockedLocked(event)
	case signaling.EventProfileUpdated:
		err = m.handleProfileUpdatedLocked(event)
	default:
		m.log.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"type":     string(event.Type),
		}).Warn("Unknown event type dropped")
		return
	}
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "HandleEvent",
			"type":     string(event.Type),
			"from":     shortID(event.From),
			"error":    err,
		}).Warn("Event dropped")
	}
}

func (m *Manager) handleInviteLocked(event signaling.Event) error {
	blocked, err := m.isBlockedLocked(event.From)
	if err != nil {
		return err
	}
	if blocked {
		m.log.WithFields(logrus.Fields{
			"function": "handleInviteLocked",
			"from":     shortID(event.From),
		}).Warn("Invite from a blocked peer ignored")
		return nil
	}
	existing, err := m.loadLocked(event.From)
	if err != nil {
		return err
	}
	if existing != nil {
		// Already tracked; a re-delivered invite changes nothing.
		return nil
	}

	var payload invitePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	now := time.Now()
	record := &Contact{
		ID:          event.From,
		Name:        payload.FromName,
		Avatar:      payload.Avatar,
		Bio:         payload.Bio,
		Group:       DefaultGroup,
		ExchangeKey: payload.PublicKey,
		Status:      StatusPendingIncoming,
		AddedAt:     now,
		LastSeen:    now,
		IsOnline:    true,
	}
	if err := m.saveLocked(record); err != nil {
		return err
	}
	m.dispatch(NotifyContactRequest, *record, bus.PriorityHigh)
	return nil
}

func (m *Manager) handleInviteAcceptedLocked(event signaling.Event) error {
	record, err := m.loadLocked(event.From)
	if err != nil {
		return err
	}
	if record == nil || record.Status != StatusPendingOutgoing {
		// The peer answered a request we no longer track, or the acceptance
		// was re-delivered after already being applied.
		return nil
	}

	var payload invitePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	record.Status = StatusAccepted
	if payload.FromName != "" {
		record.Name = payload.FromName
	}
	if payload.Avatar != "" {
		record.Avatar = payload.Avatar
	}
	if payload.Bio != "" {
		record.Bio = payload.Bio
	}
	if payload.PublicKey.X != "" {
		record.ExchangeKey = payload.PublicKey
	}
	if err := m.saveLocked(record); err != nil {
		return err
	}
	m.dispatch(NotifyContactAccepted, *record, bus.PriorityHigh)
	return nil
}

func (m *Manager) handleInviteRejectedLocked(event signaling.Event) error {
	record, err := m.loadLocked(event.From)
	if err != nil {
		return err
	}
	if record == nil || record.Status != StatusPendingOutgoing {
		return nil
	}
	if err := m.deleteLocked(event.From); err != nil {
		return err
	}
	m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)
	return nil
}

func (m *Manager) handleContactDeletedLocked(event signaling.Event) error {
	record, err := m.loadLocked(event.From)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if err := m.deleteLocked(event.From); err != nil {
		return err
	}
	m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)
	return nil
}

func (m *Manager) handleContactBlockedLocked(event signaling.Event) error {
	if err := m.addToBlocklistLocked(blockedByPeerKey(m.owner), event.From); err != nil {
		return err
	}
	record, err := m.loadLocked(event.From)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if err := m.deleteLocked(event.From); err != nil {
		return err
	}
	m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)
	return nil
}

func (m *Manager) handleProfileUpdatedLocked(event signaling.Event) error {
	record, err := m.loadLocked(event.From)
	if err != nil {
		return err
	}
	if record == nil {
		// Unknown peer; nothing to patch.
		return nil
	}

	var payload profilePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return err
	}

	changed := false
	if payload.Name != "" && payload.Name != record.Name {
		record.Name = payload.Name
		changed = true
	}
	if payload.Avatar != record.Avatar {
		record.Avatar = payload.Avatar
		changed = true
	}
	if payload.Bio != record.Bio {
		record.Bio = payload.Bio
		changed = true
	}
	if !changed {
		return nil
	}
	if err := m.saveLocked(record); err != nil {
		return err
	}
	m.dispatch(NotifyContactUpdated, *record, bus.PriorityNormal)
	return nil
}

// RecordIncomingMessage applies the bookkeeping for one decrypted message:
// unread counter, last-message preview, and last-seen touch. It returns false
// when the message id was already recorded, so re-delivered messages are not
// double-counted or re-announced.
func (m *Manager) RecordIncomingMessage(from, messageID, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seenKey := messageSeenKey(m.owner, messageID)
	if _, found, err := m.store.Get(seenKey); err != nil {
		return false, err
	} else if found {
		return false, nil
	}

	record, err := m.loadLocked(from)
	if err != nil {
		return false, err
	}
	if record == nil || record.Status != StatusAccepted {
		m.log.WithFields(logrus.Fields{
			"function": "RecordIncomingMessage",
			"from":     shortID(from),
		}).Warn("Message from a non-accepted peer dropped")
		return false, nil
	}

	record.Unread++
	record.LastMessage = trimmedPreview(text)
	record.LastSeen = time.Now()
	record.IsOnline = true
	if err := m.saveLocked(record); err != nil {
		return false, err
	}
	if err := m.store.Set(seenKey, []byte(`1`)); err != nil {
		return false, err
	}

	m.dispatch(NotifyMessage, MessageNotice{
		From:      from,
		MessageID: messageID,
		Preview:   record.LastMessage,
	}, bus.PriorityHigh)
	return true, nil
}

// touchLocked refreshes liveness fields for a known contact. Unknown senders
// are left alone.
func (m *Manager) touchLocked(id string) {
	if id == "" {
		return
	}
	record, err := m.loadLocked(id)
	if err != nil || record == nil {
		return
	}
	record.LastSeen = time.Now()
	record.IsOnline = true
	if err := m.saveLocked(record); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "touchLocked",
			"contact":  shortID(id),
			"error":    err,
		}).Warn("Failed to refresh last-seen")
	}
}
