package contact

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/signaling"
	"github.com/opd-ai/peerlink/storage"
)

var (
	// ErrContactExists is returned when adding an id that already has a record.
	ErrContactExists = errors.New("contact already exists")
	// ErrBlocked is returned when adding an id on either blocklist.
	ErrBlocked = errors.New("contact is blocked")
	// ErrSelfContact is returned when adding the owner's own id.
	ErrSelfContact = errors.New("cannot add own user id")
)

// Bus notification types emitted by the Manager.
const (
	NotifyContactRequest  = "contact.request"
	NotifyContactAccepted = "contact.accepted"
	NotifyContactUpdated  = "contact.updated"
	NotifyContactRemoved  = "contact.removed"
	NotifyMessage         = "contact.message"
)

// MessageNotice is the payload of NotifyMessage bus events.
type MessageNotice struct {
	From      string
	MessageID string
	Preview   string
}

// OutboundSender dispatches peer-facing protocol actions. Sends are
// fire-and-forget; a failure surfaces later as a bus notification and the
// local state mutation is never rolled back.
type OutboundSender interface {
	SendInvite(to string, publicKey crypto.PublicKeyJWK, avatar, bio string) error
	AcceptInvite(to string, publicKey crypto.PublicKeyJWK) error
	RejectInvite(to string) error
	SendProfile(to, name, avatar, bio string) error
	NotifyContactDeleted(to string) error
	BlockContact(to string) error
}

// Manager applies local commands and remote events to the contact set of one
// owner. Commands mutate the store synchronously, then trigger the outbound
// send; remote events are idempotent so at-least-once delivery is safe.
type Manager struct {
	mu sync.Mutex

	owner    string
	localKey crypto.PublicKeyJWK
	profile  Profile

	store    storage.Store
	sender   OutboundSender
	notifier bus.Bus

	log *logrus.Entry
}

// NewManager creates a contact manager for the given owner id.
func NewManager(owner string, localKey crypto.PublicKeyJWK, store storage.Store, sender OutboundSender, notifier bus.Bus) *Manager {
	return &Manager{
		owner:    owner,
		localKey: localKey,
		store:    store,
		sender:   sender,
		notifier: notifier,
		log:      logrus.WithField("component", "contact"),
	}
}

// SetProfile updates the local profile attached to outbound invites and
// profile broadcasts.
func (m *Manager) SetProfile(p Profile) {
	m.mu.Lock()
	m.profile = p
	m.mu.Unlock()
}

// LocalProfile returns the current local profile.
func (m *Manager) LocalProfile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// AddContact creates a pending_outgoing record for the remote id and asks the
// transport to deliver an invitation carrying the local profile.
func (m *Manager) AddContact(id string, exchangeKey crypto.PublicKeyJWK, group string) error {
	if err := crypto.ValidateUserID(id); err != nil {
		return fmt.Errorf("invalid contact id: %w", err)
	}
	if id == m.owner {
		return ErrSelfContact
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	blocked, err := m.isBlockedLocked(id)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlocked
	}
	if existing, err := m.loadLocked(id); err != nil {
		return err
	} else if existing != nil {
		return ErrContactExists
	}

	if group == "" {
		group = DefaultGroup
	}
	now := time.Now()
	record := &Contact{
		ID:          id,
		Group:       group,
		ExchangeKey: exchangeKey,
		Status:      StatusPendingOutgoing,
		AddedAt:     now,
		LastSeen:    now,
	}
	if err := m.saveLocked(record); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"function": "AddContact",
		"contact":  shortID(id),
	}).Info("Outgoing invitation created")

	profile := m.profile
	if err := m.sender.SendInvite(id, m.localKey, profile.Avatar, profile.Bio); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "AddContact",
			"contact":  shortID(id),
			"error":    err,
		}).Warn("Invite dispatch refused")
	}
	return nil
}

// AcceptContact flips a pending_incoming record to accepted and answers the
// peer. Any other state is a no-op.
func (m *Manager) AcceptContact(id, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil {
		return err
	}
	if record == nil || record.Status != StatusPendingIncoming {
		m.warnState("AcceptContact", id, record)
		return nil
	}

	record.Status = StatusAccepted
	if group != "" {
		record.Group = group
	}
	if err := m.saveLocked(record); err != nil {
		return err
	}
	m.dispatch(NotifyContactAccepted, *record, bus.PriorityHigh)

	if err := m.sender.AcceptInvite(id, m.localKey); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "AcceptContact",
			"contact":  shortID(id),
			"error":    err,
		}).Warn("Accept dispatch refused")
	}
	return nil
}

// RejectContact deletes a pending_incoming record and answers the peer
// negatively. Any other state is a no-op.
func (m *Manager) RejectContact(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil {
		return err
	}
	if record == nil || record.Status != StatusPendingIncoming {
		m.warnState("RejectContact", id, record)
		return nil
	}

	if err := m.deleteLocked(id); err != nil {
		return err
	}
	m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)

	if err := m.sender.RejectInvite(id); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "RejectContact",
			"contact":  shortID(id),
			"error":    err,
		}).Warn("Reject dispatch refused")
	}
	return nil
}

// CancelOutgoing withdraws a pending_outgoing record. The peer never accepted,
// so no notification is sent.
func (m *Manager) CancelOutgoing(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil {
		return err
	}
	if record == nil || record.Status != StatusPendingOutgoing {
		m.warnState("CancelOutgoing", id, record)
		return nil
	}

	if err := m.deleteLocked(id); err != nil {
		return err
	}
	m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)
	return nil
}

// DeleteContact removes the record and notifies the peer.
func (m *Manager) DeleteContact(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil {
		return err
	}
	if record == nil {
		m.warnState("DeleteContact", id, nil)
		return nil
	}

	if err := m.deleteLocked(id); err != nil {
		return err
	}
	m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)

	if err := m.sender.NotifyContactDeleted(id); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "DeleteContact",
			"contact":  shortID(id),
			"error":    err,
		}).Warn("Delete notification dispatch refused")
	}
	return nil
}

// DeleteAndBlockContact removes the record, adds the id to the blocked-by-us
// set, and notifies the peer. The blocklist entry survives even if it was the
// only trace of the relationship.
func (m *Manager) DeleteAndBlockContact(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil {
		return err
	}
	if record != nil {
		if err := m.deleteLocked(id); err != nil {
			return err
		}
		m.dispatch(NotifyContactRemoved, *record, bus.PriorityNormal)
	}

	if err := m.addToBlocklistLocked(blockedByUsKey(m.owner), id); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"function": "DeleteAndBlockContact",
		"contact":  shortID(id),
	}).Info("Contact blocked")

	if err := m.sender.BlockContact(id); err != nil {
		m.log.WithFields(logrus.Fields{
			"function": "DeleteAndBlockContact",
			"contact":  shortID(id),
			"error":    err,
		}).Warn("Block notification dispatch refused")
	}
	return nil
}

// UpdateContactGroup mutates only the group label.
func (m *Manager) UpdateContactGroup(id, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil {
		return err
	}
	if record == nil {
		m.warnState("UpdateContactGroup", id, nil)
		return nil
	}
	if group == "" {
		group = DefaultGroup
	}
	if record.Group == group {
		return nil
	}

	record.Group = group
	if err := m.saveLocked(record); err != nil {
		return err
	}
	m.dispatch(NotifyContactUpdated, *record, bus.PriorityNormal)
	return nil
}

// MarkRead clears the unread counter.
func (m *Manager) MarkRead(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, err := m.loadLocked(id)
	if err != nil || record == nil || record.Unread == 0 {
		return err
	}
	record.Unread = 0
	return m.saveLocked(record)
}

// Contact returns the record for one id, or nil if absent.
func (m *Manager) Contact(id string) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(id)
}

// Contacts returns all records for the owner, in unspecified order.
func (m *Manager) Contacts() ([]*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.store.Keys(contactKeyPrefix(m.owner))
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	contacts := make([]*Contact, 0, len(keys))
	for _, key := range keys {
		record, err := m.loadByKeyLocked(key)
		if err != nil {
			return nil, err
		}
		if record != nil {
			contacts = append(contacts, record)
		}
	}
	return contacts, nil
}

// AcceptedContacts returns only accepted records, the audience for profile
// broadcasts.
func (m *Manager) AcceptedContacts() ([]*Contact, error) {
	all, err := m.Contacts()
	if err != nil {
		return nil, err
	}
	accepted := all[:0]
	for _, record := range all {
		if record.Status == StatusAccepted {
			accepted = append(accepted, record)
		}
	}
	return accepted, nil
}

// IsBlocked reports whether the id is on either blocklist.
func (m *Manager) IsBlocked(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isBlockedLocked(id)
}

// BlockedByUs returns the ids the owner has blocked.
func (m *Manager) BlockedByUs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadBlocklistLocked(blockedByUsKey(m.owner))
}

func (m *Manager) warnState(function string, id string, record *Contact) {
	status := "missing"
	if record != nil {
		status = string(record.Status)
	}
	m.log.WithFields(logrus.Fields{
		"function": function,
		"contact":  shortID(id),
		"status":   status,
	}).Warn("Command ignored: record not in the expected state")
}

func (m *Manager) dispatch(eventType string, data interface{}, priority bus.Priority) {
	if m.notifier != nil {
		m.notifier.Dispatch(eventType, data, priority)
	}
}

// Store keys. Contact records are keyed per owner so independent local
// accounts never see each other's sets.

func contactKeyPrefix(owner string) string {
	return "contact:" + owner + ":"
}

func contactKey(owner, id string) string {
	return contactKeyPrefix(owner) + id
}

func blockedByUsKey(owner string) string {
	return "blocked_by_us:" + owner
}

func blockedByPeerKey(owner string) string {
	return "blocked_by_peer:" + owner
}

func messageSeenKey(owner, messageID string) string {
	return "msgseen:" + owner + ":" + messageID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (m *Manager) loadLocked(id string) (*Contact, error) {
	return m.loadByKeyLocked(contactKey(m.owner, id))
}

func (m *Manager) loadByKeyLocked(key string) (*Contact, error) {
	raw, found, err := m.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	if !found {
		return nil, nil
	}
	var record Contact
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("corrupt contact record %s: %w", key, err)
	}
	return &record, nil
}

func (m *Manager) saveLocked(record *Contact) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode contact: %w", err)
	}
	if err := m.store.Set(contactKey(m.owner, record.ID), raw); err != nil {
		return fmt.Errorf("failed to persist contact: %w", err)
	}
	return nil
}

func (m *Manager) deleteLocked(id string) error {
	if err := m.store.Delete(contactKey(m.owner, id)); err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}
	return nil
}

func (m *Manager) loadBlocklistLocked(key string) ([]string, error) {
	raw, found, err := m.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocklist: %w", err)
	}
	if !found {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("corrupt blocklist %s: %w", key, err)
	}
	return ids, nil
}

func (m *Manager) addToBlocklistLocked(key, id string) error {
	ids, err := m.loadBlocklistLocked(key)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	raw, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to encode blocklist: %w", err)
	}
	if err := m.store.Set(key, raw); err != nil {
		return fmt.Errorf("failed to persist blocklist: %w", err)
	}
	return nil
}

func (m *Manager) isBlockedLocked(id string) (bool, error) {
	for _, key := range []string{blockedByUsKey(m.owner), blockedByPeerKey(m.owner)} {
		ids, err := m.loadBlocklistLocked(key)
		if err != nil {
			return false, err
		}
		for _, blocked := range ids {
			if blocked == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// trimmedPreview bounds the stored last-message summary.
func trimmedPreview(text string) string {
	text = strings.TrimSpace(text)
	const max = 120
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	// Do not split a UTF-8 sequence.
	for len(cut) > 0 && cut[len(cut)-1]&0xC0 == 0x80 {
		cut = cut[:len(cut)-1]
	}
	return cut
}

var _ OutboundSender = (*signaling.Session)(nil)
