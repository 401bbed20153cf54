package peerlink

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/contact"
	"github.com/opd-ai/peerlink/crypto"
	"github.com/opd-ai/peerlink/crypto/worker"
	"github.com/opd-ai/peerlink/signaling"
	"github.com/opd-ai/peerlink/storage"
)

var (
	// ErrNoIdentity is returned when an operation needs an identity that has
	// not been generated or loaded yet.
	ErrNoIdentity = errors.New("no identity loaded")
	// ErrWrongPassword is returned when an identity blob fails password
	// verification.
	ErrWrongPassword = errors.New("wrong password")
	// ErrIdentityNotFound is returned when no blob exists for the username.
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrNotAccepted is returned when messaging a peer that has not accepted
	// the relationship.
	ErrNotAccepted = errors.New("contact not accepted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("client closed")
)

// Client is the top-level handle tying the crypto worker, the signaling
// session, and the contact manager together. A Client starts without an
// identity; generate or load one, then Connect.
type Client struct {
	cfg      config.Config
	store    storage.Store
	notifier bus.Bus
	// ownsNotifier marks a dispatcher the client created itself and must
	// close on Close.
	ownsNotifier bool

	crypto  *worker.Service
	relay   *signaling.RelayClient
	session *signaling.Session

	mu                 sync.RWMutex
	contacts           *contact.Manager
	profile            contact.Profile
	closed             bool
	contactRequestCb   ContactCallback
	contactAcceptedCb  ContactCallback
	profileUpdatedCb   ContactCallback
	messageCb          MessageCallback
	connectionStatusCb ConnectionStatusCallback
	unsubscribes       []func()

	log *logrus.Entry
}

// New creates a Client from the given options. The client has no identity
// yet; call NewIdentity or LoadIdentity before Connect.
func New(opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	cfg := opts.Config
	if cfg.Relay.BaseURL == "" {
		cfg = config.Default()
	}

	store := opts.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}

	notifier := opts.Notifier
	ownsNotifier := false
	if notifier == nil {
		notifier = bus.NewDispatcher()
		ownsNotifier = true
	}

	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logrus.SetLevel(level)
	}

	relay, err := signaling.NewRelayClient(cfg.Relay.BaseURL, cfg.Relay.RequestTimeout, cfg.Relay.PollTimeout)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:          cfg,
		store:        store,
		notifier:     notifier,
		ownsNotifier: ownsNotifier,
		crypto:       worker.NewService(),
		relay:        relay,
		session:      signaling.NewSession(relay, notifier, cfg.Heartbeat.Interval),
		log:          logrus.WithField("component", "peerlink"),
	}
	c.session.OnEvent(c.handleEvent)
	c.subscribe()
	return c, nil
}

// NewIdentity generates a fresh identity inside the crypto worker and returns
// the new user id. Any previously loaded identity is replaced.
func (c *Client) NewIdentity(ctx context.Context) (string, error) {
	userID, publicKey, err := c.crypto.GenerateIdentity(ctx)
	if err != nil {
		return "", err
	}
	c.adoptIdentity(userID, publicKey)
	c.log.WithFields(logrus.Fields{
		"function": "NewIdentity",
		"user_id":  userID[:8],
	}).Info("Identity generated")
	return userID, nil
}

// identityRecord is the at-rest form of an identity: a password-verification
// hash plus the key material sealed under the encryption-usage key. The
// password itself is never stored.
type identityRecord struct {
	Salt     string                   `json:"salt"`
	Verify   string                   `json:"verify"`
	Envelope *crypto.PasswordEnvelope `json:"envelope"`
}

func identityKey(username string) string {
	return "identity:" + username
}

// SaveIdentity seals the loaded identity under the password and persists it
// for the username.
func (c *Client) SaveIdentity(ctx context.Context, username, password string) error {
	material, err := c.crypto.ExportIdentity(ctx)
	if err != nil {
		return err
	}

	verify, err := c.crypto.DeriveKeyFromPassword(ctx, password, "", crypto.UsageVerification)
	if err != nil {
		return err
	}
	envelope, err := c.crypto.EncryptWithPassword(ctx, material, password, verify.Salt)
	if err != nil {
		return err
	}

	record := identityRecord{Salt: verify.Salt, Verify: verify.Hash, Envelope: envelope}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode identity record: %w", err)
	}
	if err := c.store.Set(identityKey(username), raw); err != nil {
		return fmt.Errorf("failed to persist identity: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"function": "SaveIdentity",
		"username": username,
	}).Info("Identity saved")
	return nil
}

// LoadIdentity verifies the password against the stored blob, unseals the key
// material, and loads it into the crypto worker.
func (c *Client) LoadIdentity(ctx context.Context, username, password string) error {
	raw, found, err := c.store.Get(identityKey(username))
	if err != nil {
		return fmt.Errorf("failed to read identity: %w", err)
	}
	if !found {
		return ErrIdentityNotFound
	}
	var record identityRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return fmt.Errorf("corrupt identity record: %w", err)
	}

	verify, err := c.crypto.DeriveKeyFromPassword(ctx, password, record.Salt, crypto.UsageVerification)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(verify.Hash), []byte(record.Verify)) != 1 {
		return ErrWrongPassword
	}

	var material crypto.KeyMaterial
	if err := c.crypto.DecryptWithPassword(ctx, record.Envelope, password, record.Salt, &material); err != nil {
		return err
	}
	if err := c.crypto.LoadIdentity(ctx, &material); err != nil {
		return err
	}

	publicKey, err := c.crypto.ExchangePublicKey()
	if err != nil {
		return err
	}
	c.adoptIdentity(c.crypto.UserID(), publicKey)

	c.log.WithFields(logrus.Fields{
		"function": "LoadIdentity",
		"username": username,
	}).Info("Identity loaded")
	return nil
}

// adoptIdentity builds the contact manager for the identity and arms the
// session's registration material.
func (c *Client) adoptIdentity(userID string, publicKey crypto.PublicKeyJWK) {
	c.mu.Lock()
	c.contacts = contact.NewManager(userID, publicKey, c.store, c.session, c.notifier)
	c.contacts.SetProfile(c.profile)
	name := c.profile.Name
	c.mu.Unlock()
	c.session.SetIdentity(userID, publicKey, name)
}

// UserID returns the loaded identity's user id, or "" before one exists.
func (c *Client) UserID() string {
	return c.crypto.UserID()
}

// ExportInviteKey returns the out-of-band invitation string for the local
// identity.
func (c *Client) ExportInviteKey() (string, error) {
	userID := c.crypto.UserID()
	if userID == "" {
		return "", ErrNoIdentity
	}
	return crypto.EncodeInviteKey(userID)
}

// Connect starts the transport lifecycle. An identity must be loaded first.
func (c *Client) Connect() error {
	if c.crypto.UserID() == "" {
		return ErrNoIdentity
	}
	c.session.Connect()
	return nil
}

// Disconnect returns the transport to idle.
func (c *Client) Disconnect() {
	c.session.Disconnect()
}

// Retry leaves the terminal error state and reconnects.
func (c *Client) Retry() {
	c.session.Retry()
}

// ConnectionState returns a snapshot of the transport state.
func (c *Client) ConnectionState() signaling.State {
	return c.session.State()
}

// ChangeServer switches to a different relay, reconnecting if active.
func (c *Client) ChangeServer(baseURL string) error {
	return c.session.ChangeServer(baseURL)
}

func (c *Client) manager() (*contact.Manager, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.contacts == nil {
		return nil, ErrNoIdentity
	}
	return c.contacts, nil
}

// AddContact creates an outgoing invitation. The exchange key may be the
// peer's JWK as JSON or base64-wrapped JSON, as shared out of band.
func (c *Client) AddContact(id, exchangeKey, group string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	jwk, err := crypto.ParseExchangeKey(exchangeKey)
	if err != nil {
		return err
	}
	return m.AddContact(id, *jwk, group)
}

// AcceptContact answers an incoming invitation positively.
func (c *Client) AcceptContact(id, group string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.AcceptContact(id, group)
}

// RejectContact answers an incoming invitation negatively.
func (c *Client) RejectContact(id string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.RejectContact(id)
}

// CancelOutgoing withdraws an unanswered outgoing invitation.
func (c *Client) CancelOutgoing(id string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.CancelOutgoing(id)
}

// DeleteContact removes a contact and notifies the peer.
func (c *Client) DeleteContact(id string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.DeleteContact(id)
}

// DeleteAndBlockContact removes a contact, blocks the id, and notifies the
// peer. There is no unblock operation.
func (c *Client) DeleteAndBlockContact(id string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.DeleteAndBlockContact(id)
}

// UpdateContactGroup changes only the contact's group label.
func (c *Client) UpdateContactGroup(id, group string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.UpdateContactGroup(id, group)
}

// MarkRead clears a contact's unread counter.
func (c *Client) MarkRead(id string) error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	return m.MarkRead(id)
}

// Contacts returns all contact records.
func (c *Client) Contacts() ([]*contact.Contact, error) {
	m, err := c.manager()
	if err != nil {
		return nil, err
	}
	return m.Contacts()
}

// GetContact returns one contact record, or nil if unknown.
func (c *Client) GetContact(id string) (*contact.Contact, error) {
	m, err := c.manager()
	if err != nil {
		return nil, err
	}
	return m.Contact(id)
}

// SendMessage encrypts the text for the accepted contact and dispatches it.
// Delivery is fire-and-forget; a relay failure surfaces as a bus
// notification, not here.
func (c *Client) SendMessage(ctx context.Context, to, text string) (string, error) {
	m, err := c.manager()
	if err != nil {
		return "", err
	}
	record, err := m.Contact(to)
	if err != nil {
		return "", err
	}
	if record == nil || record.Status != contact.StatusAccepted {
		return "", ErrNotAccepted
	}

	envelope, err := c.crypto.Encrypt(ctx, []byte(text), record.ExchangeKey)
	if err != nil {
		return "", err
	}
	messageID := uuid.NewString()
	if err := c.session.SendMessage(to, messageID, envelope); err != nil {
		return "", err
	}
	return messageID, nil
}

// SetProfile updates the local display profile used in invites and profile
// broadcasts, and refreshes the relay's cached copy when connected.
func (c *Client) SetProfile(name, avatar, bio string) {
	profile := contact.Profile{Name: name, Avatar: avatar, Bio: bio}
	c.mu.Lock()
	c.profile = profile
	m := c.contacts
	c.mu.Unlock()

	if m != nil {
		m.SetProfile(profile)
	}
	c.session.SetLocalName(name)

	// Registration carries the name anyway, so an idle session just waits
	// for the next connect.
	if err := c.session.UpdateCachedProfile(name, avatar, bio); err != nil && err != signaling.ErrNotConnected {
		c.log.WithFields(logrus.Fields{
			"function": "SetProfile",
			"error":    err,
		}).Warn("Profile cache dispatch refused")
	}
}

// BroadcastProfile sends the current profile to every accepted contact.
func (c *Client) BroadcastProfile() error {
	m, err := c.manager()
	if err != nil {
		return err
	}
	accepted, err := m.AcceptedContacts()
	if err != nil {
		return err
	}
	profile := m.LocalProfile()
	for _, record := range accepted {
		if err := c.session.SendProfile(record.ID, profile.Name, profile.Avatar, profile.Bio); err != nil {
			c.log.WithFields(logrus.Fields{
				"function": "BroadcastProfile",
				"contact":  record.ID[:8],
				"error":    err,
			}).Warn("Profile dispatch refused")
		}
	}
	return nil
}

// messagePayload is the wire shape of a message event.
type messagePayload struct {
	MessageID string           `json:"messageId"`
	Envelope  *crypto.Envelope `json:"envelope"`
}

// handleEvent routes one remote event: messages are decrypted here, all other
// types go straight to the contact manager.
func (c *Client) handleEvent(event signaling.Event) {
	m, err := c.manager()
	if err != nil {
		return
	}
	if event.Type != signaling.EventMessage {
		m.HandleEvent(event)
		return
	}

	var payload messagePayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.Envelope == nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleEvent",
			"from":     event.From[:min(8, len(event.From))],
			"error":    err,
		}).Warn("Malformed message event dropped")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	plaintext, err := c.crypto.Decrypt(ctx, payload.Envelope)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleEvent",
			"from":     event.From[:min(8, len(event.From))],
			"error":    err,
		}).Warn("Message decryption failed, event dropped")
		return
	}

	applied, err := m.RecordIncomingMessage(event.From, payload.MessageID, string(plaintext))
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"function": "handleEvent",
			"error":    err,
		}).Warn("Failed to record incoming message")
		return
	}
	if !applied {
		return
	}
	if cb := c.messageCallback(); cb != nil {
		cb(event.From, payload.MessageID, string(plaintext))
	}
}

// Close tears everything down: the session, the crypto worker, the bus
// subscriptions, and the dispatcher if the client owns it.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubscribes := c.unsubscribes
	c.unsubscribes = nil
	c.mu.Unlock()

	c.session.Close()
	c.crypto.Close()
	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	if closer, ok := c.notifier.(*bus.Dispatcher); ok && c.ownsNotifier {
		closer.Close()
	}
}
