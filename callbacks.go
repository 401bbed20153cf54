package peerlink

import (
	"github.com/opd-ai/peerlink/bus"
	"github.com/opd-ai/peerlink/contact"
	"github.com/opd-ai/peerlink/signaling"
)

// ContactCallback receives a contact record snapshot.
type ContactCallback func(c contact.Contact)

// MessageCallback receives one decrypted incoming message.
type MessageCallback func(from, messageID, text string)

// ConnectionStatusCallback receives transport phase changes.
type ConnectionStatusCallback func(status signaling.ConnectionStatus)

// OnContactRequest registers the callback for incoming invitations.
func (c *Client) OnContactRequest(callback ContactCallback) {
	c.mu.Lock()
	c.contactRequestCb = callback
	c.mu.Unlock()
}

// OnContactAccepted registers the callback fired when a relationship becomes
// accepted, whether we accepted or the peer did.
func (c *Client) OnContactAccepted(callback ContactCallback) {
	c.mu.Lock()
	c.contactAcceptedCb = callback
	c.mu.Unlock()
}

// OnProfileUpdated registers the callback for contact profile changes.
func (c *Client) OnProfileUpdated(callback ContactCallback) {
	c.mu.Lock()
	c.profileUpdatedCb = callback
	c.mu.Unlock()
}

// OnMessage registers the callback for decrypted incoming messages.
func (c *Client) OnMessage(callback MessageCallback) {
	c.mu.Lock()
	c.messageCb = callback
	c.mu.Unlock()
}

// OnConnectionStatus registers the callback for transport phase changes.
func (c *Client) OnConnectionStatus(callback ConnectionStatusCallback) {
	c.mu.Lock()
	c.connectionStatusCb = callback
	c.mu.Unlock()
}

// subscribe wires the bus notifications into the registered callbacks. The
// dispatcher serializes handler invocations, so callbacks never run
// concurrently with each other.
func (c *Client) subscribe() {
	c.unsubscribes = append(c.unsubscribes,
		c.notifier.On(contact.NotifyContactRequest, func(e bus.Event) {
			if record, ok := e.Data.(contact.Contact); ok {
				if cb := c.contactRequestCallback(); cb != nil {
					cb(record)
				}
			}
		}),
		c.notifier.On(contact.NotifyContactAccepted, func(e bus.Event) {
			if record, ok := e.Data.(contact.Contact); ok {
				if cb := c.contactAcceptedCallback(); cb != nil {
					cb(record)
				}
			}
		}),
		c.notifier.On(contact.NotifyContactUpdated, func(e bus.Event) {
			if record, ok := e.Data.(contact.Contact); ok {
				if cb := c.profileUpdatedCallback(); cb != nil {
					cb(record)
				}
			}
		}),
		c.notifier.On(signaling.NotifyConnectionStatus, func(e bus.Event) {
			if status, ok := e.Data.(signaling.ConnectionStatus); ok {
				if cb := c.connectionStatusCallback(); cb != nil {
					cb(status)
				}
			}
		}),
	)
}

func (c *Client) contactRequestCallback() ContactCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contactRequestCb
}

func (c *Client) contactAcceptedCallback() ContactCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contactAcceptedCb
}

func (c *Client) profileUpdatedCallback() ContactCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profileUpdatedCb
}

func (c *Client) messageCallback() MessageCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.messageCb
}

func (c *Client) connectionStatusCallback() ConnectionStatusCallback {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionStatusCb
}
