// Package contact implements the per-peer relationship lifecycle: invitation
// records, accept/reject reconciliation, blocklists, and cached peer profiles.
//
// All state is scoped to the owning local user, so two local accounts sharing
// one store keep independent contact sets. Remote events may be delivered more
// than once; every handler is idempotent.
package contact

import (
	"time"

	"github.com/opd-ai/peerlink/crypto"
)

// Status is the relationship state of a contact record.
type Status string

const (
	// StatusPendingOutgoing means we invited the peer and await an answer.
	StatusPendingOutgoing Status = "pending_outgoing"
	// StatusPendingIncoming means the peer invited us and awaits our answer.
	StatusPendingIncoming Status = "pending_incoming"
	// StatusAccepted means both sides confirmed the relationship.
	StatusAccepted Status = "accepted"
)

// Contact is one relationship with a remote identity.
type Contact struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Avatar      string              `json:"avatar,omitempty"`
	Bio         string              `json:"bio,omitempty"`
	Group       string              `json:"group"`
	ExchangeKey crypto.PublicKeyJWK `json:"exchangeKey"`
	Status      Status              `json:"status"`
	AddedAt     time.Time           `json:"addedAt"`
	LastSeen    time.Time           `json:"lastSeen"`
	IsOnline    bool                `json:"isOnline"`
	Unread      int                 `json:"unread"`
	LastMessage string              `json:"lastMessage,omitempty"`
}

// DefaultGroup is assigned when a command does not name a group.
const DefaultGroup = "Default"

// Profile is the displayable slice of the local user shared with peers.
type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Bio    string `json:"bio,omitempty"`
}
