// Package peerlink implements the client core of an end-to-end encrypted
// peer messaging system: identity and key management, an encrypted envelope
// format, a relay-backed signaling transport, and contact reconciliation.
//
// The relay never sees plaintext. Every message is sealed with a fresh
// ephemeral P-256 key agreement and AES-256-GCM, so the relay only routes
// opaque envelopes between user ids.
//
// # Getting Started
//
// Create a Client, generate or load an identity, then connect:
//
//	client, err := peerlink.New(peerlink.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	userID, err := client.NewIdentity(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client.OnContactRequest(func(c contact.Contact) {
//	    client.AcceptContact(c.ID, "Default")
//	})
//	client.OnMessage(func(from, messageID, text string) {
//	    fmt.Printf("%s: %s\n", from[:8], text)
//	})
//
//	if err := client.Connect(); err != nil {
//	    log.Fatal(err)
//	}
//
// Identities persist encrypted at rest under a password (SaveIdentity /
// LoadIdentity); the password itself is never stored. Contact invitations
// travel out of band as invite keys (ExportInviteKey).
//
// # Subsystems
//
//   - crypto: identities, envelopes, password-based key derivation
//   - crypto/worker: serialized crypto execution with correlation ids
//   - signaling: the relay client, connection state machine, and session
//   - contact: relationship records, blocklists, idempotent reconciliation
//   - storage, bus, config: persistence, notifications, configuration
package peerlink
