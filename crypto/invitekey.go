package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

// InviteKeyVersion is the current invite-key format version.
const InviteKeyVersion = 1

// InviteKey is the out-of-band, user-copied token that carries a user ID to a
// prospective contact. The wire form is base64 of the JSON encoding.
type InviteKey struct {
	Version   int    `json:"v"`
	UserID    string `json:"uid"`
	Timestamp int64  `json:"ts"`
}

// EncodeInviteKey produces the shareable invite-key string for a user ID.
func EncodeInviteKey(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	data, err := json.Marshal(InviteKey{
		Version:   InviteKeyVersion,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeInviteKey parses and validates a shareable invite-key string.
func DecodeInviteKey(s string) (*InviteKey, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("invalid invite key encoding")
	}

	var key InviteKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, errors.New("invalid invite key payload")
	}
	if key.Version != InviteKeyVersion {
		return nil, errors.New("unsupported invite key version")
	}
	if err := ValidateUserID(key.UserID); err != nil {
		return nil, err
	}
	return &key, nil
}

// ValidateUserID checks that an ID has the canonical 128-hex-character form.
func ValidateUserID(userID string) error {
	if len(userID) != UserIDLength {
		return errors.New("invalid user ID length")
	}
	if _, err := hex.DecodeString(userID); err != nil {
		return errors.New("user ID is not hex encoded")
	}
	return nil
}
