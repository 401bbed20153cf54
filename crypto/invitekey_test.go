package crypto

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestInviteKey_RoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	encoded, err := EncodeInviteKey(id.UserID)
	if err != nil {
		t.Fatalf("EncodeInviteKey failed: %v", err)
	}

	// The wire form is base64 of a JSON object {v, uid, ts}.
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("Invite key is not valid base64: %v", err)
	}
	var wire map[string]interface{}
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("Invite key payload is not JSON: %v", err)
	}
	for _, field := range []string{"v", "uid", "ts"} {
		if _, ok := wire[field]; !ok {
			t.Errorf("Invite key payload missing %q field", field)
		}
	}

	decoded, err := DecodeInviteKey(encoded)
	if err != nil {
		t.Fatalf("DecodeInviteKey failed: %v", err)
	}
	if decoded.UserID != id.UserID {
		t.Errorf("Decoded user ID %s, want %s", decoded.UserID, id.UserID)
	}
	if decoded.Version != InviteKeyVersion {
		t.Errorf("Decoded version %d, want %d", decoded.Version, InviteKeyVersion)
	}
}

func TestDecodeInviteKey_Rejections(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	valid, err := EncodeInviteKey(id.UserID)
	if err != nil {
		t.Fatalf("EncodeInviteKey failed: %v", err)
	}

	wrongVersion, _ := json.Marshal(InviteKey{Version: 99, UserID: id.UserID, Timestamp: 1})
	shortID, _ := json.Marshal(InviteKey{Version: 1, UserID: "abc123", Timestamp: 1})
	nonHexID, _ := json.Marshal(InviteKey{Version: 1, UserID: strings.Repeat("z", UserIDLength), Timestamp: 1})

	testCases := []struct {
		name string
		key  string
	}{
		{"Not base64", "%% not base64 %%"},
		{"Base64 of non-JSON", base64.StdEncoding.EncodeToString([]byte("plain text"))},
		{"Unsupported version", base64.StdEncoding.EncodeToString(wrongVersion)},
		{"Short user ID", base64.StdEncoding.EncodeToString(shortID)},
		{"Non-hex user ID", base64.StdEncoding.EncodeToString(nonHexID)},
		{"Truncated key", valid[:8]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeInviteKey(tc.key); err == nil {
				t.Errorf("Expected error for %q, got nil", tc.name)
			}
		})
	}
}

func TestEncodeInviteKey_RejectsInvalidUserID(t *testing.T) {
	if _, err := EncodeInviteKey("too short"); err == nil {
		t.Error("Expected error for invalid user ID")
	}
}
