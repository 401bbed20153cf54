package crypto

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	if len(id.UserID) != UserIDLength {
		t.Errorf("Expected user ID length %d, got %d", UserIDLength, len(id.UserID))
	}
	if id.Version != IdentityVersion {
		t.Errorf("Expected version %d, got %d", IdentityVersion, id.Version)
	}
	if id.SigningKey == nil || id.ExchangeKey == nil {
		t.Fatal("Expected both key pairs to be populated")
	}
	if id.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestDeriveUserID_Deterministic(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	first, err := DeriveUserID(id.SigningPublicJWK())
	if err != nil {
		t.Fatalf("DeriveUserID failed: %v", err)
	}
	second, err := DeriveUserID(id.SigningPublicJWK())
	if err != nil {
		t.Fatalf("DeriveUserID failed: %v", err)
	}

	if first != second {
		t.Errorf("Same key material produced different IDs: %s vs %s", first, second)
	}
	if first != id.UserID {
		t.Errorf("Derived ID %s does not match identity ID %s", first, id.UserID)
	}
}

func TestDeriveUserID_DistinctKeys(t *testing.T) {
	a, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	b, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	if a.UserID == b.UserID {
		t.Error("Distinct signing keys produced the same user ID")
	}
}

func TestIdentityExportImport(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	material := id.Export()

	// Key material must survive a JSON round trip (it is persisted that way).
	data, err := json.Marshal(material)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var restored KeyMaterial
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	imported, err := ImportIdentity(&restored)
	if err != nil {
		t.Fatalf("ImportIdentity failed: %v", err)
	}

	if imported.UserID != id.UserID {
		t.Errorf("Imported identity has user ID %s, want %s", imported.UserID, id.UserID)
	}
	if !imported.ExchangeKey.Equal(id.ExchangeKey) {
		t.Error("Imported exchange key does not match original")
	}
	if imported.SigningKey.D.Cmp(id.SigningKey.D) != 0 {
		t.Error("Imported signing key does not match original")
	}
}

func TestImportIdentity_RejectsMismatchedUserID(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}

	material := id.Export()
	other, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	material.UserID = other.UserID

	if _, err := ImportIdentity(material); err == nil {
		t.Error("Expected error for user ID that does not match the signing key")
	}
}

func TestParseExchangeKey(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	jwk := id.ExchangePublicJWK()
	jsonForm, err := json.Marshal(jwk)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	testCases := []struct {
		name      string
		payload   string
		expectErr bool
	}{
		{"Direct JSON", string(jsonForm), false},
		{"Base64-wrapped JSON", base64.StdEncoding.EncodeToString(jsonForm), false},
		{"Empty payload", "", true},
		{"Garbage", "not a key at all!!", true},
		{"Base64 of garbage", base64.StdEncoding.EncodeToString([]byte("still not a key")), true},
		{"Wrong curve", `{"crv":"P-384","kty":"EC","x":"` + jwk.X + `","y":"` + jwk.Y + `"}`, true},
		{"Missing coordinate", `{"crv":"P-256","kty":"EC","x":"` + jwk.X + `"}`, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseExchangeKey(tc.payload)
			if tc.expectErr {
				if err == nil {
					t.Errorf("Expected error for payload %q, got nil", tc.payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if parsed.X != jwk.X || parsed.Y != jwk.Y {
				t.Error("Parsed key does not match original coordinates")
			}
		})
	}
}

func TestParseExchangeKey_RejectsOffCurvePoint(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity failed: %v", err)
	}
	jwk := id.ExchangePublicJWK()
	jwk.Y = jwk.X // valid encoding, almost certainly not on the curve

	data, err := json.Marshal(jwk)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if _, err := ParseExchangeKey(string(data)); err == nil {
		t.Error("Expected off-curve point to be rejected")
	}
}
