package telegram

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func signedPayload(v *Verifier) AuthPayload {
	p := AuthPayload{
		"id":         "123456789",
		"first_name": "Ada",
		"username":   "ada",
		"auth_date":  "1700000000",
	}
	p["hash"] = v.Sign(p)
	return p
}

func TestVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("12345:bot-token")
	p := signedPayload(v)

	id, err := v.Verify(p)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "123456789" {
		t.Fatalf("verified id = %q", id)
	}
}

func TestVerifyNumericFields(t *testing.T) {
	// The widget posts id and auth_date as JSON numbers; the signature is
	// computed over their decimal rendering, so a decoded payload must
	// verify against a hash signed over "id=123456789".
	v := NewVerifier("12345:bot-token")
	signed := AuthPayload{"id": "123456789", "auth_date": "1700000000", "username": "ada"}
	hash := v.Sign(signed)

	raw := `{"id":123456789,"auth_date":1700000000,"username":"ada","hash":"` + hash + `"}`
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var p AuthPayload
	if err := dec.Decode(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}

	id, err := v.Verify(p)
	if err != nil {
		t.Fatalf("verify numeric payload: %v", err)
	}
	if id != "123456789" {
		t.Fatalf("verified id = %q", id)
	}
}

func TestVerifySignsUnknownFields(t *testing.T) {
	// Every posted key participates in the signature; stripping one the
	// verifier does not recognize must invalidate the hash.
	v := NewVerifier("12345:bot-token")
	p := AuthPayload{"id": "42", "auth_date": "1700000000", "photo_url": "https://t.me/i/userpic/1.jpg"}
	p["hash"] = v.Sign(p)

	delete(p, "photo_url")
	if _, err := v.Verify(p); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature after stripping a signed field, got %v", err)
	}
}

func TestVerifyUppercaseHashAccepted(t *testing.T) {
	v := NewVerifier("12345:bot-token")
	p := signedPayload(v)
	p["hash"] = strings.ToUpper(p.Field("hash"))

	if _, err := v.Verify(p); err != nil {
		t.Fatalf("uppercase hash rejected: %v", err)
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	v := NewVerifier("12345:bot-token")
	p := signedPayload(v)
	p["username"] = "mallory"

	if _, err := v.Verify(p); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyWrongBotToken(t *testing.T) {
	p := signedPayload(NewVerifier("12345:bot-token"))
	other := NewVerifier("99999:other-token")

	if _, err := other.Verify(p); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyMissingFields(t *testing.T) {
	v := NewVerifier("12345:bot-token")

	if _, err := v.Verify(AuthPayload{"hash": "abc"}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField for absent id, got %v", err)
	}
	if _, err := v.Verify(AuthPayload{"id": "123"}); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField for absent hash, got %v", err)
	}
}

func TestDataCheckStringExcludesNullFields(t *testing.T) {
	// JSON null is the one value the original drops before signing; a null
	// entry must not change the signature of the same payload without it.
	v := NewVerifier("12345:bot-token")
	minimal := AuthPayload{"id": "42", "auth_date": "1700000000"}
	hash := v.Sign(minimal)

	withNull := AuthPayload{"id": "42", "auth_date": "1700000000", "photo_url": nil, "hash": hash}
	if _, err := v.Verify(withNull); err != nil {
		t.Fatalf("payload with null field rejected: %v", err)
	}
}
