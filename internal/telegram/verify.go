// Package telegram verifies Telegram Login Widget payloads. The widget signs
// the sorted key=value pairs of the auth payload with HMAC-SHA256 under a
// secret derived from the bot token, which proves the payload was issued by
// Telegram for this bot.
package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrBadSignature indicates the payload hash does not verify.
	ErrBadSignature = errors.New("telegram: auth payload signature is invalid")
	// ErrMissingField indicates a structurally incomplete payload.
	ErrMissingField = errors.New("telegram: auth payload field missing")
)

// AuthPayload is the login-widget payload exactly as posted by the web dapp.
// The widget signs every field it sends, including ones this service has no
// use for, so the payload stays a loose map: unknown keys participate in the
// signature and the numeric id and auth_date survive decoding. The "hash"
// key carries the signature over the rest.
type AuthPayload map[string]any

// Field renders the named value the way the widget signs it: numbers without
// an exponent, strings as-is, absent or null as empty.
func (p AuthPayload) Field(key string) string {
	return fieldString(p[key])
}

func fieldString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

// Verifier checks login payloads against the configured bot token.
type Verifier struct {
	secret [sha256.Size]byte
}

// NewVerifier derives the widget secret: SHA256 of the raw bot token.
func NewVerifier(botToken string) *Verifier {
	return &Verifier{secret: sha256.Sum256([]byte(botToken))}
}

// Verify checks the payload signature and returns the verified account id.
// Verification succeeding says nothing about WHICH session the account may
// confirm; that ownership check belongs to the linking machine.
func (v *Verifier) Verify(payload AuthPayload) (string, error) {
	id := payload.Field("id")
	if strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: id", ErrMissingField)
	}
	hash := payload.Field("hash")
	if strings.TrimSpace(hash) == "" {
		return "", fmt.Errorf("%w: hash", ErrMissingField)
	}

	mac := hmac.New(sha256.New, v.secret[:])
	mac.Write([]byte(dataCheckString(payload)))
	computed := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(computed), []byte(strings.ToLower(hash))) {
		return "", ErrBadSignature
	}
	return id, nil
}

// dataCheckString joins every field except the hash itself as key=value
// lines, sorted by key, exactly as the widget signs them. Null values are
// excluded; everything else the caller posted participates.
func dataCheckString(p AuthPayload) string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		if k == "hash" || v == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+fieldString(p[k]))
	}
	return strings.Join(lines, "\n")
}

// Sign computes the widget hash for a payload; used by tests and local
// tooling that must forge valid payloads without Telegram in the loop.
func (v *Verifier) Sign(payload AuthPayload) string {
	mac := hmac.New(sha256.New, v.secret[:])
	mac.Write([]byte(dataCheckString(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}
