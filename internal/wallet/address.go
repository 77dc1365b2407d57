// Package wallet derives Sui addresses from verified identity claims and
// checks them against the tenant's linked credential before any spend.
package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/Sui-Romanian-Hackathon/Caishen-sub000/internal/token"
)

// zkLogin signature scheme flag byte in the Sui address preimage.
const zkLoginFlag = 0x05

// ErrUnsupportedClaim is returned when the derivation claim is not one the
// verified token carries.
var ErrUnsupportedClaim = errors.New("wallet: unsupported derivation claim")

// DeriveAddress computes the deterministic wallet address for the verified
// claims and salt. The address seed commits to the claim name, the verified
// claim value, the audience and the salt; the address itself additionally
// commits to the issuer, so equal subjects under different issuers never
// collide. The subject always comes from the verified token, never from the
// caller.
func DeriveAddress(claims *token.Claims, salt, claimName string) (string, error) {
	if claimName == "" {
		claimName = "sub"
	}
	var claimValue string
	switch claimName {
	case "sub":
		claimValue = claims.Subject
	case "email":
		claimValue = claims.Email
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedClaim, claimName)
	}
	if claimValue == "" {
		return "", fmt.Errorf("%w: token carries no %q claim", ErrUnsupportedClaim, claimName)
	}

	seed, err := addressSeed(claimName, claimValue, claims.PrimaryAudience(), salt)
	if err != nil {
		return "", err
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte{zkLoginFlag})
	writeLenPrefixed(h, []byte(claims.Issuer))
	h.Write(seed)
	return "0x" + fmt.Sprintf("%x", h.Sum(nil)), nil
}

func addressSeed(claimName, claimValue, audience, salt string) ([]byte, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	writeLenPrefixed(h, []byte(claimName))
	writeLenPrefixed(h, []byte(claimValue))
	writeLenPrefixed(h, []byte(audience))
	writeLenPrefixed(h, []byte(salt))
	return h.Sum(nil), nil
}

// writeLenPrefixed writes a length-delimited field so adjacent fields cannot
// be shifted into each other.
func writeLenPrefixed(h hash.Hash, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// Normalize lowercases an address and strips an optional 0x prefix so two
// spellings of the same address compare equal.
func Normalize(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	return strings.TrimPrefix(addr, "0x")
}

// Equal reports whether two addresses refer to the same account.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// ValidFormat reports whether addr looks like a Sui address: optional 0x
// prefix followed by 64 hex characters.
func ValidFormat(addr string) bool {
	hexPart := Normalize(addr)
	if len(hexPart) != 64 {
		return false
	}
	for _, r := range hexPart {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}
