package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const SecretSize = 32

// argon2id parameters for stored secret hashes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	argonSaltLen = 16
)

var errMalformedHash = errors.New("malformed secret hash")

// GenerateSecret returns a cryptographically random pre-shared secret,
// hex-encoded.
func GenerateSecret() (string, error) {
	key := make([]byte, SecretSize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// HashSecret returns the stored form of secret. scheme is "argon2id" or
// "sha256".
func HashSecret(secret, scheme string) (string, error) {
	switch scheme {
	case "", "argon2id":
		salt := make([]byte, argonSaltLen)
		if _, err := rand.Read(salt); err != nil {
			return "", err
		}
		sum := argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
		return "argon2id:" + hex.EncodeToString(salt) + ":" + hex.EncodeToString(sum), nil
	case "sha256":
		sum := sha256.Sum256([]byte(secret))
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	return "", fmt.Errorf("unknown hash scheme %q", scheme)
}

// pskHash is a parsed stored secret hash.
type pskHash struct {
	scheme string
	salt   []byte
	sum    []byte
	id     string // short digest of the stored form
}

func parsePSKHash(s string) (*pskHash, error) {
	h, err := parseStoredHash(s)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte(s))
	h.id = "psk:" + hex.EncodeToString(digest[:8])
	return h, nil
}

func parseStoredHash(s string) (*pskHash, error) {
	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[0] == "sha256":
		sum, err := hex.DecodeString(parts[1])
		if err != nil || len(sum) != sha256.Size {
			return nil, fmt.Errorf("%w: sha256 digest", errMalformedHash)
		}
		return &pskHash{scheme: "sha256", sum: sum}, nil
	case len(parts) == 3 && parts[0] == "argon2id":
		salt, err := hex.DecodeString(parts[1])
		if err != nil || len(salt) == 0 {
			return nil, fmt.Errorf("%w: argon2id salt", errMalformedHash)
		}
		sum, err := hex.DecodeString(parts[2])
		if err != nil || len(sum) == 0 {
			return nil, fmt.Errorf("%w: argon2id key", errMalformedHash)
		}
		return &pskHash{scheme: "argon2id", salt: salt, sum: sum}, nil
	}
	return nil, fmt.Errorf("%w: want sha256:<hex> or argon2id:<salt>:<key>", errMalformedHash)
}

// verify hashes secret the same way and compares in constant time.
func (h *pskHash) verify(secret []byte) bool {
	var got []byte
	switch h.scheme {
	case "sha256":
		sum := sha256.Sum256(secret)
		got = sum[:]
	case "argon2id":
		got = argon2.IDKey(secret, h.salt, argonTime, argonMemory, argonThreads, uint32(len(h.sum)))
	default:
		return false
	}
	return subtle.ConstantTimeCompare(got, h.sum) == 1
}
