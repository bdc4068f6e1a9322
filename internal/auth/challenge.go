package auth

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/ssh"
)

// NonceSize is the length of a public-key challenge.
const NonceSize = 32

// challengeContext prefixes every signed challenge so a signature made for
// RCP cannot be replayed against another protocol.
const challengeContext = "rcp-auth-v1"

var (
	errNoChallenge      = errors.New("no outstanding challenge")
	errChallengeExpired = errors.New("challenge expired")
	errNonceMismatch    = errors.New("nonce does not match challenge")
	errUnknownIdentity  = errors.New("unknown identity")
	errBadSignature     = errors.New("signature verification failed")
)

type challenge struct {
	identity string
	nonce    []byte
	expires  time.Time
}

// challengeData returns the bytes a client signs for nonce.
func challengeData(nonce []byte) []byte {
	return append([]byte(challengeContext), nonce...)
}

// SignChallenge signs nonce with signer and returns the wire encoding of the
// signature, ready for the Credential field of a response.
func SignChallenge(signer ssh.Signer, nonce []byte) ([]byte, error) {
	sig, err := signer.Sign(rand.Reader, challengeData(nonce))
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}
	return ssh.Marshal(sig), nil
}

func verifySignature(key ssh.PublicKey, nonce, wire []byte) error {
	var sig ssh.Signature
	if err := ssh.Unmarshal(wire, &sig); err != nil {
		return fmt.Errorf("%w: %v", errBadSignature, err)
	}
	if err := key.Verify(challengeData(nonce), &sig); err != nil {
		return fmt.Errorf("%w: %v", errBadSignature, err)
	}
	return nil
}

func newNonce(r io.Reader) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}

// ParsePublicKey parses one key in authorized_keys format.
func ParsePublicKey(line string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// ParseAuthorizedKeys reads an authorized_keys file. Each key is registered
// under its comment, or under its SHA256 fingerprint when it has none.
func ParseAuthorizedKeys(data []byte) (map[string]ssh.PublicKey, error) {
	keys := make(map[string]ssh.PublicKey)
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, comment, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, fmt.Errorf("authorized keys line %d: %w", lineNo, err)
		}
		identity := comment
		if identity == "" {
			identity = ssh.FingerprintSHA256(key)
		}
		keys[identity] = key
	}
	return keys, sc.Err()
}
