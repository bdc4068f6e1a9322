// Package auth runs the server side of the RCP authentication handshake.
//
// Two methods are supported: a pre-shared secret checked against a stored
// hash, and a public-key challenge where the client signs a single-use nonce
// with an SSH key. Success issues a signed session token. Every failure is
// reported to the peer as the same generic ErrAuthenticationFailed; the
// specific cause is only kept for logs.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/semaphore"

	"github.com/chronologos/rcp/internal/command"
)

// ErrAuthenticationFailed is the only failure a peer ever sees.
var ErrAuthenticationFailed = command.ErrAuthenticationFailed

var (
	errMethodDisabled = errors.New("method not configured")
	errNotAllowed     = errors.New("identity not in allowlist")
	errRevoked        = errors.New("token credential revoked")
	errVerifyBusy     = errors.New("too many secret verifications in flight")
)

// Defaults for zero Config fields.
const (
	DefaultChallengeTTL = 30 * time.Second
	DefaultTokenTTL     = 24 * time.Hour
	DefaultMaxVerifies  = 4
	DefaultVerifyWait   = 5 * time.Second
)

type Config struct {
	ChallengeTTL time.Duration
	TokenTTL     time.Duration
	TokenSecret  []byte // random per process when empty

	// MaxVerifies caps concurrent PSK hash computations. An argon2id check
	// allocates 64 MiB, so unauthenticated peers must not run unbounded.
	MaxVerifies int
	// VerifyWait is how long a PSK attempt waits for a slot before it is
	// denied.
	VerifyWait time.Duration
}

// Credentials are the secrets the authenticator checks against. They are
// replaced wholesale on reload.
type Credentials struct {
	PSKHash    string                   // sha256:<hex> or argon2id:<salt>:<key>; empty disables PSK
	PublicKeys map[string]ssh.PublicKey // identity -> key

	// AllowedIdentities, when non-empty, is the only set of identities
	// that may be granted a session.
	AllowedIdentities []string
}

// Validate reports whether creds would be accepted by SetCredentials.
func (creds Credentials) Validate() error {
	_, err := newCredentials(creds)
	return err
}

type credentials struct {
	psk     *pskHash
	keys    map[string]ssh.PublicKey
	allowed map[string]bool // nil allows every identity
}

func newCredentials(creds Credentials) (*credentials, error) {
	c := &credentials{keys: make(map[string]ssh.PublicKey, len(creds.PublicKeys))}
	if creds.PSKHash != "" {
		h, err := parsePSKHash(creds.PSKHash)
		if err != nil {
			return nil, err
		}
		c.psk = h
	}
	for id, k := range creds.PublicKeys {
		c.keys[id] = k
	}
	if c.psk == nil && len(c.keys) == 0 {
		return nil, errors.New("no credentials configured: set a PSK hash or at least one public key")
	}
	if len(creds.AllowedIdentities) > 0 {
		c.allowed = make(map[string]bool, len(creds.AllowedIdentities))
		for _, id := range creds.AllowedIdentities {
			c.allowed[id] = true
		}
	}
	return c, nil
}

// credentialID names the credential that vouches for identity under
// method, so a token can be tied to it. ok is false when no such
// credential is configured.
func (c *credentials) credentialID(identity string, method command.AuthMethod) (id string, ok bool) {
	switch method {
	case command.MethodPSK:
		if c.psk == nil {
			return "", false
		}
		return c.psk.id, true
	case command.MethodPublicKey:
		k, ok := c.keys[identity]
		if !ok {
			return "", false
		}
		return ssh.FingerprintSHA256(k), true
	}
	return "", false
}

// Status is the outcome of one handshake step.
type Status int

const (
	StatusChallenge Status = iota + 1
	StatusGranted
	StatusDenied
)

func (s Status) String() string {
	switch s {
	case StatusChallenge:
		return "challenge"
	case StatusGranted:
		return "granted"
	case StatusDenied:
		return "denied"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Result is returned by Authenticate.
type Result struct {
	Status   Status
	Method   command.AuthMethod
	Identity string
	Token    string
	Reply    *command.Auth // message to send to the peer
	Cause    error         // internal reason for a denial; never sent
}

// Err returns ErrAuthenticationFailed for a denial and nil otherwise.
func (r Result) Err() error {
	if r.Status == StatusDenied {
		return ErrAuthenticationFailed
	}
	return nil
}

// Authenticator is safe for concurrent use by many sessions.
type Authenticator struct {
	cfg      Config
	creds    atomic.Pointer[credentials]
	rand     io.Reader
	verifies *semaphore.Weighted

	mu         sync.Mutex
	challenges map[string]challenge // by session ID
}

func New(cfg Config, creds Credentials) (*Authenticator, error) {
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxVerifies <= 0 {
		cfg.MaxVerifies = DefaultMaxVerifies
	}
	if cfg.VerifyWait <= 0 {
		cfg.VerifyWait = DefaultVerifyWait
	}
	if len(cfg.TokenSecret) == 0 {
		cfg.TokenSecret = make([]byte, SecretSize)
		if _, err := rand.Read(cfg.TokenSecret); err != nil {
			return nil, fmt.Errorf("token secret: %w", err)
		}
	}
	a := &Authenticator{
		cfg:        cfg,
		rand:       rand.Reader,
		verifies:   semaphore.NewWeighted(int64(cfg.MaxVerifies)),
		challenges: make(map[string]challenge),
	}
	if err := a.SetCredentials(creds); err != nil {
		return nil, err
	}
	return a, nil
}

// SetCredentials atomically replaces the credential set. Handshakes already
// in flight finish against whichever set they read. Tokens issued under a
// credential that is no longer present stop resuming.
func (a *Authenticator) SetCredentials(creds Credentials) error {
	c, err := newCredentials(creds)
	if err != nil {
		return err
	}
	a.creds.Store(c)
	return nil
}

// Authenticate processes one client Auth message for sessionID.
func (a *Authenticator) Authenticate(sessionID string, msg *command.Auth, now time.Time) Result {
	switch {
	case msg.Stage == command.StageBegin && msg.Token != "":
		return a.resume(sessionID, msg, now)
	case msg.Stage == command.StageBegin && msg.Method == command.MethodPSK:
		return a.checkPSK(sessionID, msg, now)
	case msg.Stage == command.StageBegin && msg.Method == command.MethodPublicKey:
		return a.issueChallenge(sessionID, msg, now)
	case msg.Stage == command.StageResponse && msg.Method == command.MethodPublicKey:
		return a.verifyResponse(sessionID, msg, now)
	}
	return a.deny(msg.Method, fmt.Errorf("unexpected %s message for %s", msg.Stage, msg.Method))
}

// Forget drops any outstanding challenge for sessionID.
func (a *Authenticator) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.challenges, sessionID)
	a.mu.Unlock()
}

func (a *Authenticator) checkPSK(sessionID string, msg *command.Auth, now time.Time) Result {
	c := a.creds.Load()
	if c.psk == nil {
		return a.deny(msg.Method, errMethodDisabled)
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.VerifyWait)
	defer cancel()
	if err := a.verifies.Acquire(ctx, 1); err != nil {
		return a.deny(msg.Method, errVerifyBusy)
	}
	ok := c.psk.verify(msg.Credential)
	a.verifies.Release(1)
	if !ok {
		return a.deny(msg.Method, errors.New("secret mismatch"))
	}
	identity := msg.Identity
	if identity == "" {
		identity = "psk"
	}
	return a.grant(c, sessionID, identity, msg.Method, now)
}

func (a *Authenticator) issueChallenge(sessionID string, msg *command.Auth, now time.Time) Result {
	// Unknown identities still get a nonce so the reply does not reveal
	// which identities exist.
	nonce, err := newNonce(a.rand)
	if err != nil {
		return a.deny(msg.Method, fmt.Errorf("nonce: %w", err))
	}
	a.mu.Lock()
	for id, ch := range a.challenges {
		if now.After(ch.expires) {
			delete(a.challenges, id)
		}
	}
	a.challenges[sessionID] = challenge{
		identity: msg.Identity,
		nonce:    nonce,
		expires:  now.Add(a.cfg.ChallengeTTL),
	}
	a.mu.Unlock()

	return Result{
		Status:   StatusChallenge,
		Method:   msg.Method,
		Identity: msg.Identity,
		Reply: &command.Auth{
			Stage:    command.StageChallenge,
			Method:   msg.Method,
			Identity: msg.Identity,
			Nonce:    nonce,
		},
	}
}

func (a *Authenticator) verifyResponse(sessionID string, msg *command.Auth, now time.Time) Result {
	// The nonce is consumed whether or not the response verifies.
	a.mu.Lock()
	ch, ok := a.challenges[sessionID]
	delete(a.challenges, sessionID)
	a.mu.Unlock()

	switch {
	case !ok:
		return a.deny(msg.Method, errNoChallenge)
	case now.After(ch.expires):
		return a.deny(msg.Method, errChallengeExpired)
	case len(msg.Nonce) > 0 && string(msg.Nonce) != string(ch.nonce):
		return a.deny(msg.Method, errNonceMismatch)
	}
	c := a.creds.Load()
	key, ok := c.keys[ch.identity]
	if !ok {
		return a.deny(msg.Method, fmt.Errorf("%w: %q", errUnknownIdentity, ch.identity))
	}
	if err := verifySignature(key, ch.nonce, msg.Credential); err != nil {
		return a.deny(msg.Method, err)
	}
	return a.grant(c, sessionID, ch.identity, msg.Method, now)
}

// resume re-authenticates with a token issued earlier, rebinding it to the
// new session. The credential the token was issued under must still be
// configured.
func (a *Authenticator) resume(sessionID string, msg *command.Auth, now time.Time) Result {
	claims, err := a.validateToken(msg.Token, now)
	if err != nil {
		return a.deny(msg.Method, err)
	}
	var method command.AuthMethod
	if err := method.UnmarshalText([]byte(claims.Method)); err != nil {
		return a.deny(msg.Method, err)
	}
	c := a.creds.Load()
	if id, ok := c.credentialID(claims.Subject, method); !ok || id != claims.Credential {
		return a.deny(method, fmt.Errorf("%w: %s for %q", errRevoked, method, claims.Subject))
	}
	return a.grant(c, sessionID, claims.Subject, method, now)
}

func (a *Authenticator) grant(c *credentials, sessionID, identity string, method command.AuthMethod, now time.Time) Result {
	if c.allowed != nil && !c.allowed[identity] {
		return a.deny(method, fmt.Errorf("%w: %q", errNotAllowed, identity))
	}
	cred, ok := c.credentialID(identity, method)
	if !ok {
		return a.deny(method, fmt.Errorf("%w: %s for %q", errRevoked, method, identity))
	}
	token, err := a.issueToken(sessionID, identity, method, cred, now)
	if err != nil {
		return a.deny(method, err)
	}
	return Result{
		Status:   StatusGranted,
		Method:   method,
		Identity: identity,
		Token:    token,
		Reply: &command.Auth{
			Stage:    command.StageGranted,
			Method:   method,
			Identity: identity,
			Token:    token,
		},
	}
}

func (a *Authenticator) deny(method command.AuthMethod, cause error) Result {
	if method != command.MethodPSK && method != command.MethodPublicKey {
		method = 0
	}
	return Result{
		Status: StatusDenied,
		Method: method,
		Reply:  &command.Auth{Stage: command.StageDenied, Method: method},
		Cause:  cause,
	}
}
