// Package sesstoken mints and verifies the opaque session identifiers handed
// to clients. A token is a compact JWS over a small claims payload, signed
// with Ed25519: unguessable because forging one requires the signing key, and
// self-describing enough that any console replica can route a call to the
// session host without a directory lookup.
package sesstoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// Sentinel errors. Callers collapse both into the same client-facing
// rejection so probes cannot distinguish forged tokens from lapsed ones.
var (
	ErrInvalidToken = errors.New("sesstoken: invalid token")
	ErrExpiredToken = errors.New("sesstoken: expired token")
)

// Claims is the payload embedded in every session token.
type Claims struct {
	SessionID string `json:"sid"`
	Subject   string `json:"sub"`
	Kind      string `json:"knd"`
	// ExpiresAt is unix seconds. Verification rejects lapsed tokens before
	// the session host is ever consulted.
	ExpiresAt int64 `json:"exp"`
}

// Keyring holds Ed25519 key pairs with a designated active key for signing.
// Verification accepts any registered key so deployments can rotate keys
// without invalidating live sessions.
type Keyring struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// NewEphemeralKeyring generates a single-use key pair. Suitable for
// single-replica consoles; tokens do not survive a restart.
func NewEphemeralKeyring() (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	sum := sha256.Sum256(pub)
	kid := hex.EncodeToString(sum[:8])
	k := NewKeyring()
	k.AddKey(kid, priv)
	if err := k.SetActive(kid); err != nil {
		return nil, err
	}
	return k, nil
}

// NewKeyringFromSeed derives a deterministic key pair from a 32-byte seed.
// Replicas sharing the seed verify each other's tokens.
func NewKeyringFromSeed(kid string, seed []byte) (*Keyring, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	k := NewKeyring()
	k.AddKey(kid, ed25519.NewKeyFromSeed(seed))
	if err := k.SetActive(kid); err != nil {
		return nil, err
	}
	return k, nil
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (k *Keyring) AddKey(kid string, priv ed25519.PrivateKey) {
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (k *Keyring) SetActive(kid string) error {
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

func (k *Keyring) ActiveKID() string { return k.activeKid }

func (k *Keyring) sign(payload []byte) (string, error) {
	if k.activeKid == "" {
		return "", fmt.Errorf("no active kid configured")
	}
	priv, ok := k.privKeys[k.activeKid]
	if !ok {
		return "", fmt.Errorf("active kid not found: %s", k.activeKid)
	}
	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

func (k *Keyring) verify(token string) ([]byte, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("failed to parse jws: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := k.pubKeys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	return payload, nil
}

// Mint signs claims into a compact token.
func Mint(k *Keyring, c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	return k.sign(payload)
}

// Parse verifies the token signature and expiry and returns the claims.
func Parse(k *Keyring, token string, now time.Time) (Claims, error) {
	payload, err := k.verify(token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return Claims{}, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	if c.SessionID == "" {
		return Claims{}, fmt.Errorf("%w: missing sid", ErrInvalidToken)
	}
	if !now.Before(time.Unix(c.ExpiresAt, 0)) {
		return Claims{}, ErrExpiredToken
	}
	return c, nil
}
