package sesstoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"
)

func testClaims(exp time.Time) Claims {
	return Claims{
		SessionID: "sess-1",
		Subject:   "node-7",
		Kind:      "files",
		ExpiresAt: exp.Unix(),
	}
}

func TestMintParseRoundTrip(t *testing.T) {
	t.Parallel()

	k, err := NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}

	now := time.Now()
	tok, err := Mint(k, testClaims(now.Add(5*time.Minute)))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if strings.Count(tok, ".") != 2 {
		t.Fatalf("expected compact three-part token, got %q", tok)
	}

	got, err := Parse(k, tok, now)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.SessionID != "sess-1" || got.Subject != "node-7" || got.Kind != "files" {
		t.Fatalf("claims mismatch: %+v", got)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	t.Parallel()

	k, err := NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}

	now := time.Now()
	tok, err := Mint(k, testClaims(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	if _, err := Parse(k, tok, now.Add(time.Minute)); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken at the deadline, got %v", err)
	}
	if _, err := Parse(k, tok, now.Add(30*time.Second)); err != nil {
		t.Fatalf("token should verify before the deadline: %v", err)
	}
}

func TestParseRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	k, err := NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}

	now := time.Now()
	tok, err := Mint(k, testClaims(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	// Flip a character inside the payload segment.
	parts := strings.Split(tok, ".")
	body := []byte(parts[1])
	if body[3] == 'A' {
		body[3] = 'B'
	} else {
		body[3] = 'A'
	}
	parts[1] = string(body)
	forged := strings.Join(parts, ".")

	if _, err := Parse(k, forged, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered payload, got %v", err)
	}
}

func TestParseRejectsForeignKey(t *testing.T) {
	t.Parallel()

	signer, err := NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}
	verifier, err := NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}

	now := time.Now()
	tok, err := Mint(signer, testClaims(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Parse(verifier, tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
	}
}

func TestKeyRotationKeepsOldTokensVerifiable(t *testing.T) {
	t.Parallel()

	k, err := NewEphemeralKeyring()
	if err != nil {
		t.Fatalf("NewEphemeralKeyring: %v", err)
	}
	oldKid := k.ActiveKID()

	now := time.Now()
	oldTok, err := Mint(k, testClaims(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	k.AddKey("next", priv)
	if err := k.SetActive("next"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if k.ActiveKID() == oldKid {
		t.Fatal("expected active kid to change")
	}

	if _, err := Parse(k, oldTok, now); err != nil {
		t.Fatalf("token signed before rotation should still verify: %v", err)
	}
	newTok, err := Mint(k, testClaims(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Mint after rotation: %v", err)
	}
	if _, err := Parse(k, newTok, now); err != nil {
		t.Fatalf("Parse after rotation: %v", err)
	}
}

func TestSeedKeyringIsDeterministic(t *testing.T) {
	t.Parallel()

	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := NewKeyringFromSeed("shared", seed)
	if err != nil {
		t.Fatalf("NewKeyringFromSeed: %v", err)
	}
	b, err := NewKeyringFromSeed("shared", seed)
	if err != nil {
		t.Fatalf("NewKeyringFromSeed: %v", err)
	}

	now := time.Now()
	tok, err := Mint(a, testClaims(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Parse(b, tok, now); err != nil {
		t.Fatalf("replica with same seed should verify: %v", err)
	}
}
