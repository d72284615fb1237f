// Package signing implements Agent Signing (spec.md §4.9): per-agent
// hmac-sha256 or ed25519 keys, envelope signature binding, and the Router's
// verification policy.
//
// Grounded in aidenlippert-zerostate's libs/identity/keystore.go disk-backed
// key loading idiom (hex-encoded key material under a directory, load-or-
// create on first use), adapted from a single node identity into a
// per-agent keyring. Ed25519 comes from the standard library's
// crypto/ed25519; golang.org/x/crypto/hkdf derives the per-agent HMAC secrets.
package signing

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/agentrelay/relay/internal/envelope"
)

// Algorithm selects the signing primitive.
type Algorithm string

const (
	AlgoHMACSHA256 Algorithm = "hmac-sha256"
	AlgoEd25519    Algorithm = "ed25519"
)

// ErrVerification is returned with a discriminable reason (spec.md §4.9:
// "rejects on any mismatch with a discriminable error reason").
type ErrVerification struct {
	Reason string
}

func (e *ErrVerification) Error() string { return "signature verification failed: " + e.Reason }

// Key is a loaded or generated agent key, persisted to disk as
// {agentName, algorithm, publicKey, privateKey, createdAt, expiresAt?}.
type Key struct {
	AgentName  string     `json:"agentName"`
	Algorithm  Algorithm  `json:"algorithm"`
	PublicKey  string     `json:"publicKey"`  // hex
	PrivateKey string     `json:"privateKey"` // hex
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

func (k *Key) expired() bool {
	return k.ExpiresAt != nil && time.Now().After(*k.ExpiresAt)
}

// KeyStore loads and persists agent keys as `<agent>.key.json` files under a
// directory (spec.md §6 Persisted layout). HMAC keys are not stored as raw
// random bytes: they're derived per-agent from one on-disk master secret via
// HKDF-SHA256, so compromising one agent's key file never reveals another
// agent's secret or the master.
type KeyStore struct {
	dir    string
	master []byte
}

const masterSecretFile = "master.secret"

// NewKeyStore constructs a KeyStore rooted at dir, creating it (and its
// master secret, on first use) if absent.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("signing: create key dir: %w", err)
	}
	master, err := loadOrCreateMasterSecret(filepath.Join(dir, masterSecretFile))
	if err != nil {
		return nil, err
	}
	return &KeyStore{dir: dir, master: master}, nil
}

func loadOrCreateMasterSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return decodeHex(string(data), 32)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("signing: read master secret: %w", err)
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("signing: generate master secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(secret)), 0o600); err != nil {
		return nil, fmt.Errorf("signing: write master secret: %w", err)
	}
	return secret, nil
}

// deriveHMACSecret derives a 32-byte per-agent secret from the keystore's
// master secret via HKDF-SHA256, keyed by agentName and createdAt so
// regenerating a key for the same agent later yields an unrelated secret.
func (ks *KeyStore) deriveHMACSecret(agentName string, createdAt time.Time) ([]byte, error) {
	salt := []byte(fmt.Sprintf("%s|%d", agentName, createdAt.UnixNano()))
	reader := hkdf.New(sha256.New, ks.master, salt, []byte("agent-relay-hmac-signing"))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("signing: derive hmac secret: %w", err)
	}
	return secret, nil
}

func (ks *KeyStore) path(agentName string) string {
	return filepath.Join(ks.dir, agentName+".key.json")
}

// LoadAgentKey returns nil (not an error) for a missing or already-expired
// key, per spec.md §4.9.
func (ks *KeyStore) LoadAgentKey(agentName string) (*Key, error) {
	data, err := os.ReadFile(ks.path(agentName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("signing: read key for %s: %w", agentName, err)
	}
	var k Key
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("signing: parse key for %s: %w", agentName, err)
	}
	if k.expired() {
		return nil, nil
	}
	return &k, nil
}

// GenerateKey creates and persists a fresh key for agentName using algo.
func (ks *KeyStore) GenerateKey(agentName string, algo Algorithm, ttl time.Duration) (*Key, error) {
	createdAt := time.Now()
	var pub, priv []byte
	switch algo {
	case AlgoEd25519:
		p, s, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signing: generate ed25519 key: %w", err)
		}
		pub, priv = p, s
	case AlgoHMACSHA256:
		secret, err := ks.deriveHMACSecret(agentName, createdAt)
		if err != nil {
			return nil, err
		}
		pub, priv = secret, secret // symmetric: keyId and signing secret are the same value
	default:
		return nil, fmt.Errorf("signing: unknown algorithm %q", algo)
	}

	k := &Key{
		AgentName:  agentName,
		Algorithm:  algo,
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: hex.EncodeToString(priv),
		CreatedAt:  createdAt,
	}
	if ttl > 0 {
		exp := k.CreatedAt.Add(ttl)
		k.ExpiresAt = &exp
	}

	data, err := json.MarshalIndent(k, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("signing: marshal key for %s: %w", agentName, err)
	}
	if err := os.WriteFile(ks.path(agentName), data, 0o600); err != nil {
		return nil, fmt.Errorf("signing: write key for %s: %w", agentName, err)
	}
	return k, nil
}

// signingInput is what actually gets hashed/signed, binding content to
// signer identity and time so identical content at different times produces
// different signatures (spec.md §4.9).
type signingInput struct {
	Content   string `json:"content"`
	Signer    string `json:"signer"`
	SignedAt  int64  `json:"signedAt"`
	KeyID     string `json:"keyId"`
	Algorithm string `json:"algorithm"`
}

func buildSigningInput(content, signer string, signedAt int64, keyID string, algo Algorithm) ([]byte, error) {
	return json.Marshal(signingInput{Content: content, Signer: signer, SignedAt: signedAt, KeyID: keyID, Algorithm: string(algo)})
}

// SignMessage produces a compact signature side-channel for content, signed
// by signer using key.
func SignMessage(content, signer string, key *Key) (*envelope.Signature, error) {
	signedAt := time.Now().UnixMilli()
	input, err := buildSigningInput(content, signer, signedAt, key.PublicKey, key.Algorithm)
	if err != nil {
		return nil, err
	}

	var sig []byte
	switch key.Algorithm {
	case AlgoEd25519:
		priv, err := decodeHex(key.PrivateKey, ed25519.PrivateKeySize)
		if err != nil {
			return nil, fmt.Errorf("signing: decode private key: %w", err)
		}
		sig = ed25519.Sign(ed25519.PrivateKey(priv), input)
	case AlgoHMACSHA256:
		secret, err := decodeHex(key.PrivateKey, 0)
		if err != nil {
			return nil, fmt.Errorf("signing: decode hmac secret: %w", err)
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(input)
		sig = mac.Sum(nil)
	default:
		return nil, fmt.Errorf("signing: unknown algorithm %q", key.Algorithm)
	}

	return &envelope.Signature{
		Sig:       hex.EncodeToString(sig),
		KeyID:     key.PublicKey,
		SignedAt:  signedAt,
		Algorithm: string(key.Algorithm),
	}, nil
}

// VerifyMessage checks signer, key expiry, keyId and algorithm, then the
// signature itself, rejecting on the first mismatch with a discriminable
// reason.
func VerifyMessage(content, signer string, sigInfo *envelope.Signature, key *Key) error {
	if key == nil {
		return &ErrVerification{Reason: "no key on file for signer"}
	}
	if key.AgentName != signer {
		return &ErrVerification{Reason: "signer mismatch"}
	}
	if key.expired() {
		return &ErrVerification{Reason: "signer key expired"}
	}
	if sigInfo.KeyID != key.PublicKey {
		return &ErrVerification{Reason: "keyId mismatch"}
	}
	if string(key.Algorithm) != sigInfo.Algorithm {
		return &ErrVerification{Reason: "algorithm mismatch"}
	}

	input, err := buildSigningInput(content, signer, sigInfo.SignedAt, sigInfo.KeyID, key.Algorithm)
	if err != nil {
		return &ErrVerification{Reason: "rebuild signing input: " + err.Error()}
	}
	sig, err := decodeHex(sigInfo.Sig, 0)
	if err != nil {
		return &ErrVerification{Reason: "malformed signature encoding"}
	}

	switch key.Algorithm {
	case AlgoEd25519:
		pub, err := decodeHex(key.PublicKey, ed25519.PublicKeySize)
		if err != nil {
			return &ErrVerification{Reason: "malformed public key"}
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), input, sig) {
			return &ErrVerification{Reason: "signature mismatch"}
		}
	case AlgoHMACSHA256:
		secret, err := decodeHex(key.PrivateKey, 0)
		if err != nil {
			return &ErrVerification{Reason: "malformed hmac secret"}
		}
		mac := hmac.New(sha256.New, secret)
		mac.Write(input)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return &ErrVerification{Reason: "signature mismatch"}
		}
	default:
		return &ErrVerification{Reason: "unknown algorithm"}
	}
	return nil
}

func decodeHex(s string, wantLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if wantLen > 0 && len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}

// Policy enforces requireSignatures / allowUnsignedFrom[] at the Router
// boundary (spec.md §4.9: "Verification policy... is enforced at the Router
// boundary before routing").
type Policy struct {
	keys              *KeyStore
	RequireSignatures bool
	AllowUnsignedFrom map[string]bool
}

// NewPolicy constructs a Policy backed by keys.
func NewPolicy(keys *KeyStore, requireSignatures bool, allowUnsignedFrom []string) *Policy {
	allowed := make(map[string]bool, len(allowUnsignedFrom))
	for _, name := range allowUnsignedFrom {
		allowed[name] = true
	}
	return &Policy{keys: keys, RequireSignatures: requireSignatures, AllowUnsignedFrom: allowed}
}

// Verify implements router.SignatureVerifier: it checks env._sig against the
// sender's on-file key, applying the unsigned-allowance policy.
func (p *Policy) Verify(env *envelope.Envelope) error {
	if env.Sig == nil {
		if !p.RequireSignatures || p.AllowUnsignedFrom[env.From] {
			return nil
		}
		return &ErrVerification{Reason: "signature required but absent"}
	}

	key, err := p.keys.LoadAgentKey(env.From)
	if err != nil {
		return fmt.Errorf("signing: load key for %s: %w", env.From, err)
	}
	return VerifyMessage(string(env.Payload), env.From, env.Sig, key)
}

// Attach signs env's payload with signer's key and attaches the _sig
// side-channel, mutating env in place.
func Attach(env *envelope.Envelope, signer string, key *Key) error {
	sig, err := SignMessage(string(env.Payload), signer, key)
	if err != nil {
		return err
	}
	env.Sig = sig
	return nil
}
