package integrity

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/trustlane/core/pkg/canonicalize"
)

// AuthorityKeyring derives and holds the signing keys agents use to prove
// authority over decision records. Keys are derived from a master secret per
// key id, so rotating a key id rotates the key without redistributing secrets.
type AuthorityKeyring struct {
	mu     sync.RWMutex
	secret []byte
	keys   map[string]ed25519.PublicKey
	// bindings maps agent id to the key ids that agent may sign with.
	bindings map[string]map[string]bool
	// issued holds canonical hashes of records this authority actually
	// produced, for the forgery soft check.
	issued map[string]bool
}

// NewAuthorityKeyring creates a keyring deriving keys from masterSecret.
func NewAuthorityKeyring(masterSecret []byte) *AuthorityKeyring {
	return &AuthorityKeyring{
		secret:   masterSecret,
		keys:     make(map[string]ed25519.PublicKey),
		bindings: make(map[string]map[string]bool),
		issued:   make(map[string]bool),
	}
}

// deriveSeed expands the master secret into an ed25519 seed for keyID.
func (k *AuthorityKeyring) deriveSeed(keyID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, k.secret, nil, []byte("authority-key:"+keyID))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("derive key %s: %w", keyID, err)
	}
	return seed, nil
}

// RegisterKey derives the key pair for keyID and binds it to agentID.
func (k *AuthorityKeyring) RegisterKey(keyID, agentID string) error {
	seed, err := k.deriveSeed(keyID)
	if err != nil {
		return err
	}
	priv := ed25519.NewKeyFromSeed(seed)

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[keyID] = priv.Public().(ed25519.PublicKey)
	if k.bindings[agentID] == nil {
		k.bindings[agentID] = make(map[string]bool)
	}
	k.bindings[agentID][keyID] = true
	return nil
}

// RevokeKey removes keyID and all bindings to it.
func (k *AuthorityKeyring) RevokeKey(keyID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, keyID)
	for _, bound := range k.bindings {
		delete(bound, keyID)
	}
}

// SignRecord signs record with keyID, setting the signature field and
// recording the canonical hash as issued. The signature covers the canonical
// form of the record without its signature field.
func (k *AuthorityKeyring) SignRecord(record DecisionRecord, keyID string) error {
	seed, err := k.deriveSeed(keyID)
	if err != nil {
		return err
	}
	priv := ed25519.NewKeyFromSeed(seed)

	payload, err := signingPayload(record)
	if err != nil {
		return err
	}
	record["signature"] = map[string]any{
		"key_id": keyID,
		"sig":    hex.EncodeToString(ed25519.Sign(priv, payload)),
	}

	k.mu.Lock()
	k.issued[canonicalize.HashBytes(payload)] = true
	k.mu.Unlock()
	return nil
}

// signingPayload is the canonical JSON of the record minus its signature.
func signingPayload(record DecisionRecord) ([]byte, error) {
	unsigned := make(map[string]any, len(record))
	for key, value := range record {
		if key == "signature" {
			continue
		}
		unsigned[key] = value
	}
	payload, err := canonicalize.JCS(unsigned)
	if err != nil {
		return nil, fmt.Errorf("canonicalize record: %w", err)
	}
	return payload, nil
}

// VerifyAuthority checks that record was signed by a key bound to
// expectedAgent. It fails when the claimed agent differs, the key is unknown
// or bound to a different agent, or the signature does not verify.
func (k *AuthorityKeyring) VerifyAuthority(_ context.Context, record DecisionRecord, expectedAgent string) error {
	recordID := record.RecordID()
	claimed := record.AgentID()
	if claimed != expectedAgent {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: "agent_id does not match the expected agent",
		}
	}

	sig, ok := record["signature"].(map[string]any)
	if !ok {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: "signature field is not an object",
		}
	}
	keyID, _ := sig["key_id"].(string)
	sigHex, _ := sig["sig"].(string)

	k.mu.RLock()
	pub, known := k.keys[keyID]
	bound := k.bindings[expectedAgent][keyID]
	k.mu.RUnlock()

	if !known {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: "unknown or revoked key: " + keyID,
		}
	}
	if !bound {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: "key " + keyID + " is not bound to the expected agent",
		}
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: "signature is not valid hex",
		}
	}
	payload, err := signingPayload(record)
	if err != nil {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: err.Error(),
		}
	}
	if !ed25519.Verify(pub, payload, sigBytes) {
		return &AuthoritySpoofError{
			RecordID: recordID, ClaimedAgent: claimed, ExpectedAgent: expectedAgent,
			Reason: "signature verification failed",
		}
	}
	return nil
}

// DetectForgedPDO reports whether record's canonical hash is absent from the
// set of known signature hashes. A non-nil known set, sourced from key
// management, is checked strictly. A nil known set falls back to the hashes
// this keyring issued; that fallback is a soft signal, so an empty issued set
// (a fresh process) yields no detection rather than flagging every record.
func (k *AuthorityKeyring) DetectForgedPDO(record DecisionRecord, known map[string]bool) AttackDetectionResult {
	now := time.Now().UTC()

	payload, err := signingPayload(record)
	if err != nil {
		return AttackDetectionResult{
			Detected:   true,
			AttackType: AttackPayloadModification,
			SubjectID:  record.RecordID(),
			Reason:     "record cannot be canonicalized: " + err.Error(),
			Timestamp:  now,
		}
	}
	hash := canonicalize.HashBytes(payload)

	if known == nil {
		k.mu.RLock()
		if len(k.issued) == 0 || k.issued[hash] {
			k.mu.RUnlock()
			return AttackDetectionResult{Detected: false, Timestamp: now}
		}
		k.mu.RUnlock()
	} else if known[hash] {
		return AttackDetectionResult{Detected: false, Timestamp: now}
	}
	return AttackDetectionResult{
		Detected:   true,
		AttackType: AttackPayloadModification,
		SubjectID:  record.RecordID(),
		Reason:     "record hash is not among known signature hashes",
		Evidence:   map[string]any{"canonical_hash": hash},
		Timestamp:  now,
	}
}

// IssuedHashes returns a copy of the canonical hashes this keyring has signed,
// suitable as the known set for another verifier's forgery check.
func (k *AuthorityKeyring) IssuedHashes() map[string]bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	hashes := make(map[string]bool, len(k.issued))
	for hash := range k.issued {
		hashes[hash] = true
	}
	return hashes
}
