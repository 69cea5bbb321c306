package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnsigned is returned when a secret is configured but the frame
	// carries no signature.
	ErrUnsigned = errors.New("frame is not signed")
	// ErrInvalidSignature is returned when the HMAC does not match.
	ErrInvalidSignature = errors.New("frame signature mismatch")
)

// sensitiveTypes lists inbound frames that must be signed whenever an
// HMAC secret is configured. Everything that can cause execution or
// change credentials is on the list.
var sensitiveTypes = map[string]bool{
	TypePlaybook:             true,
	TypeExecutePlaybook:      true,
	TypeDiagnosticRequest:    true,
	TypeForceDiagnostic:      true,
	TypeExecutePendingAction: true,
	TypeCancelPendingAction:  true,
	TypeKeyRotation:          true,
}

// RequiresSignature reports whether frames of the given type must carry a
// valid HMAC when signing is enabled.
func RequiresSignature(msgType string) bool {
	return sensitiveTypes[msgType]
}

// Signer signs outbound frames and verifies inbound ones with a shared
// HMAC-SHA256 secret. A Signer with no secret passes everything through,
// which is the unpaired-development mode.
type Signer struct {
	mu     sync.RWMutex
	secret []byte
}

// NewSigner returns a Signer for the given shared secret. An empty secret
// disables signing and verification.
func NewSigner(secret string) *Signer {
	s := &Signer{}
	if secret != "" {
		s.secret = []byte(secret)
	}
	return s
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secret) > 0
}

// Rotate swaps in a new shared secret. Subsequent frames sign and verify
// against the new key only.
func (s *Signer) Rotate(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret == "" {
		s.secret = nil
		return
	}
	s.secret = []byte(secret)
}

// Sign attaches a fresh nonce and an HMAC over the canonical frame to f.
// No-op when signing is disabled.
func (s *Signer) Sign(f Frame) error {
	s.mu.RLock()
	key := s.secret
	s.mu.RUnlock()
	if len(key) == 0 {
		return nil
	}

	f["_nonce"] = uuid.NewString()
	delete(f, "_signature")
	mac, err := computeMAC(key, f)
	if err != nil {
		return fmt.Errorf("sign %s frame: %w", f.Type(), err)
	}
	f["_signature"] = mac
	return nil
}

// Verify checks the HMAC on f. When signing is disabled every frame
// passes. When enabled, a missing signature yields ErrUnsigned and a
// wrong one ErrInvalidSignature.
func (s *Signer) Verify(f Frame) error {
	s.mu.RLock()
	key := s.secret
	s.mu.RUnlock()
	if len(key) == 0 {
		return nil
	}

	sig, _ := f["_signature"].(string)
	if sig == "" {
		return ErrUnsigned
	}

	unsigned := make(Frame, len(f))
	for k, v := range f {
		if k == "_signature" {
			continue
		}
		unsigned[k] = v
	}
	want, err := computeMAC(key, unsigned)
	if err != nil {
		return fmt.Errorf("verify %s frame: %w", f.Type(), err)
	}
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrInvalidSignature
	}
	return nil
}

// computeMAC hashes the canonical frame encoding. encoding/json emits map
// keys in sorted order at every nesting level, so marshaling the map IS
// the canonical form; both sides must build the MAC from decoded maps,
// never from raw wire bytes.
func computeMAC(key []byte, f Frame) (string, error) {
	canonical, err := json.Marshal(map[string]any(f))
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, key)
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
