package gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/crypto/hkdf"
)

const sigPrefix = "hmac-sha256:"

// MinSecretLength is the shortest accepted signing secret, in bytes.
const MinSecretLength = 16

var ErrWeakSecret = errors.New("gate: signing secret too short")

// Signer computes keyed MACs over canonical JSON. The key is derived from the
// process secret and is never exposed.
type Signer struct {
	key []byte
}

// NewSigner derives the MAC key from secret with HKDF-SHA256.
func NewSigner(secret []byte) (*Signer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, []byte("phoenix-security-gate"), []byte("action-signing-v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("gate: derive signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// Canonical returns the RFC 8785 serialization of payload.
func Canonical(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("gate: marshal payload: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("gate: canonicalize payload: %w", err)
	}
	return out, nil
}

// Sign returns the signature of payload.
func (s *Signer) Sign(payload any) (string, error) {
	canon, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return sigPrefix + hex.EncodeToString(s.mac(canon)), nil
}

// Verify reports whether sig is the signature of payload.
func (s *Signer) Verify(payload any, sig string) bool {
	hexSig, ok := strings.CutPrefix(sig, sigPrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	canon, err := Canonical(payload)
	if err != nil {
		return false
	}
	return hmac.Equal(got, s.mac(canon))
}

func (s *Signer) mac(data []byte) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write(data)
	return m.Sum(nil)
}
