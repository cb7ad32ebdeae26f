package trust

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"github.com/evergreen-iot/device-client/internal/ierrors"
)

// PolicyVerifier checks the ed25519 signature a device policy bundle
// carries over its pipeline document before the runtime applies it,
// guarding against a compromised or spoofed policy source.
type PolicyVerifier struct {
	pub ed25519.PublicKey
}

// NewPolicyVerifier loads a PEM (PKIX) or raw ed25519 public key from
// path. An empty path yields a verifier that rejects every signature;
// the runtime does not call Verify at all when no key path is
// configured.
func NewPolicyVerifier(path string) (*PolicyVerifier, error) {
	if path == "" {
		return &PolicyVerifier{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy public key: %w", err)
	}
	key, err := parsePublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse policy public key: %w", err)
	}
	return &PolicyVerifier{pub: key}, nil
}

func parsePublicKey(data []byte) (ed25519.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		pub, ok := key.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unexpected key type %T", key)
		}
		return pub, nil
	}
	if len(data) == ed25519.PublicKeySize {
		return ed25519.PublicKey(data), nil
	}
	return nil, errors.New("unsupported key encoding")
}

// Verify checks signature (base64-encoded) against payload. A verifier
// built from an empty path always fails closed.
func (v *PolicyVerifier) Verify(payload []byte, signature string) error {
	if len(v.pub) == 0 {
		return &ierrors.TrustStoreError{Reason: "no policy public key pinned"}
	}
	if signature == "" {
		return &ierrors.TrustStoreError{Reason: "policy bundle missing signature"}
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return &ierrors.TrustStoreError{Reason: fmt.Sprintf("decode policy signature: %v", err)}
	}
	if !ed25519.Verify(v.pub, payload, sig) {
		return &ierrors.TrustStoreError{Reason: "invalid policy signature"}
	}
	return nil
}
