package trust

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"software.sslmate.com/src/go-pkcs12"

	"github.com/evergreen-iot/device-client/internal/ierrors"
)

// Container is the signed, at-rest format for a provisioning bundle
// shipped to a device out of band (spec.md §4.1, "signed provisioning
// container"): a JSON body plus an HMAC-SHA256 signature computed over
// the concatenation of its fields in a fixed order, so field reordering
// in transit is detected the same way a reordered-JSON-keys attack
// would be.
type Container struct {
	EndpointID   string `json:"endpointId"`
	SharedSecret string `json:"sharedSecret"` // base64, PBKDF2/AES-CBC encrypted
	IssuedAt     int64  `json:"issuedAt"`
	Signature    string `json:"signature"`
}

func (c Container) signingMaterial() []byte {
	var buf bytes.Buffer
	buf.WriteString(c.EndpointID)
	buf.WriteString(c.SharedSecret)
	fmt.Fprintf(&buf, "%d", c.IssuedAt)
	return buf.Bytes()
}

// SignContainer signs a Container with an HMAC-SHA256 key, typically
// the pre-shared provisioning key out of band with the device.
func SignContainer(c Container, key []byte) Container {
	mac := hmac.New(sha256.New, key)
	mac.Write(c.signingMaterial())
	c.Signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return c
}

// VerifyContainer reports whether c's signature matches key.
func VerifyContainer(c Container, key []byte) error {
	mac := hmac.New(sha256.New, key)
	mac.Write(c.signingMaterial())
	expected := mac.Sum(nil)
	got, err := base64.StdEncoding.DecodeString(c.Signature)
	if err != nil {
		return &ierrors.TrustStoreError{Reason: "container signature is not valid base64"}
	}
	if !hmac.Equal(expected, got) {
		return &ierrors.TrustStoreError{Reason: "container signature mismatch"}
	}
	return nil
}

const (
	pbkdf2Iterations = 10000
	pbkdf2KeyLen     = 32
	pbkdf2SaltLen    = 16
)

// EncryptSharedSecret encrypts plaintext with a key derived from
// passphrase via PBKDF2-HMAC-SHA1 (spec.md §4.1's container format),
// returning salt || iv || ciphertext, base64 encoded.
func EncryptSharedSecret(plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, pbkdf2SaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha1.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := append(append(salt, iv...), ciphertext...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptSharedSecret reverses EncryptSharedSecret.
func DecryptSharedSecret(encoded string, passphrase string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &ierrors.TrustStoreError{Reason: "shared secret is not valid base64"}
	}
	if len(raw) < pbkdf2SaltLen+aes.BlockSize {
		return nil, &ierrors.TrustStoreError{Reason: "shared secret ciphertext too short"}
	}
	salt := raw[:pbkdf2SaltLen]
	iv := raw[pbkdf2SaltLen : pbkdf2SaltLen+aes.BlockSize]
	ciphertext := raw[pbkdf2SaltLen+aes.BlockSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeyLen, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	if len(ciphertext)%block.BlockSize() != 0 {
		return nil, &ierrors.TrustStoreError{Reason: "shared secret ciphertext is not block aligned"}
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &ierrors.TrustStoreError{Reason: "empty plaintext"}
	}
	padLen := int(data[len(data)-1])
	if padLen <= 0 || padLen > len(data) {
		return nil, &ierrors.TrustStoreError{Reason: "invalid pkcs7 padding"}
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, &ierrors.TrustStoreError{Reason: "invalid pkcs7 padding"}
		}
	}
	return data[:len(data)-padLen], nil
}

// ExportKeyPairPKCS12 bundles the store's key pair and a self-describing
// certificate into a PKCS#12 archive for transfer to systems that expect
// that container format rather than raw PEM (spec.md §4.1, interop with
// endpoint provisioning tooling).
func (s *Store) ExportKeyPairPKCS12(password string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.privateKey == nil {
		return nil, &ierrors.TrustStoreError{Reason: "no key pair to export"}
	}
	cert, err := selfSignedCert(s.privateKey)
	if err != nil {
		return nil, err
	}
	data, err := pkcs12.Modern.Encode(s.privateKey, cert, nil, password)
	if err != nil {
		return nil, &ierrors.TrustStoreError{Reason: fmt.Sprintf("encode pkcs12: %v", err)}
	}
	return data, nil
}

// ImportKeyPairPKCS12 loads a key pair from a PKCS#12 archive, e.g. one
// issued by the cloud endpoint during out-of-band provisioning.
func (s *Store) ImportKeyPairPKCS12(data []byte, password string) error {
	key, _, err := pkcs12.Decode(data, password)
	if err != nil {
		return &ierrors.TrustStoreError{Reason: fmt.Sprintf("decode pkcs12: %v", err)}
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return &ierrors.TrustStoreError{Reason: "pkcs12 archive does not contain an RSA private key"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.privateKey = priv
	s.hardwareBacked = false
	return s.persistLocked()
}
