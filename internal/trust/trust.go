// Package trust implements the Trust Store (C1, spec.md §4.1): the
// device's endpoint credentials, the connected-devices shared-secret
// map for indirectly connected hardware, and client-assertion signing
// for outbound requests.
//
// Credentials persist through the teacher's atomic secret-file idiom
// (internal/util/securefile.go), the same pattern internal/enroll used
// for device tokens, generalized here to carry a signing key pair
// instead of a bearer token.
package trust

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/evergreen-iot/device-client/internal/ierrors"
	"github.com/evergreen-iot/device-client/internal/util"
)

// EndpointCredentials identifies this device to the cloud endpoint.
type EndpointCredentials struct {
	EndpointID string `json:"endpointId"`
	SharedKey  string `json:"sharedKey,omitempty"`
}

// connectedDevice is one indirectly-connected hardware entry keyed by
// hardware id (spec.md §4.1, "connectedDevices map").
type connectedDevice struct {
	HardwareID string `json:"hardwareId"`
	SharedKey  string `json:"sharedKey"`
}

// Store is the Trust Store. It owns the endpoint's identity, signing
// key material, and the connected-devices map, all persisted as one
// secret file.
type Store struct {
	mu sync.Mutex

	path string

	endpoint   *EndpointCredentials
	privateKey *rsa.PrivateKey
	connected  map[string]connectedDevice

	hardwareBacked bool
}

type persistedState struct {
	Endpoint       *EndpointCredentials `json:"endpoint,omitempty"`
	PrivateKeyPEM  string               `json:"privateKeyPem,omitempty"`
	Connected      []connectedDevice    `json:"connected,omitempty"`
	HardwareBacked bool                 `json:"hardwareBacked"`
}

// NewStore opens (or prepares to create) the trust store persisted at path.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, connected: make(map[string]connectedDevice)}
	exists, err := util.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return s, nil
	}
	raw, err := util.ReadSecretFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode trust store: %w", err)
	}
	s.endpoint = state.Endpoint
	s.hardwareBacked = state.HardwareBacked
	for _, c := range state.Connected {
		s.connected[c.HardwareID] = c
	}
	if state.PrivateKeyPEM != "" {
		block, _ := pem.Decode([]byte(state.PrivateKeyPEM))
		if block == nil {
			return nil, &ierrors.TrustStoreError{Reason: "stored private key is not valid PEM"}
		}
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, &ierrors.TrustStoreError{Reason: fmt.Sprintf("parse stored private key: %v", err)}
		}
		s.privateKey = key
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	state := persistedState{Endpoint: s.endpoint, HardwareBacked: s.hardwareBacked}
	for _, c := range s.connected {
		state.Connected = append(state.Connected, c)
	}
	if s.privateKey != nil {
		der := x509.MarshalPKCS1PrivateKey(s.privateKey)
		state.PrivateKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trust store: %w", err)
	}
	return util.WriteSecretFile(s.path, raw)
}

// GenerateKeyPair creates the device's signing key pair, probing for a
// TPM via hardwareKeyAvailable to decide whether to mark the key
// hardware-backed in the persisted state.
func (s *Store) GenerateKeyPair() error {
	return s.generateKeyPair(hardwareKeyAvailable())
}

// GenerateSoftwareKeyPair forces a software-only key pair, bypassing
// TPM detection; used by tests. Provision calls GenerateKeyPair.
func (s *Store) GenerateSoftwareKeyPair() error {
	return s.generateKeyPair(false)
}

func (s *Store) generateKeyPair(hardwareBacked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return &ierrors.TrustStoreError{Reason: fmt.Sprintf("generate key pair: %v", err)}
	}
	s.privateKey = key
	s.hardwareBacked = hardwareBacked
	return s.persistLocked()
}

// ErrAlreadyActivated is returned by SetEndpointCredentials when the
// store already carries different credentials for a different endpoint
// (spec.md §4.1, "activation is idempotent only if identical").
var ErrAlreadyActivated = errors.New("trust store already activated with different credentials")

// SetEndpointCredentials activates the store with endpoint identity.
// Calling it again with identical credentials is a no-op; calling it
// with different credentials while already activated fails with
// ErrAlreadyActivated.
func (s *Store) SetEndpointCredentials(creds EndpointCredentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint != nil {
		if *s.endpoint == creds {
			return nil
		}
		return ErrAlreadyActivated
	}
	s.endpoint = &creds
	return s.persistLocked()
}

// Endpoint returns the currently activated endpoint credentials, if any.
func (s *Store) Endpoint() (EndpointCredentials, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint == nil {
		return EndpointCredentials{}, false
	}
	return *s.endpoint, true
}

// Reset clears all credentials and key material, returning the store to
// its pre-provisioning state (spec.md §4.1, "Reset").
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoint = nil
	s.privateKey = nil
	s.hardwareBacked = false
	s.connected = make(map[string]connectedDevice)
	return s.persistLocked()
}

// RegisterConnectedDevice stores a shared secret for an indirectly
// connected device keyed by hardware id.
func (s *Store) RegisterConnectedDevice(hardwareID, sharedKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected[hardwareID] = connectedDevice{HardwareID: hardwareID, SharedKey: sharedKey}
	return s.persistLocked()
}

// ConnectedSharedKey looks up the shared secret for hardwareID.
func (s *Store) ConnectedSharedKey(hardwareID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connected[hardwareID]
	return c.SharedKey, ok
}

// ClientAssertion mints a signed JWT client assertion authenticating
// this device to the cloud endpoint, RS256-signed with the store's key
// pair (spec.md §4.1, "sign outbound client assertions").
func (s *Store) ClientAssertion(audience string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.endpoint == nil {
		return "", &ierrors.TrustStoreError{Reason: "endpoint not activated"}
	}
	if s.privateKey == nil {
		return "", &ierrors.TrustStoreError{Reason: "no signing key pair provisioned"}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": s.endpoint.EndpointID,
		"sub": s.endpoint.EndpointID,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
		"jti": fmt.Sprintf("%s-%d", util.HardwareID(), now.UnixNano()),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", &ierrors.TrustStoreError{Reason: fmt.Sprintf("sign client assertion: %v", err)}
	}
	return signed, nil
}
