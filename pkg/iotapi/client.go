// Package iotapi is the REST client for the cloud endpoints this
// runtime consumes: device model lookup, single and bulk device-policy
// lookup, and policy-to-device assignment listing (spec.md §6).
//
// Its request/response plumbing (buildURL, doJSON, ErrNotModified) is
// the teacher's pkg/api.Client pattern, generalized from the OS-agent's
// enroll/report/attest RPCs to this runtime's device-model/policy reads.
package iotapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// Client talks to the cloud endpoint's device-model and device-policy APIs.
type Client struct {
	baseURL    *url.URL
	endpointID string
	httpClient *http.Client
	authFunc   func(ctx context.Context) (string, error)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAuth installs a function producing the bearer token for each
// request, typically internal/trust.Store.ClientAssertion.
func WithAuth(fn func(ctx context.Context) (string, error)) Option {
	return func(cl *Client) { cl.authFunc = fn }
}

// New builds a Client against base, identifying itself as endpointID in
// the X-EndpointId header every request carries.
func New(base, endpointID string, opts ...Option) (*Client, error) {
	if base == "" {
		return nil, errors.New("base URL required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	c := &Client{baseURL: u, endpointID: endpointID, httpClient: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ErrNotModified indicates a conditional GET found no change.
var ErrNotModified = errors.New("resource not modified")

func (c *Client) buildURL(parts ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{c.baseURL.Path}, parts...)...)
	return u.String()
}

func (c *Client) doJSON(ctx context.Context, method, target string, query url.Values, out any) error {
	if query != nil {
		target = target + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-EndpointId", c.endpointID)
	if c.authFunc != nil {
		token, err := c.authFunc(ctx)
		if err != nil {
			return fmt.Errorf("produce client assertion: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return ErrNotModified
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("iotapi error %d: %s", resp.StatusCode, string(bytes.TrimSpace(data)))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// GetDeviceModel fetches the device model document for urn (spec.md
// §4.2's device-model source, "GET deviceModels/{urn}").
func (c *Client) GetDeviceModel(ctx context.Context, urn string) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.doJSON(ctx, http.MethodGet, c.buildURL("deviceModels", urn), nil, &out)
	return out, err
}

// DevicePolicy is the wire shape of a device policy bundle.
type DevicePolicy struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	DeviceModelURN string          `json:"deviceModelUrn"`
	Pipelines      json.RawMessage `json:"pipelines"`
	// Signature is a base64 ed25519 signature over Pipelines, verified
	// against the pinned policy public key before the bundle is applied.
	Signature string `json:"signature,omitempty"`
}

// GetDevicePolicy fetches one policy by id ("GET devicePolicies/{id}").
func (c *Client) GetDevicePolicy(ctx context.Context, id string) (DevicePolicy, error) {
	var out DevicePolicy
	err := c.doJSON(ctx, http.MethodGet, c.buildURL("devicePolicies", id), nil, &out)
	return out, err
}

// QueryDevicePolicies lists policies matching a server-side query
// expression ("GET devicePolicies?q=...").
func (c *Client) QueryDevicePolicies(ctx context.Context, query string) ([]DevicePolicy, error) {
	var out []DevicePolicy
	q := url.Values{"q": {query}}
	err := c.doJSON(ctx, http.MethodGet, c.buildURL("devicePolicies"), q, &out)
	return out, err
}

// DeviceRef identifies one device assigned to a policy.
type DeviceRef struct {
	DeviceID   string `json:"deviceId"`
	HardwareID string `json:"hardwareId,omitempty"`
}

// QueryPolicyDevices lists devices assigned to policyID matching a
// server-side query expression ("GET devicePolicies/{id}/devices?q=...").
func (c *Client) QueryPolicyDevices(ctx context.Context, policyID, query string) ([]DeviceRef, error) {
	var out []DeviceRef
	q := url.Values{"q": {query}}
	err := c.doJSON(ctx, http.MethodGet, c.buildURL("devicePolicies", policyID, "devices"), q, &out)
	return out, err
}
