// Package licensing verifies the signed license file and enforces its cpu
// budget before any job submission. The license is JSON with a detached
// RSA-PKCS1v15-SHA256 signature over the canonical form of the "license"
// object (keys sorted, no insignificant whitespace).
package licensing

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bazaar-ml/bazaar/internal/orchestrator"
)

// Sentinel errors. The API layer maps ErrExhausted to 402.
var (
	ErrInvalid   = errors.New("licensing: license invalid")
	ErrExpired   = errors.New("licensing: license expired")
	ErrExhausted = errors.New("licensing: cpu budget exhausted")
)

// defaultPublicKeyPEM is the distribution signing key baked into the binary.
// Verifier instances for tests substitute their own key.
const defaultPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA4Vlakyr6gpVqviwsnCr3
C4oBqt9GG2FCbbfKGwAJok6WTyfsLlWEvHH7e+uywWcI9qrChIH0PV/P0EZHOBow
kUyGxPP7EoEx0HYvC/GHHULA8L5NuOKU/VExn+qnKA4iGTtWDqz1QmNC3QWsAeeP
c0e+DYa6/Nd3YUwsV5Kxc70jwxP4J7dNcFamXHRSmisIcIvQfcEnK47opZBhkeE0
tHTva0xvjTPbnGUjPKedBzb1xgq0gFRduQdGmIJRKkDoTs/+d7/0OuvfzI3/1hwF
2ClvlasFXnSfrWDrrF+HYTFvMl2PsYxLkNCt8VjHhWZMXgu0VkYoOEhrguguMPic
MwIDAQAB
-----END PUBLIC KEY-----`

// License is the payload covered by the signature.
type License struct {
	// CPUMhzLimit caps the total cpu-MHz of running allocations plus any
	// new job request. Stored as a string in the file format.
	CPUMhzLimit string `json:"cpuMhzLimit"`
	ExpiryDate  string `json:"expiryDate"` // ISO 8601
	LicenseKey  string `json:"boltLicenseKey"`
}

// file is the on-disk envelope.
type file struct {
	License   json.RawMessage `json:"license"`
	Signature string          `json:"signature"`
}

// Verifier loads, verifies, and evaluates the license.
type Verifier struct {
	path      string
	publicKey *rsa.PublicKey
}

// NewVerifier creates a Verifier against the embedded distribution key.
func NewVerifier(path string) (*Verifier, error) {
	key, err := ParsePublicKey([]byte(defaultPublicKeyPEM))
	if err != nil {
		return nil, err
	}
	return &Verifier{path: path, publicKey: key}, nil
}

// NewVerifierWithKey creates a Verifier with an explicit key. Used by tests.
func NewVerifierWithKey(path string, key *rsa.PublicKey) *Verifier {
	return &Verifier{path: path, publicKey: key}
}

// ParsePublicKey parses a PEM-encoded PKIX RSA public key.
func ParsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: failed to decode public key PEM", ErrInvalid)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", ErrInvalid, err)
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", ErrInvalid)
	}
	return rsaKey, nil
}

// Load reads the license file from disk, verifies its signature, and checks
// the expiry date. The file is re-read on every call so an operator can
// replace it without restarting the control plane.
func (v *Verifier) Load() (*License, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading license file: %v", ErrInvalid, err)
	}

	var envelope file
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: parsing license file: %v", ErrInvalid, err)
	}

	canonical, err := CanonicalJSON(envelope.License)
	if err != nil {
		return nil, err
	}

	signature, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding signature: %v", ErrInvalid, err)
	}

	digest := sha256.Sum256(canonical)
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, digest[:], signature); err != nil {
		return nil, fmt.Errorf("%w: signature verification failed", ErrInvalid)
	}

	var license License
	if err := json.Unmarshal(envelope.License, &license); err != nil {
		return nil, fmt.Errorf("%w: parsing license payload: %v", ErrInvalid, err)
	}

	expiry, err := time.Parse(time.RFC3339, license.ExpiryDate)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing expiry date %q: %v", ErrInvalid, license.ExpiryDate, err)
	}
	if !expiry.After(time.Now()) {
		return nil, fmt.Errorf("%w: expired %s", ErrExpired, license.ExpiryDate)
	}

	return &license, nil
}

// CheckCapacity verifies that the running allocations' cpu plus the new
// request fit the license budget. Called by the job lifecycle manager before
// every submission.
func (v *Verifier) CheckCapacity(ctx context.Context, client orchestrator.Client, requestMhz int) error {
	license, err := v.Load()
	if err != nil {
		return err
	}

	limit, err := strconv.Atoi(license.CPUMhzLimit)
	if err != nil {
		return fmt.Errorf("%w: cpuMhzLimit %q is not an integer", ErrInvalid, license.CPUMhzLimit)
	}

	allocations, err := client.ListAllocations(ctx)
	if err != nil {
		return err
	}

	used := 0
	for _, alloc := range allocations {
		if alloc.Status == "running" {
			used += alloc.CPUMhz
		}
	}

	if used+requestMhz > limit {
		return fmt.Errorf("%w: %d MHz in use, %d requested, limit %d",
			ErrExhausted, used, requestMhz, limit)
	}
	return nil
}

// CanonicalJSON re-marshals a JSON value with sorted keys and no
// insignificant whitespace, the form the license signature covers.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: canonicalizing license: %v", ErrInvalid, err)
	}
	// encoding/json marshals map keys in sorted order with no extra
	// whitespace, which is exactly the canonical form.
	canonical, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: canonicalizing license: %v", ErrInvalid, err)
	}
	return canonical, nil
}
