// Package activation builds the signed challenge response a device sends
// to prove it holds its hardware-bound secret.
package activation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a derived activation key.
const KeySize = 32

// MinSecretSize is the shortest accepted device secret.
const MinSecretSize = 16

// AlgorithmHMACSHA256 names the signature scheme in the payload.
const AlgorithmHMACSHA256 = "hmac-sha256"

// AlgorithmNone marks an unsigned payload from a device without a secret.
const AlgorithmNone = "none"

// Changing this invalidates every key derived from existing secrets.
var hkdfInfo = []byte("ota.activation.v1")

// ErrSecretTooShort rejects secrets below MinSecretSize.
var ErrSecretTooShort = errors.New("device secret too short")

// Signer signs activation challenges with the device secret.
type Signer interface {
	Algorithm() string
	Sign(challenge []byte) ([]byte, error)
}

// HMACSigner signs with HMAC-SHA256.
type HMACSigner struct {
	key []byte
}

// NewHMACSigner copies key.
func NewHMACSigner(key []byte) (*HMACSigner, error) {
	if len(key) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	return &HMACSigner{key: append([]byte(nil), key...)}, nil
}

func (s *HMACSigner) Algorithm() string { return AlgorithmHMACSHA256 }

func (s *HMACSigner) Sign(challenge []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(challenge)
	return mac.Sum(nil), nil
}

// DeriveKey derives the activation key from the factory secret and the
// serial number.
func DeriveKey(secret []byte, serialNumber string) ([]byte, error) {
	if len(secret) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	info := make([]byte, 0, len(hkdfInfo)+1+len(serialNumber))
	info = append(info, hkdfInfo...)
	info = append(info, 0)
	info = append(info, serialNumber...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, info), key); err != nil {
		return nil, fmt.Errorf("deriving activation key: %w", err)
	}
	return key, nil
}

// LoadSecret reads a device secret file holding hex, or raw bytes when the
// contents are not hex.
func LoadSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device secret: %w", err)
	}
	if decoded, err := hex.DecodeString(strings.TrimSpace(string(data))); err == nil {
		data = decoded
	}
	if len(data) < MinSecretSize {
		return nil, ErrSecretTooShort
	}
	return data, nil
}

// Payload is the body POSTed to the activation endpoint.
type Payload struct {
	Algorithm    string `json:"algorithm"`
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	HMAC         string `json:"hmac"`
}

// BuildPayload encodes the activation request. A device without a serial
// number sends an empty object; a nil signer yields an unsigned payload.
func BuildPayload(serialNumber, challenge string, signer Signer) ([]byte, error) {
	if serialNumber == "" {
		return []byte("{}"), nil
	}

	payload := Payload{
		Algorithm:    AlgorithmNone,
		SerialNumber: serialNumber,
		Challenge:    challenge,
	}
	if signer != nil {
		sig, err := signer.Sign([]byte(challenge))
		if err != nil {
			return nil, fmt.Errorf("signing activation challenge: %w", err)
		}
		payload.Algorithm = signer.Algorithm()
		payload.HMAC = hex.EncodeToString(sig)
	}
	return json.Marshal(payload)
}
