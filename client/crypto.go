package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

var errOpen = errors.New("message authentication failed")

// sealer encrypts chat lines under a session key shared out of band. The
// server only ever sees the base64 ciphertext and nonce.
type sealer struct {
	key [32]byte
}

func newSealer(encoded string) (*sealer, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	s := &sealer{}
	copy(s.key[:], raw)
	return s, nil
}

func (s *sealer) seal(plaintext string) (content, nonce string, err error) {
	var n [24]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return "", "", err
	}
	box := secretbox.Seal(nil, []byte(plaintext), &n, &s.key)
	return base64.StdEncoding.EncodeToString(box), base64.StdEncoding.EncodeToString(n[:]), nil
}

func (s *sealer) open(content, nonce string) (string, error) {
	box, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", err
	}
	if len(raw) != 24 {
		return "", fmt.Errorf("nonce must be 24 bytes, got %d", len(raw))
	}
	var n [24]byte
	copy(n[:], raw)
	plain, ok := secretbox.Open(nil, box, &n, &s.key)
	if !ok {
		return "", errOpen
	}
	return string(plain), nil
}

// generateKey prints a fresh key for -key.
func generateKey() (string, error) {
	var k [32]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}
