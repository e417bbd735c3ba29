package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// SealAlgorithm names the AEAD used by Seal.
const SealAlgorithm = "chacha20poly1305"

const sealInfo = "auth-success"

// SealKey derives the per-session key from the credential the client just
// presented. Only the holder of that credential can open the sealed payload.
func SealKey(credential string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(credential), nil, []byte(sealInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("auth: derive seal key: %w", err)
	}
	return key, nil
}

// SealedPayload is a sealed message with base64 nonce and ciphertext. The
// Poly1305 tag is the tail of Ciphertext.
type SealedPayload struct {
	Nonce      string
	Ciphertext string
}

// Seal encrypts plaintext with a key derived from credential and a fresh
// random nonce.
func Seal(credential string, plaintext []byte) (SealedPayload, error) {
	key, err := SealKey(credential)
	if err != nil {
		return SealedPayload{}, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return SealedPayload{}, fmt.Errorf("auth: seal: %w", err)
	}
	n := make([]byte, aead.NonceSize())
	if _, err := rand.Read(n); err != nil {
		return SealedPayload{}, fmt.Errorf("auth: seal nonce: %w", err)
	}
	out := aead.Seal(nil, n, plaintext, nil)
	return SealedPayload{
		Nonce:      base64.StdEncoding.EncodeToString(n),
		Ciphertext: base64.StdEncoding.EncodeToString(out),
	}, nil
}

// Open reverses Seal.
func Open(credential string, sealed SealedPayload) ([]byte, error) {
	nonce, ciphertext := sealed.Nonce, sealed.Ciphertext
	key, err := SealKey(credential)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("auth: open ciphertext: %w", err)
	}
	if len(n) != aead.NonceSize() {
		return nil, fmt.Errorf("auth: open: nonce length %d", len(n))
	}
	return aead.Open(nil, n, ct, nil)
}
