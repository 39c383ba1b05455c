// Package keyvault implements the key hierarchy described in spec.md §4.A:
// personal-key derivation from a wallet signature, group secrets, per-object
// content keys, and per-segment subkeys. Grounded on the teacher's
// internal/crypto/session.go (HKDF-based key derivation from a shared
// secret) and internal/crypto/keypair.go (the key-material shapes reused by
// internal/devwallet), rebuilt around a wallet signature as the sole root of
// key material instead of an X25519 ECDH exchange.
package keyvault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/witnessvault/core/internal/aead"
)

const (
	personalKeySalt = "witness-protocol-v1"
	personalKeyInfo = "encryption-key"
	keySize         = 32
)

// ErrAuthenticationFailed is the single opaque error surfaced by every
// unwrap operation in this package. Callers must not branch on sub-reasons
// (spec.md §4.A "Failure modes") — wrong secret and tampered ciphertext are
// indistinguishable on purpose.
var ErrAuthenticationFailed = aead.ErrAuthenticationFailed

// PersonalKey is the 256-bit AES-GCM key deterministically derived from a
// wallet signature. It is never persisted in raw form; SecureStore is the
// only thing it ever wraps.
type PersonalKey struct {
	raw [keySize]byte
}

// Bytes exposes the raw key material. Callers that only need to pass the
// key to aead.Seal/Open should prefer that path; Bytes exists for the rare
// case (SecureStore) that needs to hold the key across calls.
func (k PersonalKey) Bytes() []byte {
	out := make([]byte, keySize)
	copy(out, k.raw[:])
	return out
}

// DerivePersonalKey treats the wallet's signature bytes as HKDF-SHA-256
// input key material and expands it deterministically to a 32-byte key.
// Same signature in, byte-identical key out, on any device.
func DerivePersonalKey(signature []byte) (PersonalKey, error) {
	if len(signature) == 0 {
		return PersonalKey{}, errors.New("keyvault: empty signature")
	}
	reader := hkdf.New(sha256.New, signature, []byte(personalKeySalt), []byte(personalKeyInfo))
	var pk PersonalKey
	if _, err := io.ReadFull(reader, pk.raw[:]); err != nil {
		return PersonalKey{}, fmt.Errorf("keyvault: derive personal key: %w", err)
	}
	return pk, nil
}

// GenerateGroupSecret draws a fresh 32-byte CSRNG value for a new group.
func GenerateGroupSecret() ([]byte, error) {
	secret := make([]byte, keySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("keyvault: generate group secret: %w", err)
	}
	return secret, nil
}

// DeriveGroupID computes groupId := SHA-256(groupSecret).
func DeriveGroupID(groupSecret []byte) [32]byte {
	return sha256.Sum256(groupSecret)
}

// GenerateContentKey draws a fresh 32-byte CSRNG session content key.
func GenerateContentKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("keyvault: generate content key: %w", err)
	}
	return key, nil
}

// WrappedKey is a content key AES-256-GCM-encrypted under a group secret.
type WrappedKey struct {
	IV         []byte
	Ciphertext []byte
}

// WrapContentKey encrypts contentKey under groupSecret with a fresh 96-bit
// IV, per spec.md §4.A.
func WrapContentKey(contentKey, groupSecret []byte) (WrappedKey, error) {
	nonce, err := aead.NewNonce()
	if err != nil {
		return WrappedKey{}, err
	}
	ct, err := aead.Seal(groupSecret, nonce, nil, contentKey)
	if err != nil {
		return WrappedKey{}, err
	}
	return WrappedKey{IV: nonce, Ciphertext: ct}, nil
}

// UnwrapContentKey reverses WrapContentKey. Any mismatch between groupSecret
// and the secret used to wrap — wrong group or tampered blob — surfaces as
// the single opaque ErrAuthenticationFailed.
func UnwrapContentKey(w WrappedKey, groupSecret []byte) ([]byte, error) {
	key, err := aead.Open(groupSecret, w.IV, nil, w.Ciphertext)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return key, nil
}

// DeriveSegmentSubkey derives a per-segment AES-256 key from the session
// content key via HKDF-Expand with info = "segment-" || u32_be(index).
// Every segment gets its own key, so a fresh random IV per segment can never
// collide with another segment's (key, iv) pair — the ChunkProcessor still
// draws a fresh IV, but subkey-per-index removes the consequence of ever
// repeating one.
func DeriveSegmentSubkey(contentKey []byte, index uint32) ([]byte, error) {
	info := make([]byte, 0, 8+4)
	info = append(info, []byte("segment-")...)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], index)
	info = append(info, idxBuf[:]...)

	reader := hkdf.New(sha256.New, contentKey, nil, info)
	subkey := make([]byte, keySize)
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("keyvault: derive segment subkey: %w", err)
	}
	return subkey, nil
}
