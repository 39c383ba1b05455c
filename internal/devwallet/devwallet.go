// Package devwallet implements a local, file-backed signing wallet for
// development and testing, standing in for the external wallet spec.md §6
// describes (which, in production, lives entirely outside this core). It
// produces deterministic Ed25519 signatures over both a fixed typed-data
// message (the IKM source for KeyVault.DerivePersonalKey) and arbitrary
// message bytes (the Signer interface internal/manifest expects).
// Grounded on the teacher's internal/crypto/keystore.go (Argon2id-derived
// AES-256-GCM-encrypted keystore file) and cmd/keygen/main.go (passphrase
// handling, SHA-256 fingerprinting).
package devwallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"

	"github.com/witnessvault/core/internal/aead"
)

const (
	argon2Time      = 3
	argon2Memory    = 65536
	argon2Threads   = 4
	argon2KeyLen    = 32
	saltSize        = 32
	keystoreVersion = 1
)

// ErrInvalidPassphrase is returned when the passphrase fails to decrypt the
// keystore file.
var ErrInvalidPassphrase = errors.New("devwallet: invalid passphrase or corrupted keystore")

// TypedMessage is the fixed typed-data structure spec.md §6 requires the
// wallet to sign over when deriving a PersonalKey. Its shape MUST NOT
// change across releases — changing it breaks deterministic recovery on
// every existing identity.
type TypedMessage struct {
	DomainName    string
	DomainVersion string
	ChainID       uint64
	Purpose       string
	Application   string
	MessageVersion uint32
}

// DefaultTypedMessage is the canonical message this engine signs to derive
// a PersonalKey.
var DefaultTypedMessage = TypedMessage{
	DomainName:     "witnessvault",
	DomainVersion:  "1",
	ChainID:        1,
	Purpose:        "personal-key-derivation",
	Application:    "evidence-capture",
	MessageVersion: 1,
}

// Encode produces the fixed byte encoding signed over for a TypedMessage.
// Field order and separators are part of the stability contract.
func (m TypedMessage) Encode() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%s|%d",
		m.DomainName, m.DomainVersion, m.ChainID, m.Purpose, m.Application, m.MessageVersion))
}

type keystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    int    `json:"argon2_time"`
	Argon2Memory  int    `json:"argon2_memory"`
	Argon2Threads int    `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

// Wallet is a local Ed25519 identity that can sign typed messages and
// arbitrary bytes.
type Wallet struct {
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 identity.
func Generate() (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("devwallet: generate key: %w", err)
	}
	return &Wallet{public: pub, private: priv}, nil
}

// Address derives the 20-byte wallet address spec.md §3 records as a
// session's `uploader`: the low 20 bytes of SHA-256(publicKey).
func (w *Wallet) Address() [20]byte {
	h := sha256.Sum256(w.public)
	var addr [20]byte
	copy(addr[:], h[12:])
	return addr
}

// Fingerprint returns a human-readable SHA-256 fingerprint of the public
// key, for display/debugging.
func (w *Wallet) Fingerprint() string {
	h := sha256.Sum256(w.public)
	return "SHA256:" + hex.EncodeToString(h[:])
}

// Sign implements the manifest.Signer interface: a deterministic Ed25519
// signature over arbitrary message bytes.
func (w *Wallet) Sign(message []byte) ([]byte, error) {
	return ed25519.Sign(w.private, message), nil
}

// SignTypedData signs msg.Encode(), the opaque byte string spec.md §6 says
// is treated as HKDF IKM by KeyVault.DerivePersonalKey. Ed25519 signatures
// are deterministic for a fixed (key, message) pair, so this is
// re-derivable on any device holding the same private key.
func (w *Wallet) SignTypedData(msg TypedMessage) ([]byte, error) {
	return w.Sign(msg.Encode())
}

// Verify checks an Ed25519 signature against this wallet's public key.
func (w *Wallet) Verify(message, signature []byte) bool {
	return ed25519.Verify(w.public, message, signature)
}

// Save persists the wallet's private key to path, encrypted under
// passphrase with Argon2id-derived AES-256-GCM. An empty passphrase stores
// the key unencrypted with a ".insecure" suffix, for local development only.
func (w *Wallet) Save(path string, passphrase string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("devwallet: create keystore dir: %w", err)
	}

	if passphrase == "" {
		return os.WriteFile(path+".insecure", w.private, 0600)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("devwallet: generate salt: %w", err)
	}
	derivedKey := argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	nonce, err := aead.NewNonce()
	if err != nil {
		return err
	}
	ciphertext, err := aead.Seal(derivedKey, nonce, nil, w.private)
	if err != nil {
		return fmt.Errorf("devwallet: encrypt key: %w", err)
	}

	entry := keystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("devwallet: marshal keystore entry: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// Load reads and decrypts a wallet keystore file written by Save.
func Load(path string, passphrase string) (*Wallet, error) {
	if passphrase == "" {
		data, err := os.ReadFile(path + ".insecure")
		if err != nil {
			return nil, fmt.Errorf("devwallet: read keystore: %w", err)
		}
		return fromPrivateKey(data)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("devwallet: read keystore: %w", err)
	}
	var entry keystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("devwallet: unmarshal keystore: %w", err)
	}
	if entry.Version != keystoreVersion || entry.KDF != "argon2id" {
		return nil, fmt.Errorf("devwallet: unsupported keystore format")
	}

	derivedKey := argon2.IDKey([]byte(passphrase), entry.Salt,
		uint32(entry.Argon2Time), uint32(entry.Argon2Memory), uint8(entry.Argon2Threads), argon2KeyLen)

	plaintext, err := aead.Open(derivedKey, entry.Nonce, nil, entry.Ciphertext)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return fromPrivateKey(plaintext)
}

func fromPrivateKey(priv []byte) (*Wallet, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("devwallet: invalid private key size %d", len(priv))
	}
	pk := ed25519.PrivateKey(priv)
	pub, ok := pk.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("devwallet: unexpected public key type")
	}
	return &Wallet{public: pub, private: pk}, nil
}

// DefaultKeystorePath mirrors the teacher's XDG-aware default location,
// renamed to this project's data directory.
func DefaultKeystorePath() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, "witnessvault", "wallet")
	}
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "witnessvault", "wallet")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "witnessvault", "wallet")
}
