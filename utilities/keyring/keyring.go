// Package keyring owns the RSA key pair used by the Votifier protocol.
//
// Keyring is the central place for:
//   - Key storage (load from dataDir/rsa, or generate and persist)
//   - Decryption of v1 vote blocks (PKCS#1 v1.5, then OAEP fallback)
//   - Export of the public key for voting-site registration pages
//
// The key files are DER encoded: public.key is an X.509
// SubjectPublicKeyInfo, private.key is PKCS#8. Existing files written by
// other Votifier implementations load as-is.
//
// A Keyring is read-only once Initialize returns and is safe to share
// between connection handlers.
package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// KeyBits is the modulus size. v1 blocks are exactly KeyBits/8 bytes.
const KeyBits = 2048

// BlockSize is the size of one v1 ciphertext block.
const BlockSize = KeyBits / 8

const (
	publicKeyFile  = "public.key"
	privateKeyFile = "private.key"
	hexDumpLimit   = 64
)

var (
	// ErrKeyInitialization means no usable key pair could be loaded or generated.
	ErrKeyInitialization = errors.New("rsa key initialization failed")
	// ErrDecryption means every padding scheme failed to unwrap the block.
	ErrDecryption = errors.New("rsa decryption failed")
	// ErrNotInitialized is returned when the keyring is used before Initialize.
	ErrNotInitialized = errors.New("rsa keys not initialized")
)

// Keyring manages the server's RSA key pair.
type Keyring struct {
	dir        string
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey

	debug atomic.Bool
}

// New creates a Keyring that stores its keys under dataDir/rsa.
func New(dataDir string) *Keyring {
	return &Keyring{dir: filepath.Join(dataDir, "rsa")}
}

// FromPrivateKey wraps an existing key without touching disk.
func FromPrivateKey(key *rsa.PrivateKey) *Keyring {
	return &Keyring{privateKey: key, publicKey: &key.PublicKey}
}

// SetDebug toggles diagnostic logging (hex dumps of undecryptable blocks).
func (k *Keyring) SetDebug(debug bool) {
	k.debug.Store(debug)
}

// Dir returns the directory holding the key files.
func (k *Keyring) Dir() string {
	return k.dir
}

// === Lifecycle ===

// Initialize loads the key pair from disk, or generates and persists a new
// one when the files are missing or unreadable. It only fails when a fresh
// pair cannot be generated or written.
func (k *Keyring) Initialize() error {
	if err := os.MkdirAll(k.dir, 0o700); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrKeyInitialization, k.dir, err)
	}

	pubPath := filepath.Join(k.dir, publicKeyFile)
	privPath := filepath.Join(k.dir, privateKeyFile)

	if fileExists(pubPath) && fileExists(privPath) {
		err := k.load(pubPath, privPath)
		if err == nil {
			logrus.Info("🔑 Loaded RSA keys successfully")
			return nil
		}
		logrus.WithError(err).Warn("failed to load RSA keys, generating new ones")
	}

	if err := k.generate(pubPath, privPath); err != nil {
		logrus.WithError(err).Error("failed to generate RSA keys")
		return fmt.Errorf("%w: %v", ErrKeyInitialization, err)
	}
	logrus.Info("🔑 Generated new RSA key pair successfully")
	return nil
}

func (k *Keyring) load(pubPath, privPath string) error {
	pubDER, err := os.ReadFile(pubPath)
	if err != nil {
		return err
	}
	privDER, err := os.ReadFile(privPath)
	if err != nil {
		return err
	}

	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return errors.New("public key is not RSA")
	}

	privAny, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := privAny.(*rsa.PrivateKey)
	if !ok {
		return errors.New("private key is not RSA")
	}
	if !priv.PublicKey.Equal(pub) {
		return errors.New("public and private key do not match")
	}
	if priv.Size() != BlockSize {
		return fmt.Errorf("key is %d bits, want %d", priv.Size()*8, KeyBits)
	}

	k.privateKey = priv
	k.publicKey = pub
	return nil
}

func (k *Keyring) generate(pubPath, privPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}

	if err := os.WriteFile(pubPath, pubDER, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(privPath, privDER, 0o600); err != nil {
		return err
	}

	k.privateKey = priv
	k.publicKey = &priv.PublicKey
	return nil
}

// === Decryption ===

type scheme struct {
	name    string
	decrypt func(priv *rsa.PrivateKey, data []byte) ([]byte, error)
}

// PKCS#1 v1.5 is what every v1 sender uses, so it goes first. The plain
// "RSA" cipher of Java senders is PKCS#1 v1.5 as well; OAEP-SHA1 covers the
// senders that ask for OAEP padding explicitly.
var schemes = []scheme{
	{"PKCS1v15", func(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
		return rsa.DecryptPKCS1v15(nil, priv, data)
	}},
	{"OAEP-SHA1", func(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
		return rsa.DecryptOAEP(sha1.New(), nil, priv, data, nil)
	}},
}

// Decrypt unwraps a v1 block and returns the plaintext.
func (k *Keyring) Decrypt(data []byte) (string, error) {
	if k.privateKey == nil {
		return "", ErrNotInitialized
	}

	logrus.Debugf("attempting to decrypt %d bytes of data", len(data))

	var lastErr error
	for _, s := range schemes {
		plain, err := s.decrypt(k.privateKey, data)
		if err == nil {
			if s.name != schemes[0].name {
				logrus.Debugf("decrypted vote block with fallback scheme %s", s.name)
			}
			return string(plain), nil
		}
		logrus.Debugf("decrypt with %s failed: %v", s.name, err)
		lastErr = err
	}

	if k.debug.Load() {
		logrus.Infof("hex dump of data (%d bytes): %s", len(data), HexDump(data, hexDumpLimit))
	}
	return "", fmt.Errorf("%w: %v", ErrDecryption, lastErr)
}

// === Public key export ===

// PublicKey returns the RSA public key, or nil before Initialize.
func (k *Keyring) PublicKey() *rsa.PublicKey {
	return k.publicKey
}

// PublicKeyBase64 returns the base64 of the DER public key, the unwrapped
// form some voting sites ask for.
func (k *Keyring) PublicKeyBase64() string {
	if k.publicKey == nil {
		return ""
	}
	der, err := x509.MarshalPKIXPublicKey(k.publicKey)
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(der)
}

// PublicKeyPEM returns the public key wrapped at 64 characters with PEM
// header and footer, for pasting into voting-site registration forms.
func (k *Keyring) PublicKeyPEM() string {
	b64 := k.PublicKeyBase64()
	if b64 == "" {
		return "RSA keys not initialized"
	}

	var sb strings.Builder
	sb.WriteString("-----BEGIN PUBLIC KEY-----\n")
	for i := 0; i < len(b64); i += 64 {
		end := min(i+64, len(b64))
		sb.WriteString(b64[i:end])
		sb.WriteByte('\n')
	}
	sb.WriteString("-----END PUBLIC KEY-----")
	return sb.String()
}

// === Utility ===

// ParsePublicKey decodes a public key in either PEM or bare base64 form.
func ParsePublicKey(s string) (*rsa.PublicKey, error) {
	s = strings.TrimSpace(s)
	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		var err error
		der, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
	}

	pubAny, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return pub, nil
}

// HexDump formats up to limit bytes as space-separated uppercase hex,
// with a trailing "..." when data was cut.
func HexDump(data []byte, limit int) string {
	n := min(len(data), limit)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, "%02X ", data[i])
	}
	if len(data) > limit {
		sb.WriteString("...")
	}
	return strings.TrimSpace(sb.String())
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
