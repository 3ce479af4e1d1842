package keyring

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyring_InitializeGeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()

	kr := New(dir)
	require.NoError(t, kr.Initialize())
	require.NotNil(t, kr.PublicKey())

	// Both files should exist after generation
	for _, name := range []string{publicKeyFile, privateKeyFile} {
		_, err := os.Stat(filepath.Join(dir, "rsa", name))
		require.NoError(t, err, "expected %s to be written", name)
	}

	// A second keyring on the same dir should load the same key
	again := New(dir)
	require.NoError(t, again.Initialize())
	assert.True(t, kr.PublicKey().Equal(again.PublicKey()), "reloaded key differs from generated key")
}

func TestKeyring_InitializeRegeneratesCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	rsaDir := filepath.Join(dir, "rsa")
	require.NoError(t, os.MkdirAll(rsaDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(rsaDir, publicKeyFile), []byte("garbage"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(rsaDir, privateKeyFile), []byte("garbage"), 0o600))

	kr := New(dir)
	require.NoError(t, kr.Initialize())
	require.NotNil(t, kr.PublicKey())

	pubDER, err := os.ReadFile(filepath.Join(rsaDir, publicKeyFile))
	require.NoError(t, err)
	assert.NotEqual(t, "garbage", string(pubDER), "corrupt public key should have been overwritten")
}

func TestKeyring_DecryptPKCS1(t *testing.T) {
	kr := testKeyring(t)

	plain := "VOTE\nSiteA\nAlice\n203.0.113.5\n1700000000\n"
	block, err := rsa.EncryptPKCS1v15(rand.Reader, kr.PublicKey(), []byte(plain))
	require.NoError(t, err)
	require.Len(t, block, BlockSize)

	got, err := kr.Decrypt(block)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestKeyring_DecryptFallsBackToOAEP(t *testing.T) {
	kr := testKeyring(t)

	block, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, kr.PublicKey(), []byte("VOTE\nx\ny\nz\n1\n"), nil)
	require.NoError(t, err)

	got, err := kr.Decrypt(block)
	require.NoError(t, err)
	assert.Equal(t, "VOTE\nx\ny\nz\n1\n", got)
}

func TestKeyring_DecryptGarbageFails(t *testing.T) {
	kr := testKeyring(t)
	kr.SetDebug(true)

	_, err := kr.Decrypt(make([]byte, BlockSize))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDecryption), "expected ErrDecryption, got %v", err)
}

func TestKeyring_DecryptBeforeInitialize(t *testing.T) {
	_, err := New(t.TempDir()).Decrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestKeyring_PublicKeyPEMRoundTrip(t *testing.T) {
	kr := testKeyring(t)

	exported := kr.PublicKeyPEM()
	lines := strings.Split(exported, "\n")
	require.GreaterOrEqual(t, len(lines), 3)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----", lines[0])
	assert.Equal(t, "-----END PUBLIC KEY-----", lines[len(lines)-1])
	for _, line := range lines[1 : len(lines)-1] {
		assert.LessOrEqual(t, len(line), 64, "PEM body lines must wrap at 64 characters")
	}

	// Re-import, encrypt, and decrypt with the private side
	pub, err := ParsePublicKey(exported)
	require.NoError(t, err)

	block, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte("round trip"))
	require.NoError(t, err)
	got, err := kr.Decrypt(block)
	require.NoError(t, err)
	assert.Equal(t, "round trip", got)

	// Bare base64 form parses too
	bare, err := ParsePublicKey(kr.PublicKeyBase64())
	require.NoError(t, err)
	assert.True(t, bare.Equal(pub))
}

func TestKeyring_PEMBeforeInitialize(t *testing.T) {
	assert.Equal(t, "RSA keys not initialized", New(t.TempDir()).PublicKeyPEM())
}

func TestHexDump(t *testing.T) {
	assert.Equal(t, "00 0A FF", HexDump([]byte{0x00, 0x0a, 0xff}, 64))

	long := make([]byte, 70)
	dump := HexDump(long, 64)
	assert.True(t, strings.HasSuffix(dump, "..."))
	assert.Equal(t, 64, strings.Count(dump, "00"))
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	kr := New(t.TempDir())
	require.NoError(t, kr.Initialize())
	return kr
}
