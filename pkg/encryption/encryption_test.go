package encryption

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelValid(t *testing.T) {
	assert.True(t, LevelSample.Valid())
	assert.True(t, LevelChunk.Valid())
	assert.False(t, Level("record").Valid())
}

func TestDescribe(t *testing.T) {
	assert.Nil(t, Describe(nil))

	f, err := NewFernet("password", LevelChunk)
	require.NoError(t, err)

	desc := Describe(f)
	require.NotNil(t, desc)
	assert.Equal(t, AlgorithmFernet, desc.Algorithm)
	assert.Equal(t, LevelChunk, desc.Level)
}

func TestFernetRoundTrip(t *testing.T) {
	for _, level := range []Level{LevelSample, LevelChunk} {
		f, err := NewFernet("password", level)
		require.NoError(t, err)
		assert.Equal(t, AlgorithmFernet, f.Algorithm())
		assert.Equal(t, level, f.Level())

		plain := []byte("a serialized record")
		sealed, err := f.Encrypt(plain)
		require.NoError(t, err)
		assert.NotEqual(t, plain, sealed)

		back, err := f.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, back)
	}
}

func TestFernetSamePasswordAcrossInstances(t *testing.T) {
	// A dataset written by one process must decrypt in another given
	// the same password.
	writer, err := NewFernet("shared-secret", LevelSample)
	require.NoError(t, err)
	reader, err := NewFernet("shared-secret", LevelSample)
	require.NoError(t, err)

	sealed, err := writer.Encrypt([]byte("payload"))
	require.NoError(t, err)

	back, err := reader.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), back)
}

func TestFernetWrongPassword(t *testing.T) {
	f1, err := NewFernet("correct", LevelSample)
	require.NoError(t, err)
	f2, err := NewFernet("wrong", LevelSample)
	require.NoError(t, err)

	sealed, err := f1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = f2.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFernetRejectsBadInput(t *testing.T) {
	_, err := NewFernet("", LevelSample)
	assert.Error(t, err)

	_, err = NewFernet("password", Level("item"))
	assert.Error(t, err)
}

func TestRSARoundTrip(t *testing.T) {
	for _, level := range []Level{LevelSample, LevelChunk} {
		r, err := NewRSA(level)
		require.NoError(t, err)
		assert.Equal(t, AlgorithmRSA, r.Algorithm())
		assert.Equal(t, level, r.Level())

		// Larger than the RSA modulus: the hybrid scheme must not
		// care.
		plain := bytes.Repeat([]byte("big chunk payload "), 10_000)
		sealed, err := r.Encrypt(plain)
		require.NoError(t, err)

		back, err := r.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, plain, back)
	}
}

func TestRSAWrongKey(t *testing.T) {
	r1, err := NewRSA(LevelSample)
	require.NoError(t, err)
	r2, err := NewRSA(LevelSample)
	require.NoError(t, err)

	sealed, err := r1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = r2.Decrypt(sealed)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unwrap content key")
}

func TestRSASaveLoadKeys(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "rsa_private.pem")
	pubPath := filepath.Join(dir, "rsa_public.pem")

	writer, err := NewRSA(LevelChunk)
	require.NoError(t, err)
	require.NoError(t, writer.SaveKeys(privPath, pubPath))

	sealed, err := writer.Encrypt([]byte("persisted"))
	require.NoError(t, err)

	reader, err := LoadRSA(privPath, pubPath, LevelChunk)
	require.NoError(t, err)

	back, err := reader.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), back)

	// Public-key-only instance encrypts but cannot decrypt.
	encryptOnly, err := LoadRSA("", pubPath, LevelChunk)
	require.NoError(t, err)
	_, err = encryptOnly.Encrypt([]byte("x"))
	require.NoError(t, err)
	_, err = encryptOnly.Decrypt(sealed)
	assert.Error(t, err)
}

func TestRSADecryptTruncated(t *testing.T) {
	r, err := NewRSA(LevelSample)
	require.NoError(t, err)

	_, err = r.Decrypt([]byte{0x01})
	assert.Error(t, err)

	_, err = r.Decrypt([]byte{0xff, 0xff, 0x00})
	assert.Error(t, err)
}
