package secret

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := qt.New(t)

	enc, err := NewEncryptor(testKey())
	c.Assert(err, qt.IsNil)

	plaintext := []byte("sk-provider-secret-value")
	nonce, ciphertext, err := enc.Encrypt(plaintext)
	c.Assert(err, qt.IsNil)
	c.Assert(nonce, qt.HasLen, nonceLen)
	c.Assert(bytes.Contains(ciphertext, plaintext), qt.IsFalse)

	decrypted, err := enc.Decrypt(nonce, ciphertext)
	c.Assert(err, qt.IsNil)
	c.Assert(decrypted, qt.DeepEquals, plaintext)
}

func TestEncryptDrawsFreshNonce(t *testing.T) {
	c := qt.New(t)

	enc, err := NewEncryptor(testKey())
	c.Assert(err, qt.IsNil)

	n1, c1, err := enc.Encrypt([]byte("same plaintext"))
	c.Assert(err, qt.IsNil)
	n2, c2, err := enc.Encrypt([]byte("same plaintext"))
	c.Assert(err, qt.IsNil)

	c.Assert(bytes.Equal(n1, n2), qt.IsFalse)
	c.Assert(bytes.Equal(c1, c2), qt.IsFalse)
}

func TestStringRoundTrip(t *testing.T) {
	c := qt.New(t)

	enc, err := NewEncryptor(testKey())
	c.Assert(err, qt.IsNil)

	encoded, err := enc.EncryptToString([]byte("hello"))
	c.Assert(err, qt.IsNil)
	plaintext, err := enc.DecryptFromString(encoded)
	c.Assert(err, qt.IsNil)
	c.Assert(string(plaintext), qt.Equals, "hello")
}

func TestDecryptRejectsMalformed(t *testing.T) {
	c := qt.New(t)

	enc, err := NewEncryptor(testKey())
	c.Assert(err, qt.IsNil)

	// Not base64 at all.
	_, err = enc.DecryptFromString("!!!")
	c.Assert(err, qt.IsNotNil)

	// Valid base64 but shorter than nonce plus tag.
	_, err = enc.DecryptFromString("AAAA")
	c.Assert(err, qt.IsNotNil)

	// Tampered ciphertext fails authentication.
	encoded, err := enc.EncryptToString([]byte("hello"))
	c.Assert(err, qt.IsNil)
	corrupted := []byte(encoded)
	corrupted[len(corrupted)-5] ^= 'x'
	_, err = enc.DecryptFromString(string(corrupted))
	c.Assert(err, qt.IsNotNil)
}

func TestNewEncryptorRejectsBadKeyLength(t *testing.T) {
	c := qt.New(t)
	_, err := NewEncryptor([]byte("short"))
	c.Assert(err, qt.ErrorMatches, `master key must be 32 bytes, got 5`)
}

func TestFromEnvParsesHexKey(t *testing.T) {
	c := qt.New(t)
	t.Setenv(EnvMasterKey, "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	enc, err := FromEnv()
	c.Assert(err, qt.IsNil)

	// Must decrypt material sealed under the same key bytes.
	other, err := NewEncryptor(testKey())
	c.Assert(err, qt.IsNil)
	encoded, err := other.EncryptToString([]byte("shared key"))
	c.Assert(err, qt.IsNil)
	plaintext, err := enc.DecryptFromString(encoded)
	c.Assert(err, qt.IsNil)
	c.Assert(string(plaintext), qt.Equals, "shared key")
}

func TestFromEnvRejectsNonHex(t *testing.T) {
	c := qt.New(t)
	t.Setenv(EnvMasterKey, "not-hex")
	_, err := FromEnv()
	c.Assert(err, qt.IsNotNil)
}
