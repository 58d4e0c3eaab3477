package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func encryptForTest(t *testing.T, encryptKey string, plaintext []byte) string {
	t.Helper()

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), make([]byte, pad)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}

	iv := make([]byte, aes.BlockSize)
	for i := range iv {
		iv[i] = byte(i)
	}

	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(append(iv, ct...))
}

func TestDecryptEvent_RoundTrip(t *testing.T) {
	payload := []byte(`{"schema":"2.0","event":{"message":{"message_type":"text"}}}`)
	enc := encryptForTest(t, "k-123", payload)

	got, err := DecryptEvent("k-123", enc)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestDecryptEvent_WrongKeyGarbles(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	enc := encryptForTest(t, "k-123", payload)

	got, err := DecryptEvent("other-key", enc)
	if err == nil {
		require.NotEqual(t, payload, got)
	}
}

func TestDecryptEvent_RejectsGarbage(t *testing.T) {
	_, err := DecryptEvent("k-123", "not base64!!")
	require.Error(t, err)

	_, err = DecryptEvent("k-123", base64.StdEncoding.EncodeToString([]byte("short")))
	require.Error(t, err)

	_, err = DecryptEvent("", "AAAA")
	require.Error(t, err)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"challenge":"abc"}`)
	ts := "1718000000"
	nonce := "n-1"
	key := "encrypt-key"

	h := sha256.New()
	h.Write([]byte(ts))
	h.Write([]byte(nonce))
	h.Write([]byte(key))
	h.Write(body)
	sig := hex.EncodeToString(h.Sum(nil))

	require.True(t, VerifySignature(key, ts, nonce, sig, body))
	require.False(t, VerifySignature(key, ts, nonce, sig, []byte("tampered")))
	require.False(t, VerifySignature(key, ts, nonce, "", body))
	require.False(t, VerifySignature("", ts, nonce, sig, body))
}
