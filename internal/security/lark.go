// Package security implements the chat platform's webhook protection:
// request signature verification and AES-CBC event decryption. Both use
// the bot's encrypt key, which never appears in logs.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// VerifySignature checks the X-Lark-Signature header: hex(sha256 of
// timestamp + nonce + encrypt key + raw body). Constant-time compare.
func VerifySignature(encryptKey, timestamp, nonce, signature string, body []byte) bool {
	if encryptKey == "" || signature == "" {
		return false
	}
	h := sha256.New()
	h.Write([]byte(timestamp))
	h.Write([]byte(nonce))
	h.Write([]byte(encryptKey))
	h.Write(body)
	want := hex.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// DecryptEvent unwraps an encrypted event payload. The cipher is
// AES-256-CBC with key = sha256(encrypt key) and the IV carried as the
// first block of the base64 ciphertext.
func DecryptEvent(encryptKey, encrypted string) ([]byte, error) {
	if encryptKey == "" {
		return nil, errors.New("security: encrypt key not configured")
	}

	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, errors.New("security: event ciphertext is not base64")
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, errors.New("security: ciphertext length invalid")
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv := raw[:aes.BlockSize]
	ct := raw[aes.BlockSize:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	return pkcs7Unpad(pt)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("security: empty plaintext")
	}
	pad := int(b[len(b)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(b) {
		return nil, errors.New("security: bad padding")
	}
	for _, c := range b[len(b)-pad:] {
		if int(c) != pad {
			return nil, errors.New("security: bad padding")
		}
	}
	return b[:len(b)-pad], nil
}
