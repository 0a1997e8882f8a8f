package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	passwordLength  = 12
	kdfIterations   = 100000
	kdfKeyLength    = 32
	kdfSaltLength   = 16
	gcmNonceLength  = 12
)

// DerivePassword 从master secret和设备SN派生12位MQTT密码。
// password = Base64(HMAC-SHA256(masterSecret, serial))[0:12]，确定性可复现。
func DerivePassword(masterSecret, serialNumber string) string {
	mac := hmac.New(sha256.New, []byte(masterSecret))
	mac.Write([]byte(serialNumber))
	encoded := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return encoded[:passwordLength]
}

// Cipher master secret的落库加解密器
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 由进程级密钥和盐构造加解密器。
// 密钥经PBKDF2-HMAC-SHA256派生，盐取ENCRYPTION_SALT前16字节。
func NewCipher(encryptionKey, encryptionSalt string) (*Cipher, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key must not be empty")
	}
	salt := []byte(encryptionSalt)
	if len(salt) > kdfSaltLength {
		salt = salt[:kdfSaltLength]
	}

	key := pbkdf2.Key([]byte(encryptionKey), salt, kdfIterations, kdfKeyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptMasterSecret 加密master secret：AES-256-GCM随机nonce，外层base64
func (c *Cipher) EncryptMasterSecret(plaintext string) (string, error) {
	nonce := make([]byte, gcmNonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptMasterSecret 解密master secret，任何失败都是致命凭证错误
func (c *Cipher) DecryptMasterSecret(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode master secret: %w", err)
	}
	if len(raw) < gcmNonceLength {
		return "", fmt.Errorf("master secret ciphertext too short")
	}
	nonce, sealed := raw[:gcmNonceLength], raw[gcmNonceLength:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt master secret: %w", err)
	}
	return string(plaintext), nil
}
