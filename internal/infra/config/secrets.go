package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"

	"shellpilot/internal/domain"
)

const encPrefix = "enc:"

// decryptSecrets replaces every "enc:..." secret in cfg with its plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	type secret struct {
		label string
		value *string
	}
	var secrets []secret
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		secrets = append(secrets, secret{"provider " + p.Name + " api_key", &p.APIKey})
	}
	for i := range cfg.Gateway.Auth.Tokens {
		t := &cfg.Gateway.Auth.Tokens[i]
		secrets = append(secrets, secret{"gateway token " + t.Name, &t.Token})
	}
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		secrets = append(secrets,
			secret{"target " + t.Name + " password", &t.Password},
			secret{"target " + t.Name + " passphrase", &t.Passphrase},
		)
		if t.LLM != nil {
			secrets = append(secrets, secret{"target " + t.Name + " llm api_key", &t.LLM.APIKey})
		}
	}

	for _, s := range secrets {
		if !strings.HasPrefix(*s.value, encPrefix) {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*s.value, encPrefix), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.label, err)
		}
		*s.value = plain
	}
	return nil
}

// EncryptValue encrypts plaintext with AES-256-GCM under a passphrase-derived key.
// The result is hex(salt) + ":" + hex(nonce+ciphertext), ready to be stored
// behind the "enc:" prefix.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %w", domain.ErrEncryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %w", domain.ErrEncryption, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
