package services

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"natforward/internal/models"

	"gorm.io/gorm"
)

// Credentials grant access to a server's proxy API.
type Credentials struct {
	Host     string
	Username string
	Password string
}

// CredentialStore decrypts server API credentials kept in the servers table.
type CredentialStore struct {
	db  *gorm.DB
	key []byte
}

// NewCredentialStore takes the hex encoded 32 byte AES key. An empty key
// means passwords are stored in the clear.
func NewCredentialStore(db *gorm.DB, hexKey string) (*CredentialStore, error) {
	s := &CredentialStore{db: db}
	if hexKey == "" {
		return s, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("credential key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("credential key must be 32 bytes, got %d", len(key))
	}
	s.key = key
	return s, nil
}

func (s *CredentialStore) Get(ctx context.Context, serverID uint) (Credentials, error) {
	var server models.Server
	err := s.db.WithContext(ctx).First(&server, serverID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credentials{}, fmt.Errorf("server %d: %w", serverID, models.ErrServerNotFound)
	}
	if err != nil {
		return Credentials{}, err
	}
	password, err := s.Decrypt(server.PasswordEnc)
	if err != nil {
		return Credentials{}, fmt.Errorf("server %d password: %w", serverID, err)
	}
	return Credentials{Host: server.Address(), Username: server.Username, Password: password}, nil
}

// Encrypt seals plaintext as hex(nonce || ciphertext).
func (s *CredentialStore) Encrypt(plaintext string) (string, error) {
	if s.key == nil {
		return plaintext, nil
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *CredentialStore) Decrypt(enc string) (string, error) {
	if s.key == nil || enc == "" {
		return enc, nil
	}
	raw, err := hex.DecodeString(enc)
	if err != nil {
		return "", err
	}
	gcm, err := s.gcm()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func (s *CredentialStore) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
