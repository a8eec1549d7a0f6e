package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets file parameters. The on-disk layout is [salt][nonce][ciphertext].
const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32 // AES-256
)

// Secrets holds decrypted secrets in memory with environment fallback.
type Secrets struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewSecrets creates an empty in-memory store.
func NewSecrets() *Secrets {
	return &Secrets{values: make(map[string]string)}
}

// Get returns a secret by name: decrypted store first, then environment.
func (s *Secrets) Get(name string) (string, error) {
	s.mu.RLock()
	value, ok := s.values[name]
	s.mu.RUnlock()
	if ok && value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret %s not found in secrets file or environment", name)
}

// Set stores a secret in memory. It is not persisted until Save.
func (s *Secrets) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Names returns the stored secret names, never the values.
func (s *Secrets) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for name := range s.values {
		out = append(out, name)
	}
	return out
}

// Exists reports whether an encrypted secrets file is present under dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, secretsFileName))
	return err == nil
}

// Save encrypts the in-memory secrets with the password and writes them
// under dir with 0600 permissions.
func (s *Secrets) Save(dir, password string) error {
	s.mu.RLock()
	plain, err := json.Marshal(s.values)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plain, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	path := filepath.Join(dir, secretsFileName)
	if err := os.WriteFile(path, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// LoadSecrets decrypts the secrets file under dir with the password.
func LoadSecrets(dir, password string) (*Secrets, error) {
	path := filepath.Join(dir, secretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", err)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	minSize := saltSize + nonceSize + 16 // GCM tag
	if len(fileData) < minSize {
		return nil, fmt.Errorf("secrets file is corrupted or truncated")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}

	values := make(map[string]string)
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return &Secrets{values: values}, nil
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)
	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
