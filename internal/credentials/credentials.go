// Package credentials keeps warehouse and archive secrets out of stagegate.yaml.
// Secrets live in the OS keyring; hosts without one fall back to an AES-GCM
// file store keyed by a machine-derived PBKDF2 key.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"stagegate/internal/common"
	apperrors "stagegate/pkg/errors"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyringService = "stagegate"
	// ReferencePrefix marks a config value that names a stored secret.
	ReferencePrefix  = "keyring:"
	saltSize         = 32
	pbkdf2Iterations = 100000
	keySize          = 32
)

// ErrNotFound is returned when no secret is stored under a name.
var ErrNotFound = errors.New("credential not found")

// Store reads and writes named secrets.
type Store struct {
	useKeyring bool
	dir        string
	masterKey  []byte
}

// NewStore creates a store. dir holds the encrypted fallback files.
func NewStore(dir string) (*Store, error) {
	s := &Store{useKeyring: keyringAvailable(), dir: dir}
	if !s.useKeyring {
		key, err := s.loadMasterKey()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize master key: %w", err)
		}
		s.masterKey = key
	}
	return s, nil
}

// NewKeyringStore forces keyring storage.
func NewKeyringStore() *Store {
	return &Store{useKeyring: true}
}

// Set stores secret under name.
func (s *Store) Set(name, secret string) error {
	if s.useKeyring {
		if err := keyring.Set(keyringService, name, secret); err != nil {
			return fmt.Errorf("failed to store in keyring: %w", err)
		}
		return nil
	}

	encrypted, err := s.encrypt(secret)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential: %w", err)
	}
	path, err := common.JoinPath(s.dir, name+".cred")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, common.DirPermissionSecure); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(encrypted), common.FilePermissionSecure)
}

// Get returns the secret stored under name.
func (s *Store) Get(name string) (string, error) {
	if s.useKeyring {
		secret, err := keyring.Get(keyringService, name)
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNotFound
		}
		if err != nil {
			return "", fmt.Errorf("failed to read keyring: %w", err)
		}
		return secret, nil
	}

	path, err := common.JoinPath(s.dir, name+".cred")
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path) // #nosec G304 - path is validated
	if os.IsNotExist(err) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return s.decrypt(string(data))
}

// Delete removes the secret stored under name.
func (s *Store) Delete(name string) error {
	if s.useKeyring {
		return keyring.Delete(keyringService, name)
	}
	path, err := common.JoinPath(s.dir, name+".cred")
	if err != nil {
		return err
	}
	return os.Remove(path)
}

// Resolve turns a config value into a secret. Values without the keyring:
// prefix are returned unchanged.
func (s *Store) Resolve(value string) (string, error) {
	if !strings.HasPrefix(value, ReferencePrefix) {
		return value, nil
	}
	name := strings.TrimPrefix(value, ReferencePrefix)
	secret, err := s.Get(name)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, fmt.Sprintf("cannot resolve secret %q", name)).
			WithSuggestions(fmt.Sprintf("Run 'stagegate credentials set %s'", name))
	}
	return secret, nil
}

func (s *Store) encrypt(plaintext string) (string, error) {
	gcm, err := s.cipher()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

func (s *Store) decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	gcm, err := s.cipher()
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *Store) cipher() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *Store) loadMasterKey() ([]byte, error) {
	keyPath := filepath.Join(s.dir, ".master")
	validated, err := common.ValidatePath(keyPath, s.dir)
	if err != nil {
		return nil, fmt.Errorf("invalid master key path: %w", err)
	}

	data, err := os.ReadFile(validated) // #nosec G304 - path is validated
	if err == nil {
		if len(data) != saltSize+keySize {
			return nil, fmt.Errorf("invalid master key file size")
		}
		return data[saltSize:], nil
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(machineID()), salt, pbkdf2Iterations, keySize, sha256.New)

	if err := os.MkdirAll(s.dir, common.DirPermissionSecure); err != nil {
		return nil, err
	}
	if err := os.WriteFile(validated, append(salt, key...), common.FilePermissionSecure); err != nil {
		return nil, err
	}
	return key, nil
}

func keyringAvailable() bool {
	if os.Getenv("STAGEGATE_USE_KEYRING") == "false" {
		return false
	}
	// A lookup of an unknown name; ErrNotFound means the backend works.
	_, err := keyring.Get(keyringService, "__availability_check__")
	return err == nil || errors.Is(err, keyring.ErrNotFound)
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	host, _ := os.Hostname()
	return host + runtime.GOOS + runtime.GOARCH
}
