package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/scrypt"
)

// File layout: [salt][nonce][ciphertext+tag].
const (
	saltSize  = 16
	nonceSize = 12
	tagSize   = 16
	scryptN   = 32768 // 2^15
	scryptR   = 8
	scryptP   = 1
	keySize   = 32 // AES-256
)

// ErrDecrypt is returned for a wrong password or a corrupted file.
var ErrDecrypt = errors.New("decryption failed (wrong password or corrupted file)")

// EncryptedFile stores secrets as AES-256-GCM encrypted JSON with an
// scrypt-derived key.
type EncryptedFile struct {
	path     string
	password []byte
}

// NewEncryptedFile returns a handle on path. The file need not exist yet.
func NewEncryptedFile(path, password string) *EncryptedFile {
	return &EncryptedFile{path: path, password: []byte(password)}
}

// Path returns the file location.
func (f *EncryptedFile) Path() string {
	return f.path
}

// Load decrypts the file. A missing file yields an empty map.
func (f *EncryptedFile) Load() (map[string]string, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		logger.Warn("Secrets file %s has mode %04o, resetting to 0600", f.path, info.Mode().Perm())
		if err := os.Chmod(f.path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	return Decrypt(f.password, data)
}

// Save encrypts values and writes them with mode 0600.
func (f *EncryptedFile) Save(values map[string]string) error {
	data, err := Encrypt(f.password, values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace secrets file: %w", err)
	}
	return nil
}

// Encrypt seals values under a key derived from password.
func Encrypt(password []byte, values map[string]string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	defer wipe()

	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	return append(out, ciphertext...), nil
}

// Decrypt opens data produced by Encrypt.
func Decrypt(password, data []byte) (map[string]string, error) {
	if len(data) < saltSize+nonceSize+tagSize {
		return nil, fmt.Errorf("%w: file too small", ErrDecrypt)
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, wipe, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	defer wipe()

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	values := map[string]string{}
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return values, nil
}

// newGCM derives the key and returns the AEAD plus a func zeroing the key.
func newGCM(password, salt []byte) (cipher.AEAD, func(), error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	wipe := func() {
		for i := range key {
			key[i] = 0
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		wipe()
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, wipe, nil
}
