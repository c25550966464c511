// Package crypto seals data point payloads at rest with AES-256-GCM. The key
// lives in a file next to the database.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	KeySize     = 32 // AES-256
	KeyFileName = ".vault.key"
	// EncPrefix marks sealed values in the database.
	EncPrefix = "enc:v1:"
)

// KeyPath returns the key file path for the database at dbPath.
func KeyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), KeyFileName)
}

// LoadKey reads the key at keyPath. It returns nil, nil when the file does
// not exist yet.
func LoadKey(keyPath string) ([]byte, error) {
	f, err := os.Open(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read encryption key: %w", err)
	}
	defer f.Close()

	// Windows reports synthetic mode bits.
	if runtime.GOOS != "windows" {
		if info, statErr := f.Stat(); statErr == nil {
			if perm := info.Mode().Perm(); perm&0o077 != 0 {
				log.Printf("[Store] WARNING: encryption key %s has overly permissive mode 0%o (expected 0600)", keyPath, perm)
			}
		}
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("store: read encryption key: %w", err)
	}
	if len(data) != KeySize {
		return nil, fmt.Errorf("store: encryption key at %s has invalid size %d (expected %d)", keyPath, len(data), KeySize)
	}
	return data, nil
}

// CreateKey generates a key and links it into place atomically. When
// another process wins the race its key is returned instead.
func CreateKey(keyPath string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("store: generate encryption key: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(keyPath), KeyFileName+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("store: create encryption key temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(key); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("store: write encryption key temp: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("store: chmod encryption key temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("store: close encryption key temp: %w", err)
	}

	if err := os.Link(tmpPath, keyPath); err != nil {
		if os.IsExist(err) {
			existing, loadErr := LoadKey(keyPath)
			if loadErr != nil {
				return nil, loadErr
			}
			if existing == nil {
				return nil, fmt.Errorf("store: encryption key %s disappeared after race", keyPath)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("store: link encryption key: %w", err)
	}
	return key, nil
}

// HasSealedValues reports whether any data point is stored sealed. A
// missing key is only safe to create when this is false.
func HasSealedValues(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM data_points WHERE value LIKE ?`, EncPrefix+"%",
	).Scan(&count); err != nil {
		return false, fmt.Errorf("store: check sealed values: %w", err)
	}
	return count > 0, nil
}

// Seal encrypts plaintext and returns a prefixed base64 string.
func Seal(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func Open(key []byte, stored string) (string, error) {
	if !strings.HasPrefix(stored, EncPrefix) {
		return "", fmt.Errorf("store: value is not sealed (missing %s prefix)", EncPrefix)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("store: decode sealed value: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("store: sealed value too short")
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("store: open sealed value: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether stored carries the sealed prefix.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, EncPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
