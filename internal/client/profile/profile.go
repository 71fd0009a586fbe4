// Package profile keeps the server address and credential between runs,
// sealed with a key derived from the machine id.
package profile

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const fileName = "profile.json"

var ErrNoProfile = errors.New("no saved profile")

type Profile struct {
	ServerURL  string `json:"server_url"`
	Credential string `json:"credential"`
}

func Dir(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cldzchat", name)
}

func machineID() string {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(p)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	hostname, _ := os.Hostname()
	return hostname
}

func sealingKey() ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(machineID()), []byte("cldzchat profile"), []byte("v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

func seal(data []byte) (string, error) {
	key, err := sealingKey()
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(data)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, data, nil)), nil
}

func open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	key, err := sealingKey()
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(data) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:aead.NonceSize()], data[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Load reads the named profile. A plaintext profile left by an older build
// is accepted and rewritten sealed.
func Load(name string) (*Profile, error) {
	dir := Dir(name)
	if dir == "" {
		return nil, ErrNoProfile
	}
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoProfile
	}
	if err != nil {
		return nil, err
	}

	var p Profile
	plain, err := open(string(data))
	if err != nil {
		if jerr := json.Unmarshal(data, &p); jerr != nil {
			return nil, fmt.Errorf("open profile: %w", err)
		}
		if err := Save(name, p); err != nil {
			return nil, err
		}
		return &p, nil
	}
	if err := json.Unmarshal(plain, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}

func Save(name string, p Profile) error {
	dir := Dir(name)
	if dir == "" {
		return fmt.Errorf("could not get config directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	sealed, err := seal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, fileName), []byte(sealed), 0o600)
}

// Clear forgets the saved credential. Used on logout.
func Clear(name string) error {
	dir := Dir(name)
	if dir == "" {
		return nil
	}
	err := os.Remove(filepath.Join(dir, fileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
