package credential

import (
	"errors"
	"fmt"
	"strings"

	"github.com/99designs/keyring"
)

const DefaultService = "worksnotify"

// ErrNotFound is returned when a keyring has no entry for a key.
var ErrNotFound = errors.New("credential not found")

type KeyringOptions struct {
	Service string
	// Backend restricts the keyring to one backend ("file", "pass",
	// "secret-service", "keychain", "wincred"). Empty allows all of them.
	Backend string
	// Dir is the directory used by the file backend.
	Dir string
	// FilePassword unlocks the file backend. It defaults to a fixed value,
	// which only obscures the file; prefer an OS backend in production.
	FilePassword string
}

// Keyring stores credential values under short names (client_id,
// private_key, ...).
type Keyring struct {
	ring keyring.Keyring
}

// OpenKeyring opens the OS keyring for opts.Service.
func OpenKeyring(opts KeyringOptions) (*Keyring, error) {
	service := strings.TrimSpace(opts.Service)
	if service == "" {
		service = DefaultService
	}
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = "~/.config/" + service + "/credentials"
	}
	pass := opts.FilePassword
	if pass == "" {
		pass = service + "-file-key"
	}
	backends := []keyring.BackendType{
		keyring.KeychainBackend,
		keyring.SecretServiceBackend,
		keyring.WinCredBackend,
		keyring.PassBackend,
		keyring.FileBackend,
	}
	if b := strings.TrimSpace(opts.Backend); b != "" {
		backends = []keyring.BackendType{keyring.BackendType(b)}
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              service,
		AllowedBackends:          backends,
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt(pass),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &Keyring{ring: ring}, nil
}

// NewKeyring wraps an already opened keyring (tests use an array keyring).
func NewKeyring(ring keyring.Keyring) *Keyring { return &Keyring{ring: ring} }

func (k *Keyring) Get(key string) (string, error) {
	item, err := k.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (k *Keyring) Set(key, value string) error {
	err := k.ring.Set(keyring.Item{
		Key:   key,
		Data:  []byte(value),
		Label: DefaultService + " " + key,
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (k *Keyring) Delete(key string) error {
	if err := k.ring.Remove(key); err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
