// Package credential resolves secret references found in the configuration.
//
// A value is used as is unless it starts with "env:" (read from the named
// environment variable) or "keyring:" (read from the system keyring).
package credential

import (
	"os"
	"strings"

	"github.com/99designs/keyring"
	"github.com/pkg/errors"

	"github.com/aaronromeo/dmarcpat/internal/errs"
)

const serviceName = "dmarcpat"

const (
	prefixEnv     = "env:"
	prefixKeyring = "keyring:"
)

// Opener returns the keyring used for keyring: references.
type Opener func() (keyring.Keyring, error)

func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/dmarcpat/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("dmarcpat-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return ring, nil
}

type Resolver struct {
	open Opener
}

// NewResolver uses open for keyring lookups; nil selects the system keyring.
func NewResolver(open Opener) *Resolver {
	if open == nil {
		open = openKeyring
	}
	return &Resolver{open: open}
}

// Resolve returns the secret value behind ref.
func (r *Resolver) Resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, prefixEnv):
		name := strings.TrimPrefix(ref, prefixEnv)
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", errs.Configf("environment variable %s is not set", name)
		}
		return value, nil
	case strings.HasPrefix(ref, prefixKeyring):
		key := strings.TrimPrefix(ref, prefixKeyring)
		ring, err := r.open()
		if err != nil {
			return "", err
		}
		item, err := ring.Get(key)
		if err != nil {
			return "", errs.Configf("getting credential %q: %v", key, err)
		}
		return string(item.Data), nil
	}
	return ref, nil
}

// Store saves value in the keyring under key.
func (r *Resolver) Store(key, value string) error {
	ring, err := r.open()
	if err != nil {
		return err
	}
	if err := ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return errors.Wrapf(err, "setting credential %q", key)
	}
	return nil
}
