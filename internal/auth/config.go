// Package auth guards the local API: loopback and unix-socket callers may be
// let through, everyone else presents a bearer key from the config file.
package auth

import (
	"crypto/subtle"
	"strings"
)

type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keys                      [][]byte
}

func NewKeyring(allowLocalhost bool, keys []string) *Keyring {
	ring := &Keyring{AllowLocalhostWithoutAuth: allowLocalhost}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		ring.keys = append(ring.keys, []byte(k))
	}
	return ring
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true}
}

// Valid reports whether key is one of the configured keys.
func (k *Keyring) Valid(key string) bool {
	if k == nil || key == "" {
		return false
	}
	candidate := []byte(key)
	ok := false
	for _, known := range k.keys {
		if subtle.ConstantTimeCompare(known, candidate) == 1 {
			ok = true
		}
	}
	return ok
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool {
	return k == nil || len(k.keys) == 0
}
