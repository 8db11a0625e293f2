package core

import (
	"bytes"
	"strings"
	"sync"

	"github.com/pushchain/anchor-relayer/relayer/chains/common"
	"github.com/pushchain/anchor-relayer/relayer/config"
	relayererrors "github.com/pushchain/anchor-relayer/relayer/errors"
	"github.com/pushchain/anchor-relayer/relayer/signing"
)

// Keyring tracks the key every proposal signature is checked against. The
// governor key moves forward on key rotation events; per resource overrides
// are static.
type Keyring struct {
	mu        sync.RWMutex
	governor  []byte
	nonce     uint64
	rotated   bool
	overrides map[common.ResourceID][]byte
}

// NewKeyring parses the configured keys. fallback is used as governor key when
// none is configured, e.g. the mock signer's own key.
func NewKeyring(cfg config.SigningConfig, fallback []byte) (*Keyring, error) {
	k := &Keyring{overrides: make(map[common.ResourceID][]byte)}

	if cfg.GovernorPublicKey != "" {
		key, err := signing.ParseExpectedKey(cfg.GovernorPublicKey)
		if err != nil {
			return nil, relayererrors.NewConfigError("", err.Error())
		}
		k.governor = key
	} else if len(fallback) > 0 {
		k.governor = bytes.Clone(fallback)
	}

	for rawID, rawKey := range cfg.ResourceKeys {
		rid, err := common.ParseResourceID(strings.TrimSpace(rawID))
		if err != nil {
			return nil, relayererrors.NewConfigError("", err.Error())
		}
		key, err := signing.ParseExpectedKey(rawKey)
		if err != nil {
			return nil, relayererrors.NewConfigError("", err.Error())
		}
		k.overrides[rid] = key
	}
	return k, nil
}

// ExpectedKey returns the key that must have signed proposals for resource, nil when unknown.
func (k *Keyring) ExpectedKey(resource common.ResourceID) []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if key, ok := k.overrides[resource]; ok {
		return key
	}
	return k.governor
}

// Governor returns the current governor key and the nonce of the rotation that installed it.
func (k *Keyring) Governor() ([]byte, uint64) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.governor, k.nonce
}

// Rotate installs newKey when nonce is above the last applied rotation.
func (k *Keyring) Rotate(newKey []byte, nonce uint64) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.rotated && nonce <= k.nonce {
		return false
	}
	k.governor = bytes.Clone(newKey)
	k.nonce = nonce
	k.rotated = true
	return true
}
