package captoken

import (
	"crypto/sha256"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeyRing resolves the signing key for a tenant. A tenant-provisioned key
// wins; otherwise a key is derived from the master secret; with no master
// the well-known per-tenant default applies. Keys are immutable once handed
// out, so KeyFor results may be cached by callers.
type KeyRing struct {
	mu          sync.RWMutex
	provisioned map[string][]byte
	master      []byte
	derived     map[string][]byte
}

// NewKeyRing creates a key ring. master may be nil, in which case tenants
// without provisioned keys fall back to the deterministic default key.
func NewKeyRing(master []byte) *KeyRing {
	return &KeyRing{
		provisioned: make(map[string][]byte),
		derived:     make(map[string][]byte),
		master:      master,
	}
}

// Provision registers a tenant-supplied signing key, overriding derivation.
func (r *KeyRing) Provision(tenant string, key []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provisioned[tenant] = append([]byte(nil), key...)
}

// KeyFor returns the signing key for tenant.
func (r *KeyRing) KeyFor(tenant string) []byte {
	r.mu.RLock()
	if key, ok := r.provisioned[tenant]; ok {
		r.mu.RUnlock()
		return key
	}
	if key, ok := r.derived[tenant]; ok {
		r.mu.RUnlock()
		return key
	}
	r.mu.RUnlock()

	if r.master == nil {
		return []byte("signing_key_for_" + tenant)
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, r.master, nil, []byte("gatetower/"+tenant))
	if _, err := io.ReadFull(kdf, key); err != nil {
		// hkdf only fails past its output limit; a single 32-byte read
		// cannot reach it.
		return []byte("signing_key_for_" + tenant)
	}

	r.mu.Lock()
	r.derived[tenant] = key
	r.mu.Unlock()
	return key
}
