// Package registry holds the immutable client registry.
//
// The registry is built once from the loaded configuration and shared by
// reference with the stream listener, the router, and the HTTP control
// plane. It is never mutated after construction, so lookups need no
// locking. If live reload ever becomes a requirement, the whole registry
// is swapped atomically rather than mutated in place.
package registry

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/openclaw/bridge/internal/config"
)

// Client is one registered principal with its verification material and
// routing permissions.
type Client struct {
	ID        string
	keyHash   string   // lowercase hex SHA-256 of the client secret
	canSendTo []string // configured allowlist, as written in the config
	wildcard  bool
	allowed   map[string]bool
}

// CanSendTo returns the configured allowlist (the value reported by the
// whoami frame and the status snapshot). The returned slice must not be
// modified.
func (c *Client) CanSendTo() []string {
	return c.canSendTo
}

// MayRoute reports whether this client may send to the given registered
// recipient. The wildcard permits any registered client, including the
// sender itself; whether the recipient exists is the registry's concern,
// not the allowlist's.
func (c *Client) MayRoute(to string) bool {
	return c.wildcard || c.allowed[to]
}

// Registry maps client ids to descriptors. Read-only after New.
type Registry struct {
	clients map[string]*Client
	ids     []string // sorted, for stable status output
}

// New builds the registry from validated configuration. Duplicate ids are
// rejected here as well so the registry stays safe when constructed
// directly in tests.
func New(clients []config.Client) (*Registry, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("registry requires at least one client")
	}

	r := &Registry{clients: make(map[string]*Client, len(clients))}
	for _, cc := range clients {
		if cc.ID == "" || cc.KeyHash == "" {
			return nil, fmt.Errorf("client %q: id and keyHash are required", cc.ID)
		}
		if _, dup := r.clients[cc.ID]; dup {
			return nil, fmt.Errorf("duplicate client id %q", cc.ID)
		}

		// Copied as a non-nil slice so an empty allowlist serializes as []
		// in whoami frames and status listings, not null.
		cl := &Client{
			ID:        cc.ID,
			keyHash:   strings.ToLower(cc.KeyHash),
			canSendTo: append(make([]string, 0, len(cc.CanSendTo)), cc.CanSendTo...),
			allowed:   make(map[string]bool, len(cc.CanSendTo)),
		}
		for _, dest := range cc.CanSendTo {
			if dest == config.Wildcard {
				cl.wildcard = true
				continue
			}
			cl.allowed[dest] = true
		}
		r.clients[cc.ID] = cl
		r.ids = append(r.ids, cc.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup returns the descriptor for a client id.
func (r *Registry) Lookup(id string) (*Client, bool) {
	cl, ok := r.clients[id]
	return cl, ok
}

// IDs returns all registered client ids in sorted order.
func (r *Registry) IDs() []string {
	return r.ids
}

// VerifyKey checks a plaintext client key against the stored hash for id.
// Returns false for unknown ids. The digest comparison is constant-time;
// an attacker who controls apiKey learns nothing from timing beyond the
// (fixed) digest length.
func (r *Registry) VerifyKey(id, apiKey string) bool {
	cl, ok := r.clients[id]
	if !ok {
		return false
	}
	return VerifyHash(cl.keyHash, apiKey)
}

// VerifyHash compares the SHA-256 digest of a plaintext secret against a
// stored lowercase hex digest: length check first, then a constant-time
// byte comparison. Used for both client keys and the admin token.
func VerifyHash(storedHex, secret string) bool {
	if storedHex == "" {
		return false
	}
	sum := sha256.Sum256([]byte(secret))
	digest := hex.EncodeToString(sum[:])
	if len(digest) != len(storedHex) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest), []byte(strings.ToLower(storedHex))) == 1
}
