// ABOUTME: Settings store interface for small persisted key-value preferences
// ABOUTME: Keys are namespaced by application identity so several apps can share one file

package settings

import "strings"

// Store persists small typed preference values across process restarts.
type Store interface {
	GetBool(key string) bool
	SetBool(key string, value bool) error
	// GetString returns the stored value and whether the key is present.
	GetString(key string) (string, bool)
	SetString(key string, value string) error
	// Remove deletes a key. Removing a missing key is not an error.
	Remove(key string) error
}

// Namespaced prefixes every key with the application identity.
type Namespaced struct {
	store  Store
	prefix string
}

// WithNamespace wraps store so that key "k" is persisted as ".<appID>.k".
func WithNamespace(store Store, appID string) *Namespaced {
	appID = strings.TrimSpace(appID)
	return &Namespaced{store: store, prefix: "." + appID + "."}
}

func (n *Namespaced) key(k string) string { return n.prefix + k }

func (n *Namespaced) GetBool(key string) bool { return n.store.GetBool(n.key(key)) }

func (n *Namespaced) SetBool(key string, value bool) error {
	return n.store.SetBool(n.key(key), value)
}

func (n *Namespaced) GetString(key string) (string, bool) { return n.store.GetString(n.key(key)) }

func (n *Namespaced) SetString(key string, value string) error {
	return n.store.SetString(n.key(key), value)
}

func (n *Namespaced) Remove(key string) error { return n.store.Remove(n.key(key)) }
