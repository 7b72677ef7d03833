package tokensync

import "context"

// DefaultStorageKey is the store key the access token lives under.
const DefaultStorageKey = "access_token"

// StoreEvent describes a mutation made by another execution context.
type StoreEvent struct {
	Key      string
	NewValue string
	Removed  bool

	// Origin identifies the context that made the change, when the backend
	// knows it.
	Origin string
}

// Store is key/value storage shared by every context that points at the
// same backend.
type Store interface {
	// GetItem returns the stored value. ok is false when the key is absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)

	// SetItem stores value under key.
	SetItem(ctx context.Context, key, value string) error

	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error

	// Watch registers fn for changes made by other contexts. Writes made
	// through this Store never reach fn. Delivery is asynchronous.
	Watch(fn func(StoreEvent)) (unwatch func())
}
