// Package store is the persistence boundary: engine config documents, the
// append-only switch event log, per-backend offline status, and the bounded
// offline response cache live behind the Store interface.
package store

import (
	"context"
	"errors"

	"github.com/modelmux/modelmux/internal/backend"
)

// ErrNoConfig is returned when no config document has been stored.
var ErrNoConfig = errors.New("no stored config")

// Store is implemented by the in-memory store and the Redis store.
type Store interface {
	// LoadConfig returns the raw engine config document.
	LoadConfig(ctx context.Context) ([]byte, error)
	// SaveConfig replaces the stored config document.
	SaveConfig(ctx context.Context, doc []byte) error

	// SaveSwitchEvent appends to the audit log.
	SaveSwitchEvent(ctx context.Context, ev backend.SwitchEvent) error
	// SwitchEvents returns the most recent events for a role, newest first.
	// An empty role returns events for all roles.
	SwitchEvents(ctx context.Context, role string, limit int) ([]backend.SwitchEvent, error)

	// StoreOfflineCache saves a response under a semantic request key.
	StoreOfflineCache(ctx context.Context, key string, resp backend.Response) error
	// LoadOfflineCache returns the cached response for a key, if present.
	LoadOfflineCache(ctx context.Context, key string) (backend.CachedResponse, bool, error)

	// SaveOfflineStatus upserts a backend's offline bookkeeping.
	SaveOfflineStatus(ctx context.Context, st backend.OfflineStatus) error
	// LoadOfflineStatus returns a backend's offline bookkeeping, if present.
	LoadOfflineStatus(ctx context.Context, id backend.ID) (backend.OfflineStatus, bool, error)
}
