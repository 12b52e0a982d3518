package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"escrowpay/escrow"
)

var registryKey = []byte("escrow/registry")

// SaveRegistry persists a registry snapshot under a fixed key.
func SaveRegistry(db Database, snap *escrow.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("storage: nil snapshot")
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("storage: encode registry snapshot: %w", err)
	}
	return db.Put(registryKey, raw)
}

// LoadRegistry restores the most recent snapshot into the registry. A store
// without a snapshot leaves the registry untouched; any other read failure is
// surfaced so the daemon does not boot empty over a corrupted store.
func LoadRegistry(db Database, registry *escrow.Registry) error {
	raw, err := db.Get(registryKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("storage: read registry snapshot: %w", err)
	}
	snap := &escrow.Snapshot{}
	if err := json.Unmarshal(raw, snap); err != nil {
		return fmt.Errorf("storage: decode registry snapshot: %w", err)
	}
	return registry.Restore(snap)
}
