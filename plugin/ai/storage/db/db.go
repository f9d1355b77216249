// Package db selects and constructs the conversation storage backend
// configured in the profile.
package db

import (
	"github.com/pkg/errors"

	"github.com/kagehana/kagehana/internal/profile"
	"github.com/kagehana/kagehana/plugin/ai/storage"
	"github.com/kagehana/kagehana/plugin/ai/storage/db/postgres"
	"github.com/kagehana/kagehana/plugin/ai/storage/db/sqlite"
)

// NewBackend creates a storage backend based on the profile. The choice is
// fixed for the lifetime of the process.
func NewBackend(profile *profile.Profile) (storage.Backend, error) {
	var backend storage.Backend
	var err error

	switch profile.StorageDriver {
	case "memory":
		backend = storage.NewMemoryBackend()
	case "file":
		backend, err = storage.NewFileBackend(profile.StoragePath, profile.EnablePersistence)
	case "sqlite":
		backend, err = sqlite.NewDB(profile.DSN)
	case "postgres":
		backend, err = postgres.NewDB(profile.DSN)
	default:
		return nil, errors.Errorf("unknown storage driver: %s", profile.StorageDriver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage backend")
	}
	return backend, nil
}
