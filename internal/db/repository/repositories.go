package repository

import (
	"github.com/gigmarket/ordersync/internal/db"
)

// Repositories provides access to all repository instances
type Repositories struct {
	KV        *KVRepository
	Snapshots *OrderSnapshotRepository
}

// NewRepositories creates a new repositories container
func NewRepositories(database *db.Database) *Repositories {
	return &Repositories{
		KV:        NewKVRepository(database.DB),
		Snapshots: NewOrderSnapshotRepository(database.DB),
	}
}
