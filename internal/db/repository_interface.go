// Package db provides the snapshot store interface used by the
// persistence service. Keeping the interface next to the SQLite
// implementation lets tests substitute failing or scripted stores.
package db

import "github.com/yuchia/deckvault/internal/models"

// SnapshotStore defines durable keyed storage of snapshots.
// All implementations must enforce (document_id, version) uniqueness on
// Insert; that constraint is what makes concurrent writers safe.
type SnapshotStore interface {
	// Insert stores a snapshot; fails with DUPLICATE_VERSION on a
	// (document_id, version) collision and STORAGE_ERROR otherwise.
	Insert(snap *models.Snapshot) error

	// Latest returns the newest snapshot for a document, or nil.
	Latest(documentID string) (*models.Snapshot, error)

	// ByID returns a snapshot by id, or nil.
	ByID(id string) (*models.Snapshot, error)

	// ByVersion returns a snapshot by version token, or nil.
	ByVersion(documentID, version string) (*models.Snapshot, error)

	// List returns payload-free projections, newest first.
	List(documentID string) ([]*models.SnapshotInfo, error)

	// Count returns the total number of snapshots for a document.
	Count(documentID string) (int, error)

	// CountAutomatic counts only snapshots subject to retention pruning.
	CountAutomatic(documentID string) (int, error)

	// OldestAutomatic returns up to limit prunable snapshots, oldest first.
	OldestAutomatic(documentID string, limit int) ([]*models.SnapshotInfo, error)

	// DeleteByID removes one row; true if a row was removed.
	DeleteByID(id string) (bool, error)

	// DeleteMany removes a batch of rows; true if all were removed.
	DeleteMany(ids []string) (bool, error)
}

// compile-time check
var _ SnapshotStore = (*Repository)(nil)
