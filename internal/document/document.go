// Package document defines the live replicated-document capability the
// persistence core consumes. The merge engine itself is a black box: the
// core only needs full-state encode, transactional update application,
// change notifications with origin, and a plain-model projection.
package document

import "github.com/yuchia/deckvault/internal/models"

// ChangeEvent describes one mutation of a live document.
type ChangeEvent struct {
	DocumentID string
	// IsLocal is true for edits authored by this client and false for
	// state merged in from peers or snapshots. Automatic snapshot
	// debouncing only reacts to local edits.
	IsLocal bool
}

// Manager is the live document handle bound to the persistence service.
type Manager interface {
	// ID returns the document id.
	ID() string

	// EncodeFullState encodes the complete replicated state to bytes.
	EncodeFullState() ([]byte, error)

	// ApplyUpdate merges foreign state bytes into the document.
	ApplyUpdate(update []byte) error

	// Transact runs fn atomically against the document. Observers see
	// at most one change event for the whole transaction.
	Transact(fn func() error) error

	// Subscribe registers a change observer and returns an unsubscribe
	// function.
	Subscribe(fn func(ChangeEvent)) func()

	// Project flattens the replicated state into the plain deck model.
	Project() *models.Deck

	// Version returns an opaque token describing the document's own
	// notion of its version. Used only as a version-derivation input.
	Version() string
}
