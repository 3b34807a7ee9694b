// Package db provides the durable snapshot repository.
package db

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/yuchia/deckvault/internal/errors"
	"github.com/yuchia/deckvault/internal/models"
	"github.com/yuchia/deckvault/internal/uuid"
)

// Repository provides storage operations for snapshots.
// Rows are immutable: there is no update path, only insert and delete.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	// Try to get from cache first
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	// Prepare and cache
	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const snapshotColumns = "id, document_id, version, data, timestamp, is_recovery_point, metadata"

// Insert stores a new snapshot row.
// Returns an error with code DUPLICATE_VERSION when the (document_id,
// version) pair already exists; that is how the store arbitrates
// concurrent writers and callers are expected to treat it as benign.
func (r *Repository) Insert(snap *models.Snapshot) error {
	if snap.ID == "" {
		snap.ID = models.UUID(uuid.New())
	}

	query := `
	INSERT INTO snapshots (id, document_id, version, data, timestamp, is_recovery_point, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query, snap.ID, snap.DocumentID, snap.Version, snap.Data,
		snap.Timestamp, snap.IsRecoveryPoint, snap.Metadata)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return apperrors.Wrap(apperrors.ErrDuplicateVersion,
				fmt.Sprintf("snapshot version %s already stored for document %s", snap.Version, snap.DocumentID), err)
		}
		return apperrors.Wrap(apperrors.ErrStorage, "failed to insert snapshot", err)
	}
	return nil
}

// Latest returns the most recent snapshot for a document, or nil when the
// document has no snapshots. Millisecond timestamps order rows; id breaks
// ties so the result is deterministic.
func (r *Repository) Latest(documentID string) (*models.Snapshot, error) {
	query := `
	SELECT ` + snapshotColumns + `
	FROM snapshots WHERE document_id = ?
	ORDER BY timestamp DESC, id DESC LIMIT 1
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare latest query", err)
	}

	snap, err := scanSnapshot(stmt.QueryRow(documentID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query latest snapshot", err)
	}
	return snap, nil
}

// ByID returns a snapshot by its id, or nil when absent.
func (r *Repository) ByID(id string) (*models.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare by-id query", err)
	}

	snap, err := scanSnapshot(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query snapshot by id", err)
	}
	return snap, nil
}

// ByVersion returns the snapshot with the given version token for a
// document, or nil when absent.
func (r *Repository) ByVersion(documentID, version string) (*models.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM snapshots WHERE document_id = ? AND version = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare by-version query", err)
	}

	snap, err := scanSnapshot(stmt.QueryRow(documentID, version))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query snapshot by version", err)
	}
	return snap, nil
}

// List returns metadata-only projections for a document, newest first.
// The data payload is never loaded for listings.
func (r *Repository) List(documentID string) ([]*models.SnapshotInfo, error) {
	query := `
	SELECT id, document_id, version, timestamp, is_recovery_point, metadata
	FROM snapshots WHERE document_id = ?
	ORDER BY timestamp DESC, id DESC
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare list query", err)
	}

	rows, err := stmt.Query(documentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to list snapshots", err)
	}
	defer rows.Close()

	var infos []*models.SnapshotInfo
	for rows.Next() {
		var info models.SnapshotInfo
		err := rows.Scan(&info.ID, &info.DocumentID, &info.Version,
			&info.Timestamp, &info.IsRecoveryPoint, &info.Metadata)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan snapshot info", err)
		}
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate snapshots", err)
	}
	return infos, nil
}

// Count returns the total number of snapshots for a document.
func (r *Repository) Count(documentID string) (int, error) {
	return r.count(documentID, false)
}

// CountAutomatic returns the number of snapshots that participate in
// retention pruning, i.e. everything except recovery points.
func (r *Repository) CountAutomatic(documentID string) (int, error) {
	return r.count(documentID, true)
}

func (r *Repository) count(documentID string, automaticOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM snapshots WHERE document_id = ?`
	if automaticOnly {
		query += ` AND is_recovery_point = 0`
	}
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare count query", err)
	}

	var count int
	if err := stmt.QueryRow(documentID).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrStorage, "failed to count snapshots", err)
	}
	return count, nil
}

// OldestAutomatic returns up to limit prunable snapshots for a document,
// oldest first. Recovery points are never returned.
func (r *Repository) OldestAutomatic(documentID string, limit int) ([]*models.SnapshotInfo, error) {
	query := `
	SELECT id, document_id, version, timestamp, is_recovery_point, metadata
	FROM snapshots WHERE document_id = ? AND is_recovery_point = 0
	ORDER BY timestamp ASC, id ASC LIMIT ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to prepare oldest query", err)
	}

	rows, err := stmt.Query(documentID, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to query oldest snapshots", err)
	}
	defer rows.Close()

	var infos []*models.SnapshotInfo
	for rows.Next() {
		var info models.SnapshotInfo
		err := rows.Scan(&info.ID, &info.DocumentID, &info.Version,
			&info.Timestamp, &info.IsRecoveryPoint, &info.Metadata)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to scan snapshot info", err)
		}
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to iterate oldest snapshots", err)
	}
	return infos, nil
}

// DeleteByID removes a snapshot row. Returns true if a row was removed.
func (r *Repository) DeleteByID(id string) (bool, error) {
	result, err := r.db.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to delete snapshot", err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// deleteBatchSize keeps each IN clause under SQLite's default limit of
// 999 bound variables per statement.
const deleteBatchSize = 500

// DeleteMany removes a batch of snapshot rows, chunked so arbitrarily
// large backlogs never exceed the statement variable limit.
// Returns true if every requested row was removed.
func (r *Repository) DeleteMany(ids []string) (bool, error) {
	if len(ids) == 0 {
		return true, nil
	}

	var deleted int64
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := strings.Repeat("?, ", len(batch)-1) + "?"
		query := fmt.Sprintf(`DELETE FROM snapshots WHERE id IN (%s)`, placeholders)

		args := make([]interface{}, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		result, err := r.db.Exec(query, args...)
		if err != nil {
			return false, apperrors.Wrap(apperrors.ErrStorage, "failed to delete snapshots", err)
		}
		rows, _ := result.RowsAffected()
		deleted += rows
	}

	return deleted == int64(len(ids)), nil
}

// scanSnapshot scans a full snapshot row.
func scanSnapshot(row *sql.Row) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := row.Scan(&snap.ID, &snap.DocumentID, &snap.Version, &snap.Data,
		&snap.Timestamp, &snap.IsRecoveryPoint, &snap.Metadata)
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
