// Package persistence coordinates the snapshot codec, store, and
// scheduler for one live collaborative deck document. It owns the
// decision of when a durable write actually happens: dedup against the
// previous snapshot, a single-save-at-a-time guard, duplicate-version
// tolerance for concurrent writers, and retention pruning.
//
// No public method on Service panics or returns an internal error.
// Persistence failures are logged and reported as nil/false/empty so
// the collaborative session stays interactive even when durability is
// temporarily broken.
package persistence

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/yuchia/deckvault/internal/codec"
	"github.com/yuchia/deckvault/internal/db"
	"github.com/yuchia/deckvault/internal/document"
	apperrors "github.com/yuchia/deckvault/internal/errors"
	"github.com/yuchia/deckvault/internal/logging"
	"github.com/yuchia/deckvault/internal/models"
	"github.com/yuchia/deckvault/internal/scheduler"
	"github.com/yuchia/deckvault/internal/uuid"
)

// Config holds persistence service configuration.
// A zero Debounce or Interval disables that trigger.
type Config struct {
	Debounce     time.Duration // Quiet window after local edits (default: 2s)
	Interval     time.Duration // Safety-net snapshot period (default: 15s)
	MaxVersions  int           // Retention limit per document (default: 50)
	AutoSnapshot bool          // Start automatic snapshots on Initialize
	ClientID     string        // Writer identity recorded in snapshot metadata
}

// DefaultConfig returns default persistence configuration.
func DefaultConfig() *Config {
	return &Config{
		Debounce:     2 * time.Second,
		Interval:     15 * time.Second,
		MaxVersions:  50,
		AutoSnapshot: true,
		ClientID:     uuid.New(),
	}
}

// AppliedEvent notifies listeners that a snapshot was applied into the
// live document.
type AppliedEvent struct {
	SnapshotID models.UUID
	Timestamp  int64
	Metadata   models.Metadata
}

// LoadResult is the outcome of inspecting a snapshot without touching
// the live document.
type LoadResult struct {
	Raw  []byte       // decoded full document state
	Deck *models.Deck // plain projection of that state
}

// Service is the persistence orchestrator for one bound document.
// Construct one per open document and Close it when the document closes.
type Service struct {
	config *Config
	store  db.SnapshotStore

	// NewReplica builds the throwaway document instances used when
	// inspecting snapshots. Overridable so callers can plug their own
	// engine; defaults to MemDoc.
	NewReplica func(documentID string) document.Manager

	mu             sync.Mutex
	doc            document.Manager
	documentID     string
	saveInProgress bool
	lastSavedAt    time.Time
	unsubscribe    func()

	sched *scheduler.Scheduler

	subMu       sync.Mutex
	appliedSubs []func(AppliedEvent)
	createdSubs []func(*models.SnapshotInfo)
}

// NewService creates a persistence service over the given store.
func NewService(store db.SnapshotStore, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxVersions <= 0 {
		config.MaxVersions = 50
	}
	if config.ClientID == "" {
		config.ClientID = uuid.New()
	}

	return &Service{
		config: config,
		store:  store,
		NewReplica: func(documentID string) document.Manager {
			return document.NewMemDoc(documentID)
		},
	}
}

// Initialize binds the service to a live document. Change events start
// feeding the snapshot scheduler; when AutoSnapshot is set, automatic
// snapshots start immediately.
func (s *Service) Initialize(doc document.Manager, documentID string) {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	old := s.sched
	s.doc = doc
	s.documentID = documentID

	s.sched = scheduler.New(&scheduler.Config{
		Debounce:        s.config.Debounce,
		Interval:        s.config.Interval,
		DebounceEnabled: s.config.Debounce > 0,
		IntervalEnabled: s.config.Interval > 0,
	}, func() { s.CreateSnapshot() })

	s.unsubscribe = doc.Subscribe(func(event document.ChangeEvent) {
		s.sched.OnDocumentChange(event.IsLocal)
	})
	auto := s.config.AutoSnapshot
	s.mu.Unlock()

	// Rebinding must not leak the previous scheduler's interval loop.
	if old != nil {
		old.Stop()
	}

	logging.Info("persistence service initialized",
		map[string]interface{}{"document_id": documentID, "auto_snapshot": auto})

	if auto {
		s.StartAutomaticSnapshots()
	}
}

// Close stops automatic snapshots and detaches from the document.
// An in-flight save is allowed to finish.
func (s *Service) Close() {
	s.StopAutomaticSnapshots()

	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.doc = nil
	s.documentID = ""
	s.mu.Unlock()
}

// StartAutomaticSnapshots starts the debounce/interval triggers.
func (s *Service) StartAutomaticSnapshots() {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()

	if sched != nil {
		sched.Start()
	}
}

// StopAutomaticSnapshots cancels pending triggers. An in-flight save is
// never aborted.
func (s *Service) StopAutomaticSnapshots() {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
}

// CreateSnapshot persists the current document state unless it is
// byte-identical to the latest stored snapshot. Returns the stored
// snapshot's info, or nil when nothing was written (unbound document,
// save already in progress, dedup hit, or storage failure).
func (s *Service) CreateSnapshot() *models.SnapshotInfo {
	return s.save(false, "")
}

// CreateRecoveryPoint persists an explicit named checkpoint. The dedup
// check is bypassed: the caller asked for a durable marker, so one is
// written even when nothing changed. Recovery points are exempt from
// retention pruning.
func (s *Service) CreateRecoveryPoint(name string) *models.SnapshotInfo {
	if name == "" {
		name = "recovery-" + time.Now().UTC().Format("20060102-150405")
	}
	return s.save(true, name)
}

// save is the shared write path for snapshots and recovery points.
func (s *Service) save(recoveryPoint bool, recoveryName string) *models.SnapshotInfo {
	// Guard acquisition: one logical save at a time per service. This
	// closes the check-then-act window between the dedup read and the
	// insert within this process; cross-process races are resolved by
	// the store's uniqueness constraint instead.
	s.mu.Lock()
	if s.doc == nil {
		s.mu.Unlock()
		logging.Debug("snapshot skipped: no document bound")
		return nil
	}
	if s.saveInProgress {
		s.mu.Unlock()
		logging.Debug("snapshot skipped: save already in progress",
			map[string]interface{}{"document_id": s.documentID})
		return nil
	}
	s.saveInProgress = true
	doc, documentID := s.doc, s.documentID
	s.mu.Unlock()

	// Guard release on every exit path.
	defer func() {
		s.mu.Lock()
		s.saveInProgress = false
		s.mu.Unlock()
	}()

	raw, err := doc.EncodeFullState()
	if err != nil {
		logging.ErrorWithCode("failed to encode document state", string(apperrors.ErrInternal), err,
			map[string]interface{}{"document_id": documentID, "operation": "create_snapshot"})
		return nil
	}

	if !recoveryPoint && s.unchangedSinceLatest(documentID, raw) {
		logging.Debug("snapshot skipped: state unchanged since latest",
			map[string]interface{}{"document_id": documentID})
		return nil
	}

	now := time.Now()
	metadata := models.Metadata{models.MetaClientID: s.config.ClientID}
	if recoveryPoint {
		metadata[models.MetaRecoveryName] = recoveryName
	}

	snap := &models.Snapshot{
		ID:              models.UUID(uuid.New()),
		DocumentID:      documentID,
		Version:         versionToken(doc.Version(), now),
		Data:            codec.Encode(raw),
		Timestamp:       now.UnixMilli(),
		IsRecoveryPoint: recoveryPoint,
		Metadata:        metadata,
	}

	if err := s.store.Insert(snap); err != nil {
		if apperrors.Is(err, apperrors.ErrDuplicateVersion) {
			// A concurrent writer already stored this version. The
			// desired durable state exists, so this save succeeded.
			logging.Info("snapshot version already stored by concurrent writer",
				map[string]interface{}{"document_id": documentID, "version": snap.Version})
			return snap.Info()
		}
		logging.ErrorWithCode("failed to store snapshot", string(apperrors.ErrStorage), err,
			map[string]interface{}{"document_id": documentID, "operation": "create_snapshot"})
		return nil
	}

	s.mu.Lock()
	s.lastSavedAt = now
	s.mu.Unlock()

	// Best-effort retention pass; never fails the save.
	s.pruneOldSnapshots(documentID)

	info := snap.Info()
	s.emitCreated(info)

	logging.Info("snapshot stored", map[string]interface{}{
		"document_id":       documentID,
		"snapshot_id":       snap.ID.String(),
		"version":           snap.Version,
		"is_recovery_point": recoveryPoint,
	})
	return info
}

// unchangedSinceLatest reports whether raw is byte-identical to the
// decoded latest stored snapshot. Any failure while fetching or decoding
// the previous snapshot means "no previous snapshot to compare against":
// the comparison fails open and the save proceeds.
func (s *Service) unchangedSinceLatest(documentID string, raw []byte) bool {
	prev, err := s.store.Latest(documentID)
	if err != nil {
		logging.Warn("dedup check failed, proceeding with write",
			map[string]interface{}{"document_id": documentID, "cause": err.Error()})
		return false
	}
	if prev == nil {
		return false
	}

	prevRaw, err := codec.Decode(prev.Data)
	if err != nil {
		logging.Warn("stored snapshot undecodable, proceeding with write",
			map[string]interface{}{"document_id": documentID, "snapshot_id": prev.ID.String()})
		return false
	}

	return bytes.Equal(prevRaw, raw)
}

// LoadSnapshot fetches a snapshot (latest when version is empty) and
// materializes it into a throwaway replica for inspection. The live
// bound document is never touched. Returns nil when the snapshot does
// not exist or cannot be decoded.
func (s *Service) LoadSnapshot(documentID, version string) *LoadResult {
	var snap *models.Snapshot
	var err error
	if version != "" {
		snap, err = s.store.ByVersion(documentID, version)
	} else {
		snap, err = s.store.Latest(documentID)
	}
	if err != nil {
		logging.ErrorWithCode("failed to fetch snapshot", string(apperrors.ErrStorage), err,
			map[string]interface{}{"document_id": documentID, "operation": "load_snapshot"})
		return nil
	}
	if snap == nil {
		return nil
	}

	raw, err := codec.Decode(snap.Data)
	if err != nil {
		logging.ErrorWithCode("stored snapshot undecodable", string(apperrors.ErrCodecDecode), err,
			map[string]interface{}{"document_id": documentID, "snapshot_id": snap.ID.String()})
		return nil
	}

	// Ephemeral replica: create, apply, project, discard. Isolation from
	// the live document is the whole point of this path.
	replica := s.NewReplica(documentID)
	if err := replica.ApplyUpdate(raw); err != nil {
		logging.ErrorWithCode("failed to materialize snapshot", string(apperrors.ErrApplyFailed), err,
			map[string]interface{}{"document_id": documentID, "snapshot_id": snap.ID.String()})
		return nil
	}

	return &LoadResult{Raw: raw, Deck: replica.Project()}
}

// ApplySnapshot restores a snapshot into the live bound document inside
// a single transaction, so collaborators observe the restore atomically.
// Emits a snapshot-applied event on success. Returns false on any
// failure; never panics or propagates errors.
func (s *Service) ApplySnapshot(snapshotID string) bool {
	s.mu.Lock()
	doc, documentID := s.doc, s.documentID
	s.mu.Unlock()

	if doc == nil {
		logging.ErrorWithCode("cannot apply snapshot: no document bound",
			string(apperrors.ErrDocumentNotBound), nil,
			map[string]interface{}{"snapshot_id": snapshotID})
		return false
	}

	snap, err := s.store.ByID(snapshotID)
	if err != nil {
		logging.ErrorWithCode("failed to fetch snapshot", string(apperrors.ErrStorage), err,
			map[string]interface{}{"document_id": documentID, "snapshot_id": snapshotID})
		return false
	}
	if snap == nil {
		logging.ErrorWithCode("snapshot not found", string(apperrors.ErrSnapshotNotFound), nil,
			map[string]interface{}{"document_id": documentID, "snapshot_id": snapshotID})
		return false
	}

	raw, err := codec.Decode(snap.Data)
	if err != nil {
		logging.ErrorWithCode("stored snapshot undecodable", string(apperrors.ErrCodecDecode), err,
			map[string]interface{}{"document_id": documentID, "snapshot_id": snapshotID})
		return false
	}

	if err := doc.Transact(func() error { return doc.ApplyUpdate(raw) }); err != nil {
		logging.ErrorWithCode("failed to apply snapshot", string(apperrors.ErrApplyFailed), err,
			map[string]interface{}{"document_id": documentID, "snapshot_id": snapshotID})
		return false
	}

	s.emitApplied(AppliedEvent{
		SnapshotID: snap.ID,
		Timestamp:  snap.Timestamp,
		Metadata:   snap.Metadata,
	})

	logging.Info("snapshot applied", map[string]interface{}{
		"document_id": documentID,
		"snapshot_id": snapshotID,
	})
	return true
}

// ListSnapshots returns payload-free snapshot listings, newest first.
// Returns an empty slice on storage failure.
func (s *Service) ListSnapshots(documentID string) []*models.SnapshotInfo {
	infos, err := s.store.List(documentID)
	if err != nil {
		logging.ErrorWithCode("failed to list snapshots", string(apperrors.ErrStorage), err,
			map[string]interface{}{"document_id": documentID, "operation": "list_snapshots"})
		return nil
	}
	return infos
}

// DeleteSnapshot removes one snapshot by id. Returns true only when a
// row was actually removed.
func (s *Service) DeleteSnapshot(snapshotID string) bool {
	removed, err := s.store.DeleteByID(snapshotID)
	if err != nil {
		logging.ErrorWithCode("failed to delete snapshot", string(apperrors.ErrStorage), err,
			map[string]interface{}{"snapshot_id": snapshotID, "operation": "delete_snapshot"})
		return false
	}
	return removed
}

// LastSavedAt returns when the last successful snapshot was stored.
// Observability only; zero when nothing has been saved yet.
func (s *Service) LastSavedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSavedAt
}

// OnSnapshotApplied registers a listener for snapshot-applied events.
func (s *Service) OnSnapshotApplied(fn func(AppliedEvent)) {
	s.subMu.Lock()
	s.appliedSubs = append(s.appliedSubs, fn)
	s.subMu.Unlock()
}

// OnSnapshotCreated registers a listener for stored snapshots.
func (s *Service) OnSnapshotCreated(fn func(*models.SnapshotInfo)) {
	s.subMu.Lock()
	s.createdSubs = append(s.createdSubs, fn)
	s.subMu.Unlock()
}

func (s *Service) emitApplied(event AppliedEvent) {
	s.subMu.Lock()
	subs := make([]func(AppliedEvent), len(s.appliedSubs))
	copy(subs, s.appliedSubs)
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(event)
	}
}

func (s *Service) emitCreated(info *models.SnapshotInfo) {
	s.subMu.Lock()
	subs := make([]func(*models.SnapshotInfo), len(s.createdSubs))
	copy(subs, s.createdSubs)
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(info)
	}
}

// pruneOldSnapshots deletes automatic snapshots beyond the retention
// limit, oldest first, in one batch. Recovery points are exempt; they
// only go away through DeleteSnapshot. Safe to run concurrently with an
// in-flight save: it only ever deletes snapshots older than the one
// just written. Failures are logged, never propagated.
func (s *Service) pruneOldSnapshots(documentID string) {
	count, err := s.store.CountAutomatic(documentID)
	if err != nil {
		logging.ErrorWithCode("retention count failed", string(apperrors.ErrPruneFailed), err,
			map[string]interface{}{"document_id": documentID, "operation": "prune"})
		return
	}
	if count <= s.config.MaxVersions {
		return
	}

	excess := count - s.config.MaxVersions
	oldest, err := s.store.OldestAutomatic(documentID, excess)
	if err != nil {
		logging.ErrorWithCode("retention query failed", string(apperrors.ErrPruneFailed), err,
			map[string]interface{}{"document_id": documentID, "operation": "prune"})
		return
	}

	ids := make([]string, len(oldest))
	for i, info := range oldest {
		ids[i] = info.ID.String()
	}

	if _, err := s.store.DeleteMany(ids); err != nil {
		logging.ErrorWithCode("retention delete failed", string(apperrors.ErrPruneFailed), err,
			map[string]interface{}{"document_id": documentID, "operation": "prune"})
		return
	}

	logging.Info("pruned old snapshots", map[string]interface{}{
		"document_id": documentID,
		"deleted":     len(ids),
		"retained":    s.config.MaxVersions,
	})
}

// versionToken derives a per-save version guaranteed unique even under
// clock skew or concurrent writers: document version, millisecond
// timestamp, and a short random suffix.
func versionToken(docVersion string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", docVersion, now.UnixMilli(), uuid.Short())
}
