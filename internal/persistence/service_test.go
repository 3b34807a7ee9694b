package persistence

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yuchia/deckvault/internal/db"
	"github.com/yuchia/deckvault/internal/document"
	apperrors "github.com/yuchia/deckvault/internal/errors"
	"github.com/yuchia/deckvault/internal/models"
)

// testConfig returns a config with automatic snapshots disabled, so
// tests drive every save explicitly.
func testConfig() *Config {
	return &Config{
		Debounce:     0,
		Interval:     0,
		MaxVersions:  50,
		AutoSnapshot: false,
		ClientID:     "test-client",
	}
}

// setupTestStore creates an in-memory snapshot repository.
func setupTestStore(t *testing.T) *db.Repository {
	t.Helper()

	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	// One connection: every :memory: connection is a separate database.
	sqlDB.SetMaxOpenConns(1)

	migrator := db.NewMigrator(sqlDB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	repo := db.NewRepository(sqlDB)
	t.Cleanup(func() {
		repo.Close()
		sqlDB.Close()
	})
	return repo
}

// setupTestService binds a fresh document to a service over an
// in-memory store.
func setupTestService(t *testing.T, config *Config) (*Service, *document.MemDoc, *db.Repository) {
	t.Helper()

	repo := setupTestStore(t)
	if config == nil {
		config = testConfig()
	}

	service := NewService(repo, config)
	doc := document.NewMemDoc("deck-1")
	service.Initialize(doc, "deck-1")
	t.Cleanup(service.Close)

	return service, doc, repo
}

// =====================================================
// CreateSnapshot Tests
// =====================================================

func TestService_CreateSnapshot(t *testing.T) {
	service, doc, repo := setupTestService(t, nil)

	doc.SetTitle("First Draft")
	doc.SetSlide("s-1", 0, "# Hello")

	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() returned nil for changed document")
	}
	if info.DocumentID != "deck-1" {
		t.Errorf("snapshot DocumentID = %q, want 'deck-1'", info.DocumentID)
	}
	if info.IsRecoveryPoint {
		t.Error("CreateSnapshot() should not produce a recovery point")
	}
	if info.Metadata[models.MetaClientID] != "test-client" {
		t.Errorf("snapshot client_id = %v, want 'test-client'", info.Metadata[models.MetaClientID])
	}

	count, err := repo.Count("deck-1")
	if err != nil {
		t.Fatalf("Count() failed: %v", err)
	}
	if count != 1 {
		t.Errorf("stored snapshot count = %d, want 1", count)
	}

	if service.LastSavedAt().IsZero() {
		t.Error("LastSavedAt() should be set after a successful save")
	}
}

func TestService_CreateSnapshot_dedup(t *testing.T) {
	service, doc, repo := setupTestService(t, nil)

	doc.SetTitle("Stable")

	if info := service.CreateSnapshot(); info == nil {
		t.Fatal("first CreateSnapshot() returned nil")
	}

	// Nothing changed, so the second save is skipped.
	if info := service.CreateSnapshot(); info != nil {
		t.Errorf("CreateSnapshot() with unchanged state = %v, want nil", info)
	}

	count, _ := repo.Count("deck-1")
	if count != 1 {
		t.Errorf("stored snapshot count = %d, want 1 after dedup", count)
	}

	// A real edit makes the next save go through.
	doc.SetTitle("Changed")
	if info := service.CreateSnapshot(); info == nil {
		t.Error("CreateSnapshot() after edit returned nil")
	}

	count, _ = repo.Count("deck-1")
	if count != 2 {
		t.Errorf("stored snapshot count = %d, want 2", count)
	}
}

func TestService_CreateSnapshot_unboundDocument(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, testConfig())

	if info := service.CreateSnapshot(); info != nil {
		t.Errorf("CreateSnapshot() without a bound document = %v, want nil", info)
	}
}

func TestService_CreateSnapshot_emitsCreatedEvent(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	var events []*models.SnapshotInfo
	service.OnSnapshotCreated(func(info *models.SnapshotInfo) {
		events = append(events, info)
	})

	doc.SetTitle("x")
	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	if len(events) != 1 {
		t.Fatalf("got %d created events, want 1", len(events))
	}
	if events[0].ID != info.ID {
		t.Errorf("event snapshot id = %q, want %q", events[0].ID, info.ID)
	}
}

// =====================================================
// Duplicate Version and Save Guard Tests
// =====================================================

// dupStore always reports a version collision on Insert, simulating a
// concurrent writer landing first.
type dupStore struct {
	db.SnapshotStore
}

func (d *dupStore) Insert(snap *models.Snapshot) error {
	return apperrors.New(apperrors.ErrDuplicateVersion, "already stored")
}

func TestService_CreateSnapshot_duplicateVersionIsSuccess(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(&dupStore{SnapshotStore: repo}, testConfig())

	doc := document.NewMemDoc("deck-1")
	service.Initialize(doc, "deck-1")
	defer service.Close()

	doc.SetTitle("x")

	// The desired durable state already exists, so the save reports
	// success even though this writer stored nothing.
	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() = nil on duplicate version, want snapshot info")
	}

	count, _ := repo.Count("deck-1")
	if count != 0 {
		t.Errorf("stored snapshot count = %d, want 0", count)
	}
}

// blockingStore parks Insert until released, exposing the window where
// a save is in flight.
type blockingStore struct {
	db.SnapshotStore
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Insert(snap *models.Snapshot) error {
	close(b.entered)
	<-b.release
	return b.SnapshotStore.Insert(snap)
}

func TestService_CreateSnapshot_saveInProgressGuard(t *testing.T) {
	repo := setupTestStore(t)
	store := &blockingStore{
		SnapshotStore: repo,
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	service := NewService(store, testConfig())

	doc := document.NewMemDoc("deck-1")
	service.Initialize(doc, "deck-1")
	defer service.Close()

	doc.SetTitle("x")

	done := make(chan *models.SnapshotInfo)
	go func() { done <- service.CreateSnapshot() }()

	// Wait until the first save reaches the store, then try another.
	<-store.entered
	if info := service.CreateSnapshot(); info != nil {
		t.Errorf("overlapping CreateSnapshot() = %v, want nil", info)
	}

	close(store.release)
	if info := <-done; info == nil {
		t.Error("blocked CreateSnapshot() returned nil after release")
	}

	count, _ := repo.Count("deck-1")
	if count != 1 {
		t.Errorf("stored snapshot count = %d, want 1", count)
	}
}

// =====================================================
// Recovery Point Tests
// =====================================================

func TestService_CreateRecoveryPoint(t *testing.T) {
	service, doc, repo := setupTestService(t, nil)

	doc.SetTitle("Before rehearsal")

	if info := service.CreateSnapshot(); info == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	// Recovery points bypass dedup: unchanged state still gets stored.
	info := service.CreateRecoveryPoint("before-rehearsal")
	if info == nil {
		t.Fatal("CreateRecoveryPoint() returned nil for unchanged state")
	}
	if !info.IsRecoveryPoint {
		t.Error("recovery point IsRecoveryPoint = false, want true")
	}
	if info.RecoveryName() != "before-rehearsal" {
		t.Errorf("RecoveryName() = %q, want 'before-rehearsal'", info.RecoveryName())
	}

	count, _ := repo.Count("deck-1")
	if count != 2 {
		t.Errorf("stored snapshot count = %d, want 2", count)
	}
}

func TestService_CreateRecoveryPoint_autoName(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	doc.SetTitle("x")

	info := service.CreateRecoveryPoint("")
	if info == nil {
		t.Fatal("CreateRecoveryPoint() returned nil")
	}
	if !strings.HasPrefix(info.RecoveryName(), "recovery-") {
		t.Errorf("auto-generated name = %q, want 'recovery-' prefix", info.RecoveryName())
	}
}

// =====================================================
// Retention Tests
// =====================================================

func TestService_retentionPruning(t *testing.T) {
	config := testConfig()
	config.MaxVersions = 3
	service, doc, repo := setupTestService(t, config)

	for i := 0; i < 6; i++ {
		doc.SetTitle("revision " + string(rune('a'+i)))
		if info := service.CreateSnapshot(); info == nil {
			t.Fatalf("CreateSnapshot() %d returned nil", i)
		}
	}

	count, err := repo.CountAutomatic("deck-1")
	if err != nil {
		t.Fatalf("CountAutomatic() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("automatic snapshot count = %d, want retention limit 3", count)
	}

	// The newest snapshots survive, oldest go first.
	infos := service.ListSnapshots("deck-1")
	if len(infos) != 3 {
		t.Fatalf("ListSnapshots() returned %d, want 3", len(infos))
	}
}

func TestService_retentionSparesRecoveryPoints(t *testing.T) {
	config := testConfig()
	config.MaxVersions = 2
	service, doc, repo := setupTestService(t, config)

	doc.SetTitle("keep this forever")
	recovery := service.CreateRecoveryPoint("milestone")
	if recovery == nil {
		t.Fatal("CreateRecoveryPoint() returned nil")
	}

	for i := 0; i < 5; i++ {
		doc.SetTitle("revision " + string(rune('a'+i)))
		if info := service.CreateSnapshot(); info == nil {
			t.Fatalf("CreateSnapshot() %d returned nil", i)
		}
	}

	// The recovery point survives pruning.
	stored, err := repo.ByID(recovery.ID.String())
	if err != nil {
		t.Fatalf("ByID() failed: %v", err)
	}
	if stored == nil {
		t.Error("recovery point was pruned; it must be exempt from retention")
	}

	automatic, _ := repo.CountAutomatic("deck-1")
	if automatic != 2 {
		t.Errorf("automatic snapshot count = %d, want 2", automatic)
	}
}

// =====================================================
// LoadSnapshot Tests
// =====================================================

func TestService_LoadSnapshot(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	doc.SetTitle("Checkpoint")
	doc.SetSlide("s-1", 0, "original content")
	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	// Keep editing after the snapshot.
	doc.SetSlide("s-1", 0, "edited content")

	result := service.LoadSnapshot("deck-1", "")
	if result == nil {
		t.Fatal("LoadSnapshot() returned nil")
	}
	if result.Deck.Title != "Checkpoint" {
		t.Errorf("loaded title = %q, want 'Checkpoint'", result.Deck.Title)
	}
	if len(result.Deck.Slides) != 1 || result.Deck.Slides[0].Content != "original content" {
		t.Errorf("loaded slides = %v, want the pre-edit content", result.Deck.Slides)
	}

	// The live document is untouched by loading.
	if got := doc.Project().Slides[0].Content; got != "edited content" {
		t.Errorf("live document content = %q, want 'edited content'", got)
	}
}

func TestService_LoadSnapshot_byVersion(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	doc.SetTitle("v1 title")
	first := service.CreateSnapshot()
	if first == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	doc.SetTitle("v2 title")
	if service.CreateSnapshot() == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	result := service.LoadSnapshot("deck-1", first.Version)
	if result == nil {
		t.Fatal("LoadSnapshot() by version returned nil")
	}
	if result.Deck.Title != "v1 title" {
		t.Errorf("loaded title = %q, want 'v1 title'", result.Deck.Title)
	}
}

func TestService_LoadSnapshot_missing(t *testing.T) {
	service, _, _ := setupTestService(t, nil)

	if result := service.LoadSnapshot("deck-1", "no-such-version"); result != nil {
		t.Errorf("LoadSnapshot() = %v, want nil for missing version", result)
	}
	if result := service.LoadSnapshot("unknown-deck", ""); result != nil {
		t.Errorf("LoadSnapshot() = %v, want nil for unknown document", result)
	}
}

// =====================================================
// ApplySnapshot Tests
// =====================================================

func TestService_ApplySnapshot(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, testConfig())

	// First session: author content and snapshot it.
	original := document.NewMemDoc("deck-1")
	service.Initialize(original, "deck-1")
	original.SetTitle("Saved Work")
	original.SetSlide("s-1", 0, "# Agenda")
	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	// Second session: fresh document, restore from the snapshot.
	restored := document.NewMemDoc("deck-1")
	service.Initialize(restored, "deck-1")
	defer service.Close()

	var applied []AppliedEvent
	service.OnSnapshotApplied(func(e AppliedEvent) {
		applied = append(applied, e)
	})

	if ok := service.ApplySnapshot(info.ID.String()); !ok {
		t.Fatal("ApplySnapshot() = false, want true")
	}

	deck := restored.Project()
	if deck.Title != "Saved Work" {
		t.Errorf("restored title = %q, want 'Saved Work'", deck.Title)
	}
	if len(deck.Slides) != 1 || deck.Slides[0].Content != "# Agenda" {
		t.Errorf("restored slides = %v, want the snapshot content", deck.Slides)
	}

	if len(applied) != 1 {
		t.Fatalf("got %d applied events, want 1", len(applied))
	}
	if applied[0].SnapshotID != info.ID {
		t.Errorf("applied event snapshot id = %q, want %q", applied[0].SnapshotID, info.ID)
	}
}

func TestService_ApplySnapshot_coalescesChangeEvents(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	doc.SetTitle("x")
	doc.SetSlide("s-1", 0, "a")
	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	fresh := document.NewMemDoc("deck-1")
	service.Initialize(fresh, "deck-1")

	var events []document.ChangeEvent
	fresh.Subscribe(func(e document.ChangeEvent) {
		events = append(events, e)
	})

	if ok := service.ApplySnapshot(info.ID.String()); !ok {
		t.Fatal("ApplySnapshot() = false, want true")
	}

	// The whole restore surfaces as a single remote-origin change.
	if len(events) != 1 {
		t.Fatalf("got %d change events, want 1", len(events))
	}
	if events[0].IsLocal {
		t.Error("restore change event IsLocal = true, want false")
	}
}

func TestService_ApplySnapshot_missing(t *testing.T) {
	service, _, _ := setupTestService(t, nil)

	if ok := service.ApplySnapshot("nonexistent-id"); ok {
		t.Error("ApplySnapshot() = true for missing snapshot, want false")
	}
}

func TestService_ApplySnapshot_unboundDocument(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, testConfig())

	if ok := service.ApplySnapshot("any-id"); ok {
		t.Error("ApplySnapshot() = true without a bound document, want false")
	}
}

// =====================================================
// Listing and Deletion Tests
// =====================================================

func TestService_ListSnapshots(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	if infos := service.ListSnapshots("deck-1"); len(infos) != 0 {
		t.Errorf("ListSnapshots() on empty store returned %d entries", len(infos))
	}

	doc.SetTitle("a")
	service.CreateSnapshot()
	doc.SetTitle("b")
	service.CreateSnapshot()

	infos := service.ListSnapshots("deck-1")
	if len(infos) != 2 {
		t.Fatalf("ListSnapshots() returned %d entries, want 2", len(infos))
	}
	// Newest first
	if infos[0].Timestamp < infos[1].Timestamp {
		t.Error("ListSnapshots() should order newest first")
	}
}

func TestService_DeleteSnapshot(t *testing.T) {
	service, doc, _ := setupTestService(t, nil)

	doc.SetTitle("x")
	info := service.CreateSnapshot()
	if info == nil {
		t.Fatal("CreateSnapshot() returned nil")
	}

	if ok := service.DeleteSnapshot(info.ID.String()); !ok {
		t.Error("DeleteSnapshot() = false, want true")
	}
	if ok := service.DeleteSnapshot(info.ID.String()); ok {
		t.Error("DeleteSnapshot() = true for already-deleted snapshot, want false")
	}
}

// =====================================================
// Automatic Snapshot Tests
// =====================================================

func TestService_automaticSnapshotsOnLocalEdit(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, &Config{
		Debounce:     30 * time.Millisecond,
		Interval:     0,
		MaxVersions:  50,
		AutoSnapshot: true,
		ClientID:     "test-client",
	})

	doc := document.NewMemDoc("deck-1")
	service.Initialize(doc, "deck-1")
	defer service.Close()

	doc.SetTitle("typed by the user")

	// The debounce window elapses and the snapshot lands on its own.
	deadline := time.Now().Add(2 * time.Second)
	for {
		count, _ := repo.Count("deck-1")
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("automatic snapshot never stored, count = %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestService_automaticSnapshotsIgnoreRemoteChanges(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, &Config{
		Debounce:     20 * time.Millisecond,
		Interval:     0,
		MaxVersions:  50,
		AutoSnapshot: true,
		ClientID:     "test-client",
	})

	doc := document.NewMemDoc("deck-1")
	service.Initialize(doc, "deck-1")
	defer service.Close()

	// A peer's edit arrives as a merged update.
	peer := document.NewMemDoc("deck-1")
	peer.SetTitle("peer edit")
	state, _ := peer.EncodeFullState()
	if err := doc.ApplyUpdate(state); err != nil {
		t.Fatalf("ApplyUpdate() failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	count, _ := repo.Count("deck-1")
	if count != 0 {
		t.Errorf("remote change triggered %d snapshots, want 0", count)
	}
}

func TestService_Initialize_rebindStopsOldScheduler(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, &Config{
		Debounce:     0,
		Interval:     30 * time.Millisecond,
		MaxVersions:  50,
		AutoSnapshot: true,
		ClientID:     "test-client",
	})

	first := document.NewMemDoc("deck-1")
	service.Initialize(first, "deck-1")

	// Rebinding replaces the scheduler; the first one must not keep
	// its interval loop alive in the background.
	second := document.NewMemDoc("deck-1")
	service.Initialize(second, "deck-1")

	service.StopAutomaticSnapshots()
	defer service.Close()

	second.SetTitle("edit after stop")
	time.Sleep(200 * time.Millisecond)

	count, _ := repo.Count("deck-1")
	if count != 0 {
		t.Errorf("stopped service stored %d snapshots, want 0", count)
	}
}

func TestService_StopAutomaticSnapshots(t *testing.T) {
	repo := setupTestStore(t)
	service := NewService(repo, &Config{
		Debounce:     20 * time.Millisecond,
		Interval:     0,
		MaxVersions:  50,
		AutoSnapshot: true,
		ClientID:     "test-client",
	})

	doc := document.NewMemDoc("deck-1")
	service.Initialize(doc, "deck-1")
	defer service.Close()

	service.StopAutomaticSnapshots()
	doc.SetTitle("edit after stop")

	time.Sleep(100 * time.Millisecond)

	count, _ := repo.Count("deck-1")
	if count != 0 {
		t.Errorf("stopped scheduler stored %d snapshots, want 0", count)
	}
}
