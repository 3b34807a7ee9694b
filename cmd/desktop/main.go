// Package main provides the DeckVault desktop daemon. It binds a deck
// document to the persistence service and exposes persistence events to
// the local UI over WebSocket on localhost:8090.
package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/yuchia/deckvault/cmd/desktop/handlers"
	"github.com/yuchia/deckvault/internal/db"
	"github.com/yuchia/deckvault/internal/document"
	"github.com/yuchia/deckvault/internal/models"
	"github.com/yuchia/deckvault/internal/persistence"
)

func main() {
	port := "8090"

	dataDir := os.Getenv("DECKVAULT_DATA")
	if dataDir == "" {
		dataDir = "./data"
	}

	documentID := os.Getenv("DECKVAULT_DOC")
	if documentID == "" {
		documentID = "default-deck"
	}

	// Open the snapshot store and bring the schema up to date.
	database, err := db.Open(dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		log.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	// Bind the live deck document to the persistence service.
	doc := document.NewMemDoc(documentID)
	service := persistence.NewService(repo, persistence.DefaultConfig())

	hub := NewWSHub()
	service.OnSnapshotCreated(func(info *models.SnapshotInfo) {
		hub.BroadcastSnapshotCreated(info.ID.String(), info.DocumentID, info.Version, info.IsRecoveryPoint)
	})
	service.OnSnapshotApplied(func(event persistence.AppliedEvent) {
		hub.BroadcastSnapshotApplied(event.SnapshotID.String(), event.Timestamp, event.Metadata)
	})

	service.Initialize(doc, documentID)
	defer service.Close()

	snapshotHandler := handlers.NewSnapshotHandler(service, documentID)
	snapshotHandler.OnDeleted = hub.BroadcastSnapshotDeleted

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", HandleWebSocket(hub))
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"deckvault-desktop"}`))
	})
	mux.HandleFunc("/api/snapshots", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			snapshotHandler.ListSnapshots(w, r)
		case http.MethodPost:
			snapshotHandler.CreateSnapshot(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/snapshots/preview", snapshotHandler.PreviewSnapshot)
	mux.HandleFunc("POST /api/snapshots/{id}/apply", snapshotHandler.ApplySnapshot)
	mux.HandleFunc("DELETE /api/snapshots/{id}", snapshotHandler.DeleteSnapshot)
	mux.HandleFunc("/api/recovery-points", snapshotHandler.CreateRecoveryPoint)

	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		log.Printf("DeckVault Desktop starting on port %s (document %s)...", port, documentID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Shut down cleanly so the final debounced snapshot can land.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	service.CreateSnapshot()
	server.Close()
}
