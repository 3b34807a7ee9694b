// Package document provides MemDoc, a last-writer-wins register map
// implementing the Manager interface. It is the engine used by tests,
// the desktop binary, and the throwaway instances the persistence
// service builds when inspecting snapshots.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yuchia/deckvault/internal/models"
	"github.com/yuchia/deckvault/internal/uuid"
)

const titleKey = "title"

const slidePrefix = "slide/"

// register is one replicated cell: a value plus the lamport clock and
// node id of its last writer. Merge keeps the higher (clock, node) pair.
type register struct {
	Value json.RawMessage `json:"value"`
	Clock int64           `json:"clock"`
	Node  string          `json:"node"`
}

// wins reports whether r should replace other during a merge.
func (r register) wins(other register) bool {
	if r.Clock != other.Clock {
		return r.Clock > other.Clock
	}
	// Equal clocks: node id breaks the tie so all replicas agree.
	return r.Node > other.Node
}

// slideValue is the JSON payload of a slide register.
type slideValue struct {
	Index   int    `json:"index"`
	Content string `json:"content"`
	Deleted bool   `json:"deleted,omitempty"`
}

// docState is the full-state wire form of a MemDoc.
type docState struct {
	DocID     string              `json:"doc_id"`
	Registers map[string]register `json:"registers"`
}

// MemDoc is an in-memory replicated deck document.
type MemDoc struct {
	mu        sync.Mutex
	id        string
	nodeID    string
	clock     int64
	registers map[string]register

	subMu   sync.Mutex
	subs    map[int]func(ChangeEvent)
	nextSub int

	// txDepth > 0 while inside Transact; events coalesce until exit.
	txDepth  int
	txLocal  bool
	txRemote bool
}

// NewMemDoc creates an empty document replica for the given document id.
// Each replica gets its own node id.
func NewMemDoc(id string) *MemDoc {
	return &MemDoc{
		id:        id,
		nodeID:    uuid.New(),
		registers: make(map[string]register),
		subs:      make(map[int]func(ChangeEvent)),
	}
}

// ID returns the document id.
func (d *MemDoc) ID() string {
	return d.id
}

// NodeID returns this replica's node id.
func (d *MemDoc) NodeID() string {
	return d.nodeID
}

// SetTitle writes the deck title as a local edit.
func (d *MemDoc) SetTitle(title string) {
	value, _ := json.Marshal(title)
	d.writeLocal(titleKey, value)
}

// SetSlide writes a slide's position and content as a local edit.
func (d *MemDoc) SetSlide(slideID string, index int, content string) {
	value, _ := json.Marshal(slideValue{Index: index, Content: content})
	d.writeLocal(slidePrefix+slideID, value)
}

// RemoveSlide tombstones a slide as a local edit. The register survives
// as a tombstone so the removal replicates.
func (d *MemDoc) RemoveSlide(slideID string) {
	value, _ := json.Marshal(slideValue{Deleted: true})
	d.writeLocal(slidePrefix+slideID, value)
}

// writeLocal stamps and stores one register, then notifies observers.
func (d *MemDoc) writeLocal(key string, value json.RawMessage) {
	d.mu.Lock()
	d.clock++
	d.registers[key] = register{Value: value, Clock: d.clock, Node: d.nodeID}
	d.mu.Unlock()

	d.notify(true)
}

// EncodeFullState encodes the complete register set. The encoding is
// deterministic (JSON object keys sort), so byte equality of two
// encodings implies state equality.
func (d *MemDoc) EncodeFullState() ([]byte, error) {
	d.mu.Lock()
	state := docState{
		DocID:     d.id,
		Registers: make(map[string]register, len(d.registers)),
	}
	for k, v := range d.registers {
		state.Registers[k] = v
	}
	d.mu.Unlock()

	return json.Marshal(state)
}

// ApplyUpdate merges foreign full-state bytes into this replica.
// Winning registers are decided per key by (clock, node). Observers see
// a single remote-origin change event, and only when something changed.
func (d *MemDoc) ApplyUpdate(update []byte) error {
	var state docState
	if err := json.Unmarshal(update, &state); err != nil {
		return fmt.Errorf("malformed document update: %w", err)
	}
	if state.DocID != "" && state.DocID != d.id {
		return fmt.Errorf("update for document %s applied to %s", state.DocID, d.id)
	}

	d.mu.Lock()
	changed := false
	for key, incoming := range state.Registers {
		current, exists := d.registers[key]
		if !exists || incoming.wins(current) {
			d.registers[key] = incoming
			changed = true
		}
		// Lamport clock catches up with every observed write.
		if incoming.Clock > d.clock {
			d.clock = incoming.Clock
		}
	}
	d.mu.Unlock()

	if changed {
		d.notify(false)
	}
	return nil
}

// Transact runs fn atomically. Change events raised inside fn coalesce
// into at most one local and one remote event, emitted on exit.
func (d *MemDoc) Transact(fn func() error) error {
	d.subMu.Lock()
	d.txDepth++
	d.subMu.Unlock()

	err := fn()

	d.subMu.Lock()
	d.txDepth--
	emitLocal, emitRemote := false, false
	if d.txDepth == 0 {
		emitLocal, emitRemote = d.txLocal, d.txRemote
		d.txLocal, d.txRemote = false, false
	}
	d.subMu.Unlock()

	if emitLocal {
		d.emit(ChangeEvent{DocumentID: d.id, IsLocal: true})
	}
	if emitRemote {
		d.emit(ChangeEvent{DocumentID: d.id, IsLocal: false})
	}
	return err
}

// Subscribe registers a change observer. The returned function removes it.
func (d *MemDoc) Subscribe(fn func(ChangeEvent)) func() {
	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.subMu.Unlock()

	return func() {
		d.subMu.Lock()
		delete(d.subs, id)
		d.subMu.Unlock()
	}
}

// notify emits a change event, or defers it to the enclosing transaction.
func (d *MemDoc) notify(isLocal bool) {
	d.subMu.Lock()
	if d.txDepth > 0 {
		if isLocal {
			d.txLocal = true
		} else {
			d.txRemote = true
		}
		d.subMu.Unlock()
		return
	}
	d.subMu.Unlock()

	d.emit(ChangeEvent{DocumentID: d.id, IsLocal: isLocal})
}

// emit calls every subscriber outside the state lock.
func (d *MemDoc) emit(event ChangeEvent) {
	d.subMu.Lock()
	fns := make([]func(ChangeEvent), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.subMu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}

// Project flattens the register set into the plain deck model.
// Tombstoned slides are dropped; survivors sort by index, then id.
func (d *MemDoc) Project() *models.Deck {
	d.mu.Lock()
	defer d.mu.Unlock()

	deck := &models.Deck{ID: d.id}

	if reg, ok := d.registers[titleKey]; ok {
		var title string
		if err := json.Unmarshal(reg.Value, &title); err == nil {
			deck.Title = title
		}
	}

	for key, reg := range d.registers {
		if !strings.HasPrefix(key, slidePrefix) {
			continue
		}
		var sv slideValue
		if err := json.Unmarshal(reg.Value, &sv); err != nil || sv.Deleted {
			continue
		}
		deck.Slides = append(deck.Slides, models.Slide{
			ID:      strings.TrimPrefix(key, slidePrefix),
			Index:   sv.Index,
			Content: sv.Content,
		})
	}

	sort.Slice(deck.Slides, func(i, j int) bool {
		if deck.Slides[i].Index != deck.Slides[j].Index {
			return deck.Slides[i].Index < deck.Slides[j].Index
		}
		return deck.Slides[i].ID < deck.Slides[j].ID
	})

	return deck
}

// Version returns an opaque token derived from the lamport clock and the
// register count. Good enough as a version-derivation input; never used
// for ordering.
func (d *MemDoc) Version() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("c%d-r%d", d.clock, len(d.registers))
}

// compile-time check
var _ Manager = (*MemDoc)(nil)
