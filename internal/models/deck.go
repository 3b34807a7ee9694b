// Package models provides data model definitions for the DeckVault core.
package models

// Deck is the application's plain projection of a presentation document.
// It is a read-only flattening of the replicated state, produced for
// callers that inspect snapshots; edits always go through the live
// document, never through a Deck.
type Deck struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Slides []Slide `json:"slides"`
}

// Slide is one slide of a deck in display order.
type Slide struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Content string `json:"content"`
}
