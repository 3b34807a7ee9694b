// Package main provides the DeckVault Go Core library entry point.
// This is a platform-agnostic library that can be compiled as:
// - Shared library for embedding in the editor shell
// - Standalone binary for desktop
package main

import (
	"fmt"
	"log"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	fmt.Printf("DeckVault Core v%s\n", Version)
	log.Println("DeckVault Go Core - Deck Persistence Library")
}
