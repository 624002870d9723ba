// Package state persists investigation sessions. The Codec lays a session
// out as a manifest plus fixed-size event chunks on any DocumentStore; the
// stores here back it with memory, files, or a SQL database.
package state

import "github.com/user/incidentd/internal/types"

// Compile-time interface compliance checks.
var _ types.DocumentStore = (*MemStore)(nil)
var _ types.DocumentStore = (*FileStore)(nil)
var _ types.DocumentStore = (*SQLStore)(nil)
