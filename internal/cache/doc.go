// Package cache holds the agent's named cache stores. A Storage owns every
// store the agent ever created (one per cache identifier); a Store maps a
// request identity to the most recent response recorded for it. Drivers cover
// the filesystem (temp file + rename), LevelDB, SQLite and plain memory, and
// all of them keep last-write-wins semantics for concurrent puts to one key.
package cache
