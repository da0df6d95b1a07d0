// Package store defines interfaces for persistence dependencies (task
// sources, result and progress repositories, checkpoint stores).
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
