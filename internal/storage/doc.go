// Package storage provides the persistence layer used by the daemon.
//
// It currently supports:
//   - Scheduled notification records (restored on startup)
//   - Method-call audit log appends, with retention pruning
package storage
