// Package storage persists jobs, forward records and per-owner scratch state.
//
// Drivers:
//   - memory: in-process maps, lost on exit
//   - file: memory plus JSON snapshot and append-only journal
//   - sqlite: modernc.org/sqlite
//   - postgres: jackc/pgx through database/sql
//   - mongo: go.mongodb.org/mongo-driver
package storage
