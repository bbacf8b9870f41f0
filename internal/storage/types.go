package storage

import (
	"errors"
	"time"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

// Config configures the job store.
//
// Driver values:
//   - "memory": process-local map, nothing survives a restart
//   - "file": dependency-free JSONL journal + snapshot
//   - "sqlite": SQLite database file (pure Go driver)
//   - "postgres": PostgreSQL through pgx
//   - "mongo": MongoDB collection scheduled_messages
type Config struct {
	Driver      string
	Path        string // file, sqlite
	DSN         string // postgres
	MongoURI    string
	MongoDB     string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Collection is the table/collection name shared by every backend.
const Collection = "scheduled_messages"
