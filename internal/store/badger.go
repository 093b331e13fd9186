package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/lukasbauer/negocia/internal/insight"
)

const badgerKeyPrefix = "session/"

// Badger persists exported sessions in an embedded BadgerDB, for deployments
// without PostgreSQL.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens a store at path. An empty path opens an in-memory store.
func OpenBadger(path string, logger *log.Logger) (*Badger, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db}, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerEntry is the stored value of one export.
type badgerEntry struct {
	ExportID string         `json:"export_id"`
	Record   insight.Record `json:"record"`
}

// Persist stores rec under the session id, replacing any earlier export.
func (b *Badger) Persist(ctx context.Context, sessionID string, rec insight.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(badgerEntry{ExportID: uuid.NewString(), Record: rec})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerKeyPrefix+sessionID), data)
	})
}

// Get returns the stored export of a session, or insight.ErrNotFound.
func (b *Badger) Get(ctx context.Context, sessionID string) (insight.Record, error) {
	var e badgerEntry
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerKeyPrefix + sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return e.Record, fmt.Errorf("export %s: %w", sessionID, insight.ErrNotFound)
	}
	return e.Record, err
}

// ListExports returns the most recent exports, newest first.
func (b *Badger) ListExports(ctx context.Context, limit int) ([]ExportSummary, error) {
	var out []ExportSummary
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e badgerEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			snap := e.Record.Snapshot
			out = append(out, ExportSummary{
				SessionID:     strings.TrimPrefix(string(it.Item().Key()), badgerKeyPrefix),
				ExportID:      e.ExportID,
				Status:        string(snap.Status),
				FragmentCount: snap.FragmentCount,
				SignalCount:   snap.Total(),
				ClosedAt:      snap.ClosedAt,
				ExportedAt:    e.Record.ExportedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExportedAt.After(out[j].ExportedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// badgerLogger adapts *log.Logger to badger.Logger.
type badgerLogger struct {
	l *log.Logger
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Printf("badger: error: "+format, args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Printf("badger: warning: "+format, args...)
}

func (b badgerLogger) Infof(string, ...interface{}) {}

func (b badgerLogger) Debugf(string, ...interface{}) {}
