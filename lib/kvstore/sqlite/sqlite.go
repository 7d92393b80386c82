// Package sqlite provides a durable kvstore.KVStore on the pure Go SQLite
// driver.
//
// Every statement of a transaction is also kept in a replay log. When Commit
// fails the log is replayed into a fresh transaction so the caller can simply
// call Commit again.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/mickelfeng/ep-engine/lib/item"
	"github.com/mickelfeng/ep-engine/lib/kvstore"

	_ "modernc.org/sqlite" // pure Go sqlite driver
)

var log = logger.GetLogger("kvstore")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
    vbucket INTEGER NOT NULL,
    k       BLOB    NOT NULL,
    v       BLOB,
    flags   INTEGER NOT NULL DEFAULT 0,
    exptime INTEGER NOT NULL DEFAULT 0,
    cas     INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (vbucket, k)
);
CREATE TABLE IF NOT EXISTS vbstates (
    vbucket INTEGER PRIMARY KEY,
    state   TEXT NOT NULL
);`

// stmt is one replayable statement of the open transaction
type stmt func(ctx context.Context, tx *sql.Tx) error

// Store is the SQLite backend
type Store struct {
	db  *sql.DB
	ctx context.Context

	mu     sync.Mutex
	tx     *sql.Tx
	replay []stmt
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	for _, p := range []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-65536;",
	} {
		if _, err := db.Exec(p); err != nil {
			log.Warningf("pragma %q failed: %v", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, ctx: context.Background()}, nil
}

var _ kvstore.KVStore = (*Store)(nil)

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// begin opens a transaction if none is open. Must be called with mu held.
func (s *Store) begin() error {
	if s.tx != nil {
		return nil
	}
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		return err
	}
	s.tx = tx
	return nil
}

// exec runs st in the open transaction and records it for replay.
// Must be called with mu held.
func (s *Store) exec(st stmt) error {
	if err := s.begin(); err != nil {
		return err
	}
	if err := st(s.ctx, s.tx); err != nil {
		return err
	}
	s.replay = append(s.replay, st)
	return nil
}

// Begin starts a transaction.
func (s *Store) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(); err != nil {
		// Set and Del begin lazily and report the failure through their callbacks
		log.Warningf("begin failed: %v", err)
	}
}

// Commit commits the open transaction. On failure the statements are replayed
// into a new transaction and the error is returned.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	if err == nil {
		s.replay = nil
		return nil
	}

	replay := s.replay
	s.replay = nil
	for _, st := range replay {
		if rerr := s.exec(st); rerr != nil {
			// the open transaction is incomplete, drop it and report both errors
			if s.tx != nil {
				_ = s.tx.Rollback()
				s.tx = nil
			}
			s.replay = replay
			return errors.Join(fmt.Errorf("commit: %w", err), fmt.Errorf("replay: %w", rerr))
		}
	}
	return fmt.Errorf("commit: %w", err)
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Set upserts an item and reports its rowid.
func (s *Store) Set(it *item.Item, cb kvstore.SetCallback) {
	s.mu.Lock()
	var id int64
	key, value := []byte(it.Key), append([]byte(nil), it.Value...)
	vb, flags, exptime, cas := it.VBucket, it.Flags, it.Exptime, int64(it.Cas)
	err := s.exec(func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `INSERT INTO kv(vbucket, k, v, flags, exptime, cas) VALUES(?,?,?,?,?,?)
ON CONFLICT(vbucket, k) DO UPDATE SET v=excluded.v, flags=excluded.flags, exptime=excluded.exptime, cas=excluded.cas
RETURNING rowid`, vb, key, value, flags, exptime, cas).Scan(&id)
	})
	s.mu.Unlock()

	if err != nil {
		log.Warningf("set %s (vb %d) failed: %v", it.Key, it.VBucket, err)
		cb(false, 0)
		return
	}
	cb(true, id)
}

// Del removes a key.
func (s *Store) Del(key string, vbucket uint16, cb kvstore.DelCallback) {
	s.mu.Lock()
	k := []byte(key)
	err := s.exec(func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE vbucket=? AND k=?`, vbucket, k)
		return err
	})
	s.mu.Unlock()

	if err != nil {
		log.Warningf("del %s (vb %d) failed: %v", key, vbucket, err)
	}
	cb(err == nil)
}

// Reset removes all items and bucket states as part of the open transaction.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.exec(func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM vbstates`)
		return err
	})
	if err != nil {
		log.Errorf("reset failed: %v", err)
		return
	}
	log.Infof("store reset")
}

// --------------------------------------------------------------------------
// Reads and bucket management
// --------------------------------------------------------------------------

// Get reads a committed item.
func (s *Store) Get(key string, vbucket uint16, cb kvstore.GetCallback) {
	var (
		value   []byte
		flags   uint32
		exptime int64
		cas     int64
		id      int64
	)
	err := s.db.QueryRowContext(s.ctx,
		`SELECT v, flags, exptime, cas, rowid FROM kv WHERE vbucket=? AND k=?`,
		vbucket, []byte(key)).Scan(&value, &flags, &exptime, &cas, &id)
	if errors.Is(err, sql.ErrNoRows) {
		cb(nil, kvstore.ErrNotFound)
		return
	}
	if err != nil {
		cb(nil, fmt.Errorf("get %s: %w", key, err))
		return
	}
	it := item.New(key, value, flags, exptime, vbucket)
	it.Cas = uint64(cas)
	it.ID = id
	cb(it, nil)
}

// SnapshotVBuckets replaces the stored bucket states in its own transaction.
func (s *Store) SnapshotVBuckets(states map[uint16]string) bool {
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		log.Warningf("vbucket snapshot: begin failed: %v", err)
		return false
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(s.ctx, `DELETE FROM vbstates`); err != nil {
		log.Warningf("vbucket snapshot failed: %v", err)
		return false
	}
	for vb, state := range states {
		if _, err := tx.ExecContext(s.ctx, `INSERT INTO vbstates(vbucket, state) VALUES(?,?)`, vb, state); err != nil {
			log.Warningf("vbucket snapshot failed: %v", err)
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		log.Warningf("vbucket snapshot: commit failed: %v", err)
		return false
	}
	return true
}

// LoadVBucketStates returns the last persisted bucket states.
func (s *Store) LoadVBucketStates() (map[uint16]string, error) {
	rows, err := s.db.QueryContext(s.ctx, `SELECT vbucket, state FROM vbstates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uint16]string)
	for rows.Next() {
		var (
			vb    uint16
			state string
		)
		if err := rows.Scan(&vb, &state); err != nil {
			return nil, err
		}
		out[vb] = state
	}
	return out, rows.Err()
}

// DelVBucket removes every item and the state of a bucket.
func (s *Store) DelVBucket(vbucket uint16) bool {
	tx, err := s.db.BeginTx(s.ctx, nil)
	if err != nil {
		log.Warningf("delete vbucket %d: begin failed: %v", vbucket, err)
		return false
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(s.ctx, `DELETE FROM kv WHERE vbucket=?`, vbucket); err != nil {
		log.Warningf("delete vbucket %d failed: %v", vbucket, err)
		return false
	}
	if _, err := tx.ExecContext(s.ctx, `DELETE FROM vbstates WHERE vbucket=?`, vbucket); err != nil {
		log.Warningf("delete vbucket %d failed: %v", vbucket, err)
		return false
	}
	return tx.Commit() == nil
}

// Close rolls back an open transaction and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
		s.replay = nil
	}
	return s.db.Close()
}
