// Package roomstore is the durable per-room key-value layer backing the
// room service's write-ahead log and snapshot (spec §4.4 Storage layout).
// One badger.DB holds every room, namespaced by key prefix, so the process
// opens a single embedded store rather than one file per room.
package roomstore

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNoSnapshot is returned by LoadSnapshot when the room has never been
// compacted (a brand new room with only WAL entries, or no data at all).
var ErrNoSnapshot = errors.New("roomstore: no snapshot for room")

// UpdateRecord is one write-ahead log entry: its sequence number (the
// zero-padded suffix of its update:NNNNNNNN key) and raw update payload.
type UpdateRecord struct {
	Seq     uint64
	Payload []byte
}

// Store wraps a badger.DB with the doc:snapshot / update:seq /
// update:NNNNNNNN key scheme (spec §4.4), one room per key prefix.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger store rooted at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("roomstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying badger.DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func snapshotKey(roomID string) []byte {
	return []byte("room:" + roomID + ":doc:snapshot")
}

func seqKey(roomID string) []byte {
	return []byte("room:" + roomID + ":update:seq")
}

func updatePrefix(roomID string) []byte {
	return []byte("room:" + roomID + ":update:")
}

func updateKey(roomID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("room:%s:update:%08d", roomID, seq))
}

// LoadSnapshot returns the compacted document bytes for roomID, or
// ErrNoSnapshot if the room has none yet.
func (s *Store) LoadSnapshot(roomID string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(roomID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNoSnapshot
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NextSeq returns the next update sequence number for roomID (0 if the room
// has never appended an update).
func (s *Store) NextSeq(roomID string) (uint64, error) {
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seqKey(roomID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			n, perr := strconv.ParseUint(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			seq = n
			return nil
		})
	})
	return seq, err
}

// AppendUpdate assigns the next sequence number to payload, persists both
// the update entry and the advanced update:seq counter in one durable
// transaction (spec §4.4 step 1: "Both writes must be durable before step
// 2"), and returns the assigned sequence number.
func (s *Store) AppendUpdate(roomID string, payload []byte) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		next, err := s.NextSeq(roomID)
		if err != nil {
			return err
		}
		seq = next
		if err := txn.Set(updateKey(roomID, seq), payload); err != nil {
			return err
		}
		return txn.Set(seqKey(roomID), []byte(strconv.FormatUint(seq+1, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("roomstore: append update for %s: %w", roomID, err)
	}
	return seq, nil
}

// History returns every WAL entry for roomID in ascending sequence order.
func (s *Store) History(roomID string) ([]UpdateRecord, error) {
	var out []UpdateRecord
	prefix := updatePrefix(roomID)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			seqStr := string(key[len(prefix):])
			if seqStr == "seq" {
				// update:seq shares the prefix but is the counter, not an entry.
				continue
			}
			seq, err := strconv.ParseUint(seqStr, 10, 64)
			if err != nil {
				return fmt.Errorf("roomstore: malformed update key %q: %w", key, err)
			}
			var payload []byte
			if err := item.Value(func(val []byte) error {
				payload = append([]byte(nil), val...)
				return nil
			}); err != nil {
				return err
			}
			out = append(out, UpdateRecord{Seq: seq, Payload: payload})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Compact replaces the WAL for roomID with a single snapshot: it writes
// snapshot under doc:snapshot, deletes every update:NNNNNNNN entry, and
// resets update:seq to 0, all in one transaction (spec §4.4 Compaction).
func (s *Store) Compact(roomID string, snapshot []byte) error {
	prefix := updatePrefix(roomID)
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(snapshotKey(roomID), snapshot); err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Set(seqKey(roomID), []byte("0"))
	})
	if err != nil {
		return fmt.Errorf("roomstore: compact %s: %w", roomID, err)
	}
	return nil
}
