package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketPinHistory   = []byte("pin_history")
	bucketChallengeLog = []byte("challenge_log_by_block_id")
)

// CommitLogEntry is one append-only pin-history record.
type CommitLogEntry struct {
	IPFSHash  string  `json:"ipfs_hash"`
	Timestamp float64 `json:"timestamp"`
}

// ChallengeLogEntry records the outcome of a signed and broadcast
// challenge for one block. Its presence marks the block SIGNED_BROADCAST.
type ChallengeLogEntry struct {
	IPFSHash   string  `json:"ipfs_hash"`
	Commitment string  `json:"commitment"`
	Txid       string  `json:"txid"`
	SigHash    string  `json:"sighash"`
	Timestamp  float64 `json:"timestamp"`
}

// index is the bbolt-backed side store for state that must not live in
// block content: the content hash of a block would otherwise change every
// time the watcher makes progress.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPinHistory, bucketChallengeLog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", string(b), err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

func (i *index) close() error {
	if i == nil || i.db == nil {
		return nil
	}
	return i.db.Close()
}

// AppendPinHistory appends {handle, now} to the pin log and re-exports
// the JSON history artifact.
func (s *Store) AppendPinHistory(handle string) error {
	entry := CommitLogEntry{IPFSHash: handle, Timestamp: nowUnix()}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.index.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketPinHistory)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], val)
	}); err != nil {
		return fmt.Errorf("append pin history: %w", err)
	}
	return s.exportHistory()
}

// History returns every pin-history entry in insertion order.
func (s *Store) History() ([]CommitLogEntry, error) {
	var out []CommitLogEntry
	err := s.index.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPinHistory).ForEach(func(_, v []byte) error {
			var entry CommitLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode pin history entry: %w", err)
			}
			out = append(out, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) exportHistory() error {
	entries, err := s.History()
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	raw = append(raw, '\n')
	return writeFileAtomic(s.historyPath, raw, 0o644)
}

// RecordChallengeLog stores the per-block outcome in the index and writes
// the rollup_block_{id}_log.json artifact.
func (s *Store) RecordChallengeLog(id string, entry ChallengeLogEntry) error {
	if err := validBlockID(id); err != nil {
		return err
	}
	val, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.index.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChallengeLog).Put([]byte(id), val)
	}); err != nil {
		return fmt.Errorf("record challenge log %s: %w", id, err)
	}
	return s.writeArtifact(id, "_log.json", jsonIndent(entry))
}

// ChallengeLog returns the recorded outcome for id, if any.
func (s *Store) ChallengeLog(id string) (*ChallengeLogEntry, bool, error) {
	if err := validBlockID(id); err != nil {
		return nil, false, err
	}
	var out *ChallengeLogEntry
	err := s.index.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChallengeLog).Get([]byte(id))
		if v == nil {
			return nil
		}
		var entry ChallengeLogEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			return fmt.Errorf("decode challenge log %s: %w", id, err)
		}
		out = &entry
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}
