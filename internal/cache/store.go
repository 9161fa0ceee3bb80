package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/drover-sh/drover/internal/checksum"
	"github.com/drover-sh/drover/internal/task"
)

var resultsBucket = []byte("results")

// record is the persisted form of a cache entry. Sum covers the encoded
// result so torn writes and on-disk damage surface as a checksum
// mismatch instead of a bogus result.
type record struct {
	Result    task.ExecutionResult `json:"result"`
	StoredAt  time.Time            `json:"stored_at"`
	ExpiresAt time.Time            `json:"expires_at"`
	Sum       string               `json:"sum"`
}

type store struct {
	db     *bolt.DB
	logger *slog.Logger
}

func openStore(path string, logger *slog.Logger) (*store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(resultsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare store: %w", err)
	}
	return &store{db: db, logger: logger}, nil
}

func (s *store) put(fp string, res task.ExecutionResult, expiresAt time.Time) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	buf, err := json.Marshal(record{
		Result:    res,
		StoredAt:  time.Now(),
		ExpiresAt: expiresAt,
		Sum:       checksum.SHA256Bytes(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Put([]byte(fp), buf)
	})
}

func (s *store) delete(fp string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).Delete([]byte(fp))
	})
}

func (s *store) clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(resultsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(resultsBucket)
		return err
	})
}

// load walks every persisted record and hands the valid ones to visit.
// Unreadable, corrupt, and expired records are deleted silently; damage
// to the cache must never surface as an execution failure.
func (s *store) load(now time.Time, visit func(fp string, res task.ExecutionResult, expiresAt time.Time)) error {
	var drop [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(resultsBucket).ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				s.logger.Warn("dropping unreadable cache record", "fingerprint", string(k), "error", err)
				drop = append(drop, append([]byte(nil), k...))
				return nil
			}
			payload, err := json.Marshal(rec.Result)
			if err != nil {
				drop = append(drop, append([]byte(nil), k...))
				return nil
			}
			if err := checksum.Verify(payload, rec.Sum); err != nil {
				s.logger.Warn("dropping corrupt cache record", "fingerprint", string(k), "error", err)
				drop = append(drop, append([]byte(nil), k...))
				return nil
			}
			if now.After(rec.ExpiresAt) {
				drop = append(drop, append([]byte(nil), k...))
				return nil
			}
			visit(string(k), rec.Result, rec.ExpiresAt)
			return nil
		})
	})
	if err != nil {
		return err
	}
	if len(drop) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(resultsBucket)
		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *store) close() error {
	return s.db.Close()
}
