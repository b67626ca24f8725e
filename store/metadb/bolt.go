package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Index using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketRecords,
			bucketByExpiry,
			bucketByCreated,
			bucketExpiryByKey,
			bucketCreatedByKey,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// Put stores a record, replacing any existing one for the same
// (key, format) pair and refreshing both time indexes.
func (b *BoltDB) Put(_ context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling record: %w", err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		compoundKey := makeRecordKey(rec.Key, rec.Format)

		if err := records.Put(compoundKey, data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}

		if err := updateTimeIndex(tx, bucketByExpiry, bucketExpiryByKey, rec.Key, rec.Format, &rec.ExpiresAt); err != nil {
			return err
		}
		return updateTimeIndex(tx, bucketByCreated, bucketCreatedByKey, rec.Key, rec.Format, &rec.CreatedAt)
	})
}

// updateTimeIndex maintains a forward+reverse time index pair.
// If t is nil, only deletes existing index entries.
func updateTimeIndex(tx *bbolt.Tx, forward, reverse []byte, key, format string, t *time.Time) error {
	forwardBucket := tx.Bucket(forward)
	reverseBucket := tx.Bucket(reverse)
	if forwardBucket == nil || reverseBucket == nil {
		return nil
	}

	compoundKey := makeRecordKey(key, format)

	// Delete the old forward entry via the reverse index (O(1))
	if tsBytes := reverseBucket.Get(compoundKey); tsBytes != nil {
		oldKey := makeTimeIndexKey(decodeTimestamp(tsBytes), key, format)
		if err := forwardBucket.Delete(oldKey); err != nil {
			return fmt.Errorf("deleting old index entry: %w", err)
		}
		if err := reverseBucket.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting reverse index entry: %w", err)
		}
	}

	if t != nil {
		indexKey := makeTimeIndexKey(*t, key, format)
		if err := forwardBucket.Put(indexKey, compoundKey); err != nil {
			return fmt.Errorf("putting index entry: %w", err)
		}
		if err := reverseBucket.Put(compoundKey, encodeTimestamp(*t)); err != nil {
			return fmt.Errorf("putting reverse index entry: %w", err)
		}
	}

	return nil
}

// Get retrieves a record by key and format.
func (b *BoltDB) Get(_ context.Context, key, format string) (*Record, error) {
	var rec *Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get(makeRecordKey(key, format))
		if val == nil {
			return ErrNotFound
		}
		rec = &Record{}
		return json.Unmarshal(val, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Delete removes a record and its index entries.
// Returns ErrNotFound if the record does not exist.
func (b *BoltDB) Delete(_ context.Context, key, format string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		compoundKey := makeRecordKey(key, format)

		if records.Get(compoundKey) == nil {
			return ErrNotFound
		}

		if err := records.Delete(compoundKey); err != nil {
			return fmt.Errorf("deleting record: %w", err)
		}

		if err := updateTimeIndex(tx, bucketByExpiry, bucketExpiryByKey, key, format, nil); err != nil {
			return err
		}
		return updateTimeIndex(tx, bucketByCreated, bucketCreatedByKey, key, format, nil)
	})
}

// Expired returns up to limit records whose expiry time is before the
// given cutoff, oldest expiry first.
func (b *BoltDB) Expired(_ context.Context, before time.Time, limit int) ([]Ref, error) {
	var refs []Ref
	cutoff := encodeTimestamp(before)

	err := b.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketByExpiry).Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if bytes.Compare(k[:8], cutoff) >= 0 {
				break
			}
			_, key, format := parseTimeIndexKey(k)
			refs = append(refs, Ref{Key: key, Format: format})
			if limit > 0 && len(refs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// ScanOldest visits records ordered by creation time ascending until fn
// returns false or the index is exhausted.
func (b *BoltDB) ScanOldest(_ context.Context, fn func(rec *Record) bool) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(bucketRecords)
		cursor := tx.Bucket(bucketByCreated).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			val := records.Get(v)
			if val == nil {
				// index entry without a record, skip
				continue
			}
			rec := &Record{}
			if err := json.Unmarshal(val, rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			if !fn(rec) {
				return nil
			}
		}
		return nil
	})
}

// List returns refs for every record in the index.
func (b *BoltDB) List(_ context.Context) ([]Ref, error) {
	var refs []Ref
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, _ []byte) error {
			key, format := parseRecordKey(k)
			refs = append(refs, Ref{Key: key, Format: format})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// TotalSize returns the sum of record sizes in bytes.
func (b *BoltDB) TotalSize(ctx context.Context) (int64, error) {
	stats, err := b.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.TotalSize, nil
}

// Stats computes aggregate statistics from the index.
func (b *BoltDB) Stats(_ context.Context) (*Stats, error) {
	stats := &Stats{PerFormat: make(map[string]int)}
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(_, v []byte) error {
			rec := &Record{}
			if err := json.Unmarshal(v, rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			stats.TotalFiles++
			stats.TotalSize += rec.Size
			stats.PerFormat[rec.Format]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// Compile-time interface check
var _ Index = (*BoltDB)(nil)
