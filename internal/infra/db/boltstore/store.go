// Package boltstore keeps code records in a single bbolt bucket, keyed by
// their big-endian position. ReplaceAll runs in one write transaction, so a
// failed rewrite is rolled back by bbolt and the previous contents survive.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/infra/metrics"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

const (
	backendName = "bolt"

	// DefaultBucket is used when no bucket name is configured.
	DefaultBucket = "codes"

	pageSize = 256
)

var _ repository.RecordStore = (*Store)(nil)

// Store is a bbolt-backed RecordStore. It owns the database handle.
type Store struct {
	db     *bbolt.DB
	path   string
	bucket []byte
	log    *zerolog.Logger
}

// Open opens (or creates) the database file at path.
func Open(path, bucket string, logger *zerolog.Logger) (*Store, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "BoltStore").Str("path", path).Logger()

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, domain.NewStorageError(backendName, "open", path, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, domain.NewStorageError(backendName, "open", path, err)
	}
	l.Debug().Str("bucket", bucket).Msg("bolt store opened")
	return &Store{db: db, path: path, bucket: []byte(bucket), log: &l}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Backend() string { return backendName }

func (s *Store) storageErr(op string, err error) *domain.StorageError {
	return domain.NewStorageError(backendName, op, s.path, err)
}

// Exists reports whether the bucket has been created.
func (s *Store) Exists(ctx context.Context) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(s.bucket) != nil
		return nil
	})
	if err != nil {
		return false, s.storageErr("stat", err)
	}
	return ok, nil
}

func (s *Store) Create(ctx context.Context) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return s.storageErr("create", err)
	}
	return nil
}

func key(i uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], i)
	return b[:]
}

// ReadAll yields records in position order. Records are fetched in pages so
// no read transaction stays open while the caller processes them.
func (s *Store) ReadAll(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		result := "ok"
		defer metrics.ObserveStoreOp(backendName, "read_all", time.Now(), &result)

		var after []byte
		index := 0
		for {
			if err := ctx.Err(); err != nil {
				result = "error"
				yield(model.Record{}, s.storageErr("read", err))
				return
			}
			page, last, err := s.readPage(after, index)
			if err != nil {
				result = "error"
				yield(model.Record{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			index += len(page)
			after = last
		}
	}
}

func (s *Store) readPage(after []byte, index int) ([]model.Record, []byte, error) {
	var (
		page []model.Record
		last []byte
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return s.storageErr("open", fmt.Errorf("bucket %q: %w", s.bucket, os.ErrNotExist))
		}
		c := b.Cursor()
		var k, v []byte
		if after == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(after)
			if k != nil && bytes.Equal(k, after) {
				k, v = c.Next()
			}
		}
		for ; k != nil && len(page) < pageSize; k, v = c.Next() {
			var rec model.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return s.storageErr("parse", fmt.Errorf("record %d: %w", index+len(page), err))
			}
			page = append(page, rec)
			last = append(last[:0], k...)
		}
		return nil
	})
	return page, last, err
}

// ReplaceAll drops and refills the bucket inside one write transaction.
func (s *Store) ReplaceAll(ctx context.Context, records []model.Record) error {
	result := "ok"
	defer metrics.ObserveStoreOp(backendName, "replace_all", time.Now(), &result)

	if err := ctx.Err(); err != nil {
		result = "error"
		return s.storageErr("replace", err)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(s.bucket) != nil {
			if err := tx.DeleteBucket(s.bucket); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
		}
		b, err := tx.CreateBucket(s.bucket)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		for i := range records {
			rec := records[i]
			if rec.Redeemers == nil {
				rec.Redeemers = []string{}
			}
			v, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			if err := b.Put(key(uint64(i)), v); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		result = "rolled_back"
		s.log.Error().Err(err).Int("records", len(records)).Msg("rewrite failed, transaction rolled back")
		return s.storageErr("replace", err)
	}
	s.log.Debug().Int("records", len(records)).Msg("replace committed")
	return nil
}
