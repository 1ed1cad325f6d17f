package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"

	"command-codes/internal/domain"
	"command-codes/internal/domain/model"
	"command-codes/internal/domain/ports/repository"
	"command-codes/internal/infra/metrics"
)

const (
	backendName = "redis"

	// DefaultRecordsKey is the list holding one JSON record per element.
	DefaultRecordsKey = "ccode:records"

	pageSize = 256

	lockTTL = 30 * time.Second
)

var _ repository.RecordStore = (*RecordStore)(nil)

// RecordStore keeps records as a Redis list. An empty list does not exist in
// Redis, so a marker key records that the store was created.
type RecordStore struct {
	client RedisClient
	key    string
	marker string
	locker Locker // optional
	log    *zerolog.Logger
}

func NewRecordStore(client RedisClient, key string, logger *zerolog.Logger) *RecordStore {
	if key == "" {
		key = DefaultRecordsKey
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "RedisRecordStore").Str("key", key).Logger()
	return &RecordStore{client: client, key: key, marker: key + ":created", log: &l}
}

// WithLocker makes ReplaceAll hold a Redis lock for the duration of the rewrite.
func (s *RecordStore) WithLocker(l Locker) *RecordStore {
	s.locker = l
	return s
}

func (s *RecordStore) Backend() string { return backendName }

func (s *RecordStore) storageErr(op string, err error) *domain.StorageError {
	return domain.NewStorageError(backendName, op, s.key, err)
}

func (s *RecordStore) Exists(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.marker)
	if err != nil {
		return false, s.storageErr("stat", err)
	}
	return n > 0, nil
}

func (s *RecordStore) Create(ctx context.Context) error {
	if err := s.client.SetNX(ctx, s.marker, 1); err != nil {
		return s.storageErr("create", err)
	}
	return nil
}

// ReadAll pages through the list with LRANGE.
func (s *RecordStore) ReadAll(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		result := "ok"
		defer metrics.ObserveStoreOp(backendName, "read_all", time.Now(), &result)

		ok, err := s.Exists(ctx)
		if err != nil {
			result = "error"
			yield(model.Record{}, err)
			return
		}
		if !ok {
			result = "error"
			yield(model.Record{}, s.storageErr("open", fmt.Errorf("store %q was never created", s.key)))
			return
		}

		var start int64
		for {
			page, err := s.client.LRange(ctx, s.key, start, start+pageSize-1)
			if err != nil {
				result = "error"
				yield(model.Record{}, s.storageErr("read", err))
				return
			}
			for i, raw := range page {
				var rec model.Record
				if err := json.Unmarshal([]byte(raw), &rec); err != nil {
					result = "error"
					yield(model.Record{}, s.storageErr("parse", fmt.Errorf("record %d: %w", start+int64(i), err)))
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			start += pageSize
		}
	}
}

// ReplaceAll swaps the list contents in one MULTI/EXEC, so the previous list
// survives any failure before EXEC.
func (s *RecordStore) ReplaceAll(ctx context.Context, records []model.Record) error {
	result := "ok"
	defer metrics.ObserveStoreOp(backendName, "replace_all", time.Now(), &result)

	if err := ctx.Err(); err != nil {
		result = "error"
		return s.storageErr("replace", err)
	}
	values := make([]string, 0, len(records))
	for i := range records {
		rec := records[i]
		if rec.Redeemers == nil {
			rec.Redeemers = []string{}
		}
		b, err := json.Marshal(&rec)
		if err != nil {
			result = "error"
			return s.storageErr("encode", fmt.Errorf("record %d: %w", i, err))
		}
		values = append(values, string(b))
	}
	if s.locker != nil {
		lockKey := s.key + ":lock"
		token, err := s.locker.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			result = "error"
			return s.storageErr("lock", err)
		}
		defer func() {
			if err := s.locker.Unlock(ctx, lockKey, token); err != nil {
				s.log.Warn().Err(err).Msg("could not release rewrite lock")
			}
		}()
	}
	if err := s.client.ReplaceList(ctx, s.key, s.marker, values); err != nil {
		result = "rolled_back"
		s.log.Error().Err(err).Int("records", len(records)).Msg("rewrite failed, transaction discarded")
		return s.storageErr("replace", err)
	}
	s.log.Debug().Int("records", len(records)).Msg("replace committed")
	return nil
}
