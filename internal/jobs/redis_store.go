package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix  = "job:"
	maxTxAttempts = 16
	scanBatch     = 100

	msgRestarted = workerFailurePrefix + "server restarted before the worker finished"
)

// RedisStore はジョブ状態を Redis に保存します。
// 複数の API プロセスで状態を共有したい場合に使います。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合は期限なしで保存します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Create はジョブを保存します（既に存在する場合は ErrJobExists）。
func (s *RedisStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}

	stored := record.Clone()
	stampCreated(stored, s.now().UTC())
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}

	ok, err := s.rdb.SetNX(ctx, jobKey(record.JobID), payload, s.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobExists
	}
	return nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Finish はジョブを終了状態にします。
func (s *RedisStore) Finish(ctx context.Context, jobID string, outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", outcome.Status)
	}
	return s.update(ctx, jobID, func(record *Record) error {
		if record.Status.IsTerminal() {
			return ErrAlreadyFinished
		}
		applyOutcome(record, outcome, s.now().UTC())
		return nil
	})
}

// List は全ジョブを返します。
func (s *RedisStore) List(ctx context.Context) ([]*Record, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(keys))
	if len(keys) == 0 {
		return records, nil
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// SCAN と MGET の間に期限切れになったキー
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", keys[i], err)
		}
		records = append(records, &record)
	}

	sortNewestFirst(records)
	return records, nil
}

// RecoverOrphans は processing のまま残っているジョブを error にします。
// ワーカーは監視していたプロセスと一緒に終了するため、起動時に呼び出します。
func (s *RedisStore) RecoverOrphans(ctx context.Context) ([]string, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	var recovered []string
	for _, record := range records {
		if record.Status.IsTerminal() {
			continue
		}
		err := s.Finish(ctx, record.JobID, Outcome{
			Status: StatusError,
			Error:  msgRestarted,
		})
		switch {
		case err == nil:
			recovered = append(recovered, record.JobID)
		case errors.Is(err, ErrAlreadyFinished), errors.Is(err, ErrJobNotFound):
		default:
			return recovered, err
		}
	}
	return recovered, nil
}

func (s *RedisStore) update(ctx context.Context, jobID string, mutate func(*Record) error) error {
	key := jobKey(jobID)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return ErrJobNotFound
				}
				return err
			}
			var record Record
			if err := json.Unmarshal(data, &record); err != nil {
				return err
			}
			if err := mutate(&record); err != nil {
				return err
			}
			payload, err := json.Marshal(&record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, redis.KeepTTL)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("job %s: too many concurrent updates", jobID)
}

func (s *RedisStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, jobKeyPrefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
