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
	jobKeyPrefix = "job:"

	// 楽観ロックの衝突時に再試行する回数
	maxTxAttempts = 16
)

// errNoChange は mutate が書き込み不要と判断したことを表します。
var errNoChange = errors.New("no change")

// Store はジョブ状態を Redis に保存します。
// 書き込みは WATCH/MULTI による楽観ロックで行い、試行番号でフェンシングします。
type Store struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

// NewStore は Store を作成します。namespace はキーの接頭辞に使われます。
func NewStore(rdb redis.UniversalClient, namespace string, retention time.Duration) *Store {
	prefix := jobKeyPrefix
	if namespace != "" {
		prefix = namespace + ":" + jobKeyPrefix
	}
	return &Store{
		rdb:       rdb,
		prefix:    prefix,
		retention: retention,
		now:       time.Now,
	}
}

// ClaimResult は Claim の結果です。
type ClaimResult struct {
	Record *Record
	// Recovered は前の試行が RUNNING のまま終わっていたことを表します（ワーカー異常終了からの再配信）。
	Recovered       bool
	PreviousAttempt int64
}

// Get はジョブ情報を取得します。存在しない場合は nil を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, s.key(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &record, nil
}

// Create は PENDING のレコードを作成します。同じIDのレコードが既にある場合はエラーです。
// 終端状態になるまでレコードは期限切れになりません。
func (s *Store) Create(ctx context.Context, record *Record) error {
	ok, err := s.createPending(ctx, record)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s already exists", record.JobID)
	}
	return nil
}

// Restore はキューに残っているエンベロープから PENDING のレコードを作り直します。
// レコードが既に存在する場合は何もしません。
func (s *Store) Restore(ctx context.Context, env Envelope) error {
	_, err := s.createPending(ctx, &Record{
		JobID:         env.JobID,
		CorrelationID: env.CorrelationID,
		SubmittedAt:   env.SubmittedAt,
	})
	return err
}

func (s *Store) createPending(ctx context.Context, record *Record) (bool, error) {
	if record == nil {
		return false, fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return false, fmt.Errorf("jobID is required")
	}
	now := s.now().UTC()
	if record.SubmittedAt.IsZero() {
		record.SubmittedAt = now
	}
	record.State = StatePending
	record.Progress = 0
	record.UpdatedAt = now
	record.ExpiresAt = time.Time{}

	payload, err := json.Marshal(record)
	if err != nil {
		return false, err
	}
	return s.rdb.SetNX(ctx, s.key(record.JobID), payload, 0).Result()
}

// Claim は試行 attempt でジョブを RUNNING にします。
// 終端状態なら ErrTerminal、より新しい試行が既に取得済みなら ErrStaleAttempt を返します。
func (s *Store) Claim(ctx context.Context, jobID string, attempt int64) (*ClaimResult, error) {
	var result ClaimResult
	record, err := s.update(ctx, jobID, func(record *Record) error {
		if record.State.Terminal() {
			return ErrTerminal
		}
		if attempt <= record.Attempt {
			return ErrStaleAttempt
		}
		result.Recovered = record.State == StateRunning
		result.PreviousAttempt = record.Attempt

		started := s.now().UTC()
		record.State = StateRunning
		record.Attempt = attempt
		record.Progress = 0
		record.Stage = ""
		record.StartedAt = &started
		record.Result = nil
		record.Error = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Record = record
	return &result, nil
}

// UpdateProgress は進捗を更新します。現在値以下の進捗は無視します（単調増加）。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, attempt int64, percent int, stage string) error {
	percent = clampPercent(percent)
	_, err := s.update(ctx, jobID, func(record *Record) error {
		if err := checkOwner(record, attempt); err != nil {
			return err
		}
		if record.State != StateRunning {
			return ErrStaleAttempt
		}
		if percent <= record.Progress {
			return errNoChange
		}
		record.Progress = percent
		record.Stage = stage
		return nil
	})
	return err
}

// Complete はジョブ完了時の結果を保存します。
func (s *Store) Complete(ctx context.Context, jobID string, attempt int64, result json.RawMessage) error {
	_, err := s.update(ctx, jobID, func(record *Record) error {
		if err := checkOwner(record, attempt); err != nil {
			return err
		}
		finished := s.now().UTC()
		record.State = StateSucceeded
		record.Progress = 100
		record.Result = result
		record.Error = nil
		record.FinishedAt = &finished
		return nil
	})
	return err
}

// Fail はジョブ失敗時の情報を保存します。
// attempt が保存済みの試行より大きい場合（取得前に失敗させる場合）も受け付けます。
func (s *Store) Fail(ctx context.Context, jobID string, attempt int64, info *ErrorInfo) error {
	if info == nil {
		return fmt.Errorf("error info is required")
	}
	_, err := s.update(ctx, jobID, func(record *Record) error {
		if record.State.Terminal() {
			return ErrTerminal
		}
		if attempt < record.Attempt {
			return ErrStaleAttempt
		}
		finished := s.now().UTC()
		record.State = StateFailed
		record.Attempt = attempt
		record.Result = nil
		record.Error = info
		if info.Stage != "" && record.Stage == "" {
			record.Stage = info.Stage
		}
		record.FinishedAt = &finished
		return nil
	})
	return err
}

// update は WATCH で読み取り、mutate の結果を MULTI/EXEC で書き戻します。
func (s *Store) update(ctx context.Context, jobID string, mutate func(*Record) error) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	key := s.key(jobID)

	var out *Record
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("decode job %s: %w", jobID, err)
		}
		if err := mutate(&record); err != nil {
			return err
		}
		record.UpdatedAt = s.now().UTC()
		ttl := s.ttl(&record)
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			out = &record
		}
		return err
	}

	for i := 0; i < maxTxAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, errNoChange):
			return nil, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", jobID)
}

// ttl は保存期間を決め、ExpiresAt を合わせます。
// 期限は終端状態のレコードにだけ付き、finished_at から数えます。
func (s *Store) ttl(record *Record) time.Duration {
	record.ExpiresAt = time.Time{}
	if !record.State.Terminal() || s.retention <= 0 || record.FinishedAt == nil {
		return 0
	}
	record.ExpiresAt = record.FinishedAt.Add(s.retention)
	return s.retention
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

func checkOwner(record *Record, attempt int64) error {
	if record.State.Terminal() {
		return ErrTerminal
	}
	if attempt != record.Attempt {
		return ErrStaleAttempt
	}
	return nil
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
