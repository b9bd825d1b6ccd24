package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store はジョブ状態の保存先です。複数のリクエストとワーカー監視から同時に呼ばれます。
type Store interface {
	// Create は新しいジョブを保存します。同じIDが既にあれば ErrJobExists を返します。
	Create(ctx context.Context, record *Record) error
	// Get はジョブを取得します。存在しない場合は (nil, nil) を返します。
	Get(ctx context.Context, jobID string) (*Record, error)
	// Finish はジョブを終了状態にします。既に終了していれば ErrAlreadyFinished を返します。
	Finish(ctx context.Context, jobID string, outcome Outcome) error
	// List は全ジョブを作成日時の新しい順で返します。
	List(ctx context.Context) ([]*Record, error)
}

// MemoryStore はプロセス内のマップにジョブ状態を保持します。再起動すると消えます。
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Record
	now  func() time.Time
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Record),
		now:  time.Now,
	}
}

// Create はジョブを保存します。
func (s *MemoryStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[record.JobID]; ok {
		return ErrJobExists
	}
	stored := record.Clone()
	stampCreated(stored, s.now().UTC())
	s.jobs[record.JobID] = stored
	return nil
}

// Get はジョブのコピーを返します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

// Finish はジョブを終了状態にします。
func (s *MemoryStore) Finish(ctx context.Context, jobID string, outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", outcome.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if record.Status.IsTerminal() {
		return ErrAlreadyFinished
	}
	applyOutcome(record, outcome, s.now().UTC())
	return nil
}

// List は全ジョブのコピーを返します。
func (s *MemoryStore) List(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	records := make([]*Record, 0, len(s.jobs))
	for _, r := range s.jobs {
		records = append(records, r.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(records)
	return records, nil
}

func stampCreated(record *Record, now time.Time) {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
}

func applyOutcome(record *Record, outcome Outcome, now time.Time) {
	record.Status = outcome.Status
	record.Error = ""
	if outcome.Status == StatusError {
		record.Error = outcome.Error
	}
	record.ExitCode = nil
	if outcome.ExitCode != nil {
		code := *outcome.ExitCode
		record.ExitCode = &code
	}
	record.UpdatedAt = now
	record.FinishedAt = &now
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].JobID < records[j].JobID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
