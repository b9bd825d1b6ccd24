// Package jobs は動画解析ジョブの受付・ワーカー起動・状態管理を担います。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/semaphore"

	"github.com/yourusername/sal-tracker/internal/storage"
	"github.com/yourusername/sal-tracker/internal/worker"
)

// シャットダウン時、ワーカーを強制終了してから監視の終了を待つ時間
const killGracePeriod = 5 * time.Second

// VideoCatalog は処理対象の動画を提供します。
type VideoCatalog interface {
	HasVideo(ctx context.Context, name string) (bool, error)
	VideoPath(name string) string
}

// Launcher はワーカーを起動します。起動に成功すると終了を通知する Handle を返します。
type Launcher interface {
	Start(ctx context.Context, inv worker.Invocation) (*worker.Handle, error)
}

// Options は Manager の任意設定です。どちらも 0 なら制限なしです。
type Options struct {
	// MaxConcurrent は同時に実行できるワーカー数の上限です。
	MaxConcurrent int
	// Timeout はワーカー1件あたりの制限時間です。超えるとワーカーを終了させ error にします。
	Timeout time.Duration
}

// Manager はジョブの受付と状態管理を担います。
type Manager struct {
	store    Store
	videos   VideoCatalog
	launcher Launcher
	logger   hclog.Logger
	timeout  time.Duration
	slots    *semaphore.Weighted

	newID func() string
	now   func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewManager は Manager を初期化します。
func NewManager(store Store, videos VideoCatalog, launcher Launcher, opts Options, logger hclog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if videos == nil {
		return nil, errors.New("videos is nil")
	}
	if launcher == nil {
		return nil, errors.New("launcher is nil")
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    store,
		videos:   videos,
		launcher: launcher,
		logger:   logger.Named("jobs"),
		timeout:  opts.Timeout,
		newID:    func() string { return uuid.NewString() },
		now:      time.Now,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}
	if opts.MaxConcurrent > 0 {
		m.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return m, nil
}

// Submit はリクエストを検証してワーカーを起動し、ジョブIDを返します。
// ワーカーの終了は待ちません。結果は Status で確認します。
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	params, err := req.Validate()
	if err != nil {
		return "", err
	}

	ok, err := m.videos.HasVideo(ctx, params.Filename)
	if err != nil {
		return "", newError(KindInternal, msgStartFailed, err)
	}
	if !ok {
		return "", newError(KindNotFound, msgVideoNotFound, nil)
	}

	if !m.begin() {
		return "", newError(KindBusy, msgShuttingDown, nil)
	}
	if m.slots != nil && !m.slots.TryAcquire(1) {
		m.wg.Done()
		return "", newError(KindBusy, msgBusy, nil)
	}

	jobID := m.newID()
	threshold := params.ThresholdArg()
	record := &Record{
		JobID:       jobID,
		Filename:    params.Filename,
		TargetColor: params.TargetColor,
		Threshold:   threshold,
		Status:      StatusProcessing,
		ResultFile:  storage.ResultName(params.Filename, jobID),
		CreatedAt:   m.now().UTC(),
	}
	if err := m.store.Create(ctx, record); err != nil {
		m.release()
		m.wg.Done()
		return "", newError(KindInternal, msgStartFailed, err)
	}

	m.launch(jobID, worker.Invocation{
		JobID:       jobID,
		VideoPath:   m.videos.VideoPath(params.Filename),
		TargetColor: params.TargetColor,
		Threshold:   threshold,
	})
	return jobID, nil
}

// Status はポーリング用にジョブの状態を返します。状態は変更しません。
func (m *Manager) Status(ctx context.Context, jobID string) (*StatusView, error) {
	record, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Status: record.Status}
	if record.Status == StatusError {
		view.Error = record.Error
	}
	return view, nil
}

// Get はジョブ情報をすべて返します。
func (m *Manager) Get(ctx context.Context, jobID string) (*Record, error) {
	record, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, newError(KindInternal, msgStatusFailed, err)
	}
	if record == nil {
		return nil, newError(KindNotFound, msgJobNotFound, nil)
	}
	return record, nil
}

// List は既知のジョブを新しい順に返します。
func (m *Manager) List(ctx context.Context) ([]*Record, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, newError(KindInternal, msgStatusFailed, err)
	}
	return records, nil
}

// Shutdown は実行中のワーカーの終了を待ちます。
// ctx が先に終了した場合は残りのワーカーを強制終了し、それらのジョブは error になります。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
	}

	m.logger.Warn("shutdown deadline reached, terminating workers")
	m.cancel()
	select {
	case <-done:
	case <-time.After(killGracePeriod):
		m.logger.Error("workers did not exit after termination")
	}
	return ctx.Err()
}

func (m *Manager) launch(jobID string, inv worker.Invocation) {
	log := m.logger.With("job", jobID)

	ctx, cancel := m.baseCtx, context.CancelFunc(func() {})
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(m.baseCtx, m.timeout)
	}

	handle, err := m.launcher.Start(ctx, inv)
	if err != nil {
		// 起動失敗も終了通知として監視側に渡し、状態の書き込み経路を1つにする
		log.Error("failed to start worker", "error", err)
		handle = worker.NewHandle(0)
		handle.Complete(worker.Exit{Code: -1, Err: err})
	}

	go m.supervise(jobID, handle, cancel, log)
}

func (m *Manager) supervise(jobID string, handle *worker.Handle, cancel context.CancelFunc, log hclog.Logger) {
	defer m.wg.Done()
	defer m.release()
	defer cancel()

	exit, ok := <-handle.Done()
	if !ok {
		exit = worker.Exit{Code: -1, Err: errors.New("worker handle closed without exit status")}
	}

	outcome := m.outcomeFor(exit)
	// リクエストのコンテキストは既に終わっているため、独立したコンテキストで書き込む
	if err := m.store.Finish(context.Background(), jobID, outcome); err != nil {
		log.Error("failed to record job result", "status", outcome.Status, "error", err)
		return
	}
	log.Info("job finished", "status", outcome.Status)
}

func (m *Manager) outcomeFor(exit worker.Exit) Outcome {
	if exit.Success() {
		code := exit.Code
		return Outcome{Status: StatusDone, ExitCode: &code}
	}

	var message string
	switch {
	case errors.Is(exit.Err, context.DeadlineExceeded):
		message = fmt.Sprintf("worker timed out after %s", m.timeout)
	case errors.Is(exit.Err, context.Canceled):
		message = "server shutting down"
	case exit.Err != nil:
		message = exit.Err.Error()
	default:
		message = fmt.Sprintf("worker exited with code %d", exit.Code)
		if exit.Stderr != "" {
			message += ": " + exit.Stderr
		}
	}

	outcome := Outcome{Status: StatusError, Error: workerFailurePrefix + message}
	if exit.Err == nil {
		code := exit.Code
		outcome.ExitCode = &code
	}
	return outcome
}

// begin は実行中ジョブとして登録します。シャットダウン開始後は false を返します。
func (m *Manager) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) release() {
	if m.slots != nil {
		m.slots.Release(1)
	}
}
