// Package worker は外部の解析ワーカー（centroid finder）をサブプロセスとして起動します。
package worker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	maxOutputLine = 1024 * 1024

	// ワーカー終了後、残った子プロセスが出力を閉じるまで待つ時間
	outputDrainTimeout = time.Second
)

// Invocation はワーカー1回分の位置引数です。
type Invocation struct {
	JobID       string
	VideoPath   string
	TargetColor string
	Threshold   string
}

// Args はワーカーに渡す位置引数を契約どおりの順序で返します。
func (inv Invocation) Args() []string {
	return []string{inv.VideoPath, inv.TargetColor, inv.Threshold, inv.JobID}
}

// Exit はワーカー終了時の情報です。
type Exit struct {
	// Code は終了コードです。シグナルで終了した場合などは -1 になります。
	Code int
	// Err は終了コード以外の理由で終了した場合に設定されます（タイムアウト、キャンセル、Wait の失敗）。
	Err error
	// Stderr は標準エラー出力の最後の行です。
	Stderr string
}

// Success は正常終了かどうかを返します。
func (e Exit) Success() bool {
	return e.Err == nil && e.Code == 0
}

// Handle は起動済みワーカーへの参照です。終了時に Done から Exit がちょうど1回届きます。
type Handle struct {
	pid  int
	done chan Exit
	once sync.Once
}

// NewHandle は Handle を作成します。
func NewHandle(pid int) *Handle {
	return &Handle{
		pid:  pid,
		done: make(chan Exit, 1),
	}
}

// PID はワーカーのプロセスIDです。
func (h *Handle) PID() int {
	return h.pid
}

// Done は終了通知を受け取るチャネルを返します。
func (h *Handle) Done() <-chan Exit {
	return h.done
}

// Complete は終了を通知します。2回目以降の呼び出しは無視されます。
func (h *Handle) Complete(exit Exit) {
	h.once.Do(func() {
		h.done <- exit
		close(h.done)
	})
}

// Options は Runner の設定です。
type Options struct {
	// Path はワーカーのパスです。拡張子が .jar の場合は JavaPath -jar Path で起動します。
	Path     string
	JavaPath string
	// Env はワーカーに追加で渡す環境変数（KEY=VALUE）です。
	Env []string
}

// Runner はワーカープロセスを起動します。
type Runner struct {
	command string
	prefix  []string
	env     []string
	logger  hclog.Logger
}

// NewRunner は Runner を作成します。
func NewRunner(opts Options, logger hclog.Logger) *Runner {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	r := &Runner{
		env:    opts.Env,
		logger: logger.Named("worker"),
	}
	if strings.EqualFold(filepath.Ext(opts.Path), ".jar") {
		java := opts.JavaPath
		if java == "" {
			java = "java"
		}
		r.command = java
		r.prefix = []string{"-jar", opts.Path}
	} else {
		r.command = opts.Path
	}
	return r
}

// Command は inv に対して実行されるコマンドと引数を返します。
func (r *Runner) Command(inv Invocation) (string, []string) {
	args := make([]string, 0, len(r.prefix)+4)
	args = append(args, r.prefix...)
	args = append(args, inv.Args()...)
	return r.command, args
}

// Start はワーカーを起動し、完了を待たずに Handle を返します。
// ctx が終了するとワーカーのプロセスグループごと強制終了します。
func (r *Runner) Start(ctx context.Context, inv Invocation) (*Handle, error) {
	if r.command == "" {
		return nil, errors.New("worker path is not configured")
	}

	name, args := r.Command(inv)
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), r.env...)

	// 標準出力を引き継いだ子プロセスが残っても、ワーカー本体の終了で完了扱いにする
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	cmd.WaitDelay = outputDrainTimeout
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		stdoutW.Close()
		stdoutR.Close()
		return nil, err
	}

	h := NewHandle(cmd.Process.Pid)
	log := r.logger.With("job", inv.JobID, "pid", h.pid)
	log.Info("worker started", "command", name, "args", args)

	go r.wait(ctx, cmd, stdoutR, stdoutW, stderr, h, log)
	return h, nil
}

func (r *Runner) wait(ctx context.Context, cmd *exec.Cmd, stdoutR *io.PipeReader, stdoutW *io.PipeWriter, stderr *tailBuffer, h *Handle, log hclog.Logger) {
	var (
		killMu sync.Mutex
		killed error
	)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			killMu.Lock()
			if terminateProcess(cmd) {
				killed = ctx.Err()
			}
			killMu.Unlock()
		case <-stopped:
		}
	}()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		logOutput(stdoutR, log)
	}()

	waitErr := cmd.Wait()
	close(stopped)
	stdoutW.Close()
	<-scanned

	killMu.Lock()
	killErr := killed
	killMu.Unlock()

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		log.Warn("worker left processes holding its output open")
	}

	code, err := classifyExit(cmd.ProcessState, waitErr, killErr)
	exit := Exit{Code: code, Err: err, Stderr: stderr.LastLine()}
	if exit.Success() {
		log.Info("worker exited", "code", exit.Code)
	} else {
		log.Warn("worker failed", "code", exit.Code, "error", exit.Err, "stderr", exit.Stderr)
	}
	h.Complete(exit)
}

// classifyExit は終了状態から終了コードと異常終了の理由を決めます。
// killErr は強制終了を送った場合のみ設定され、プロセスが自分で終了していた場合は無視します。
func classifyExit(state *os.ProcessState, waitErr, killErr error) (int, error) {
	code := -1
	if state != nil {
		code = state.ExitCode()
	}
	if killErr != nil && (state == nil || !state.Exited()) {
		return code, killErr
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		return code, waitErr
	}
	return code, nil
}

func logOutput(stdout io.Reader, log hclog.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLine)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Info("worker output", "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("stop reading worker output", "error", err)
		// パイプを読み切らないとワーカーが書き込みでブロックする
		_, _ = io.Copy(io.Discard, stdout)
	}
}

// tailBuffer は書き込まれた内容の末尾 limit バイトだけを保持します。
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

// LastLine は最後の空でない行を返します。
func (b *tailBuffer) LastLine() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := strings.Split(strings.TrimSpace(string(b.buf)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
