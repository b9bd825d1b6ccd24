package worker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript は一時ディレクトリにシェルスクリプトのワーカーを作成します。
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script workers require a unix shell")
	}
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func waitExit(t *testing.T, h *Handle) Exit {
	t.Helper()
	select {
	case exit, ok := <-h.Done():
		require.True(t, ok, "done channel closed without exit")
		return exit
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not finish in time")
		return Exit{}
	}
}

func TestRunnerPassesPositionalArgs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	script := writeScript(t, `printf '%s\n' "$@" > "`+out+`"
echo "Video duration: 3.00 seconds"
exit 0
`)

	r := NewRunner(Options{Path: script}, nil)
	h, err := r.Start(context.Background(), Invocation{
		JobID:       "job-1",
		VideoPath:   "/videos/video1.mp4",
		TargetColor: "FF00AA",
		Threshold:   "50",
	})
	require.NoError(t, err)
	assert.Positive(t, h.PID())

	exit := waitExit(t, h)
	assert.True(t, exit.Success())
	assert.Equal(t, 0, exit.Code)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"/videos/video1.mp4", "FF00AA", "50", "job-1"}, strings.Fields(string(data)))

	// 通知は1回だけで、その後チャネルは閉じられる
	_, ok := <-h.Done()
	assert.False(t, ok)
}

func TestRunnerReportsNonZeroExit(t *testing.T) {
	script := writeScript(t, `echo "Error parsing color or threshold." >&2
exit 3
`)

	h, err := NewRunner(Options{Path: script}, nil).Start(context.Background(), Invocation{JobID: "job-2"})
	require.NoError(t, err)

	exit := waitExit(t, h)
	assert.False(t, exit.Success())
	assert.Equal(t, 3, exit.Code)
	assert.NoError(t, exit.Err)
	assert.Equal(t, "Error parsing color or threshold.", exit.Stderr)
}

func TestRunnerPassesEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	script := writeScript(t, `echo "$RESULT_PATH" > "`+out+`"
`)

	r := NewRunner(Options{Path: script, Env: []string{"RESULT_PATH=/srv/results"}}, nil)
	h, err := r.Start(context.Background(), Invocation{JobID: "job-3"})
	require.NoError(t, err)
	require.True(t, waitExit(t, h).Success())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "/srv/results", strings.TrimSpace(string(data)))
}

func TestRunnerStartFailure(t *testing.T) {
	r := NewRunner(Options{Path: filepath.Join(t.TempDir(), "missing-worker")}, nil)

	h, err := r.Start(context.Background(), Invocation{JobID: "job-4"})
	assert.Error(t, err)
	assert.Nil(t, h)
}

func TestRunnerKillsWorkerWhenContextEnds(t *testing.T) {
	script := writeScript(t, `sleep 30
`)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	h, err := NewRunner(Options{Path: script}, nil).Start(ctx, Invocation{JobID: "job-5"})
	require.NoError(t, err)

	exit := waitExit(t, h)
	assert.ErrorIs(t, exit.Err, context.DeadlineExceeded)
	assert.False(t, exit.Success())
	assert.Less(t, time.Since(started), 10*time.Second)
}

func TestRunnerReportsExitWhileChildHoldsOutput(t *testing.T) {
	// バックグラウンドの子プロセスが標準出力・標準エラーを保持したまま残る
	script := writeScript(t, `sleep 5 &
echo "Video duration: 3.00 seconds"
exit 0
`)

	started := time.Now()
	h, err := NewRunner(Options{Path: script}, nil).Start(context.Background(), Invocation{JobID: "job-6"})
	require.NoError(t, err)

	exit := waitExit(t, h)
	assert.True(t, exit.Success(), "%+v", exit)
	assert.Less(t, time.Since(started), 3*time.Second)
}

func runShell(t *testing.T, script string) *os.ProcessState {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
	cmd := exec.Command("sh", "-c", script)
	_ = cmd.Run()
	require.NotNil(t, cmd.ProcessState)
	return cmd.ProcessState
}

func TestClassifyExit(t *testing.T) {
	exited := runShell(t, "exit 0")
	failed := runShell(t, "exit 3")
	signaled := runShell(t, "kill -9 $$")
	other := errors.New("wait failed")

	tests := []struct {
		name     string
		state    *os.ProcessState
		waitErr  error
		killErr  error
		wantCode int
		wantErr  error
	}{
		{name: "success", state: exited, wantCode: 0},
		{name: "non zero exit", state: failed, waitErr: &exec.ExitError{ProcessState: failed}, wantCode: 3},
		{name: "killed", state: signaled, waitErr: &exec.ExitError{ProcessState: signaled}, killErr: context.DeadlineExceeded, wantCode: -1, wantErr: context.DeadlineExceeded},
		{name: "deadline after normal exit", state: exited, killErr: context.DeadlineExceeded, wantCode: 0},
		{name: "lingering output", state: exited, waitErr: exec.ErrWaitDelay, wantCode: 0},
		{name: "wait failure", waitErr: other, wantCode: -1, wantErr: other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := classifyExit(tt.state, tt.waitErr, tt.killErr)
			assert.Equal(t, tt.wantCode, code)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestRunnerJarCommand(t *testing.T) {
	r := NewRunner(Options{Path: "/app/processor.JAR", JavaPath: "/usr/bin/java"}, nil)

	name, args := r.Command(Invocation{JobID: "id", VideoPath: "/v.mp4", TargetColor: "00FF00", Threshold: "12.5"})
	assert.Equal(t, "/usr/bin/java", name)
	assert.Equal(t, []string{"-jar", "/app/processor.JAR", "/v.mp4", "00FF00", "12.5", "id"}, args)

	name, _ = NewRunner(Options{Path: "/app/p.jar"}, nil).Command(Invocation{})
	assert.Equal(t, "java", name)
}

func TestHandleCompleteOnce(t *testing.T) {
	h := NewHandle(42)
	h.Complete(Exit{Code: 0})
	h.Complete(Exit{Code: 1})

	exit := <-h.Done()
	assert.Equal(t, 0, exit.Code)
	_, ok := <-h.Done()
	assert.False(t, ok)
}

func TestTailBufferLastLine(t *testing.T) {
	b := &tailBuffer{limit: 16}
	_, _ = b.Write([]byte("first line\nsecond\n\n"))
	assert.Equal(t, "second", b.LastLine())

	_, _ = b.Write([]byte("a much longer trailing line"))
	assert.Len(t, b.buf, 16)
	assert.Equal(t, "er trailing line", b.LastLine())
}
