package video

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Thumbnailer は ffmpeg で動画の先頭フレームを JPEG として取り出します。
type Thumbnailer struct {
	ffmpegPath string
}

// NewThumbnailer は Thumbnailer を作成します。ffmpegPath が空なら PATH 上の ffmpeg を使います。
func NewThumbnailer(ffmpegPath string) *Thumbnailer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Thumbnailer{ffmpegPath: ffmpegPath}
}

// Frame は videoPath の 0 秒地点のフレームを JPEG で返します。
func (t *Thumbnailer) Frame(ctx context.Context, videoPath string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.ffmpegPath, thumbnailArgs(videoPath)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg failed: %s: %w", strings.TrimSpace(stderr.String()), err)
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame for %s", videoPath)
	}
	return stdout.Bytes(), nil
}

func thumbnailArgs(videoPath string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", "0",
		"-i", videoPath,
		"-frames:v", "1",
		"-f", "mjpeg",
		"pipe:1",
	}
}
