// Package storage は動画ファイルと解析結果を置くローカルディレクトリを扱います。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const resultExt = ".csv"

var (
	// ErrNotFound は指定されたファイルが存在しないことを表します。
	ErrNotFound = errors.New("storage: file not found")
	// ErrInvalidName はディレクトリ外を指すなど不正なファイル名を表します。
	ErrInvalidName = errors.New("storage: invalid file name")
)

// Local は動画ディレクトリと結果ディレクトリをまとめたローカルストレージです。
type Local struct {
	videoDir  string
	resultDir string
}

// NewLocal は Local を作成します。
func NewLocal(videoDir, resultDir string) *Local {
	return &Local{
		videoDir:  videoDir,
		resultDir: resultDir,
	}
}

// EnsureDirs は動画・結果ディレクトリを作成します（既にあれば何もしません）。
func (l *Local) EnsureDirs() error {
	for _, dir := range []string{l.videoDir, l.resultDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// VideoDir は動画ディレクトリのパスを返します。
func (l *Local) VideoDir() string {
	return l.videoDir
}

// ResultDir は結果ディレクトリのパスを返します。
func (l *Local) ResultDir() string {
	return l.resultDir
}

// ListVideos は動画ディレクトリ直下のファイル名を名前順で返します。サブディレクトリは含めません。
func (l *Local) ListVideos(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.videoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read video directory: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// HasVideo は現在の一覧に name が含まれるかを返します。
func (l *Local) HasVideo(ctx context.Context, name string) (bool, error) {
	names, err := l.ListVideos(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// VideoPath は動画ファイルのフルパスを返します。
func (l *Local) VideoPath(name string) string {
	return filepath.Join(l.videoDir, name)
}

// SaveVideo は r の内容を動画ディレクトリに name として保存します。
// 一時ファイルに書き込んでから rename するため、途中で失敗しても一覧には現れません。
func (l *Local) SaveVideo(name string, r io.Reader) (string, error) {
	clean, err := CleanName(name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.videoDir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close upload: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(l.videoDir, clean)); err != nil {
		return "", fmt.Errorf("failed to store upload: %w", err)
	}
	return clean, nil
}

// OpenResult は結果ディレクトリ内のファイルを開きます。
func (l *Local) OpenResult(name string) (*os.File, os.FileInfo, error) {
	clean, err := CleanName(name)
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(filepath.Join(l.resultDir, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, nil, ErrNotFound
	}
	return file, info, nil
}

// CleanName はパス区切りを含まない単一のファイル名であることを確認します。
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	base := filepath.Base(name)
	if name == "" || base != name || base == "." || base == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	return base, nil
}

// ResultName はワーカーが出力する結果ファイル名を返します。
// 拡張子を除いた動画名とジョブIDを "_" でつないだ CSV です。
func ResultName(filename, jobID string) string {
	base := filepath.Base(filename)
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base + "_" + jobID + resultExt
}
