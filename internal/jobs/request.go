package jobs

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ユーザーに返すメッセージ（フロントエンドがそのまま表示する）
const (
	msgMissingParam     = "Missing targetColor or threshold query parameter."
	msgBadColor         = "targetColor must be a valid 6-digit hex code (e.g., FF0000)"
	msgBadThreshold     = "Threshold must be a number between 0 and 255."
	msgVideoNotFound    = "Video file not found on the server."
	msgJobNotFound      = "Job ID not found"
	msgStartFailed      = "Error starting job"
	msgStatusFailed     = "Error fetching job status"
	msgBusy             = "Too many jobs are running. Please try again later."
	msgShuttingDown     = "Server is shutting down."
	workerFailurePrefix = "Error processing video: "
)

const (
	minThreshold = 0
	maxThreshold = 255
)

var hexColorPattern = regexp.MustCompile(`^[0-9A-Fa-f]{6}$`)

// Request は処理開始リクエストのパラメータです。
type Request struct {
	Filename    string
	TargetColor string
	Threshold   string
}

// Params は検証済みのパラメータです。
type Params struct {
	Filename    string
	TargetColor string
	Threshold   float64
}

// ThresholdArg はワーカーに渡す閾値の文字列表現です（50 -> "50", 50.5 -> "50.5"）。
func (p Params) ThresholdArg() string {
	return strconv.FormatFloat(p.Threshold, 'f', -1, 64)
}

// Validate はパラメータを順に検証します。
// 欠落 → 色の形式 → 閾値の範囲、の順で最初に見つかったエラーを返します。
func (r Request) Validate() (*Params, error) {
	if strings.TrimSpace(r.TargetColor) == "" || strings.TrimSpace(r.Threshold) == "" {
		return nil, newError(KindInvalidRequest, msgMissingParam, nil)
	}

	if !hexColorPattern.MatchString(r.TargetColor) {
		return nil, newError(KindInvalidRequest, msgBadColor, nil)
	}

	threshold, err := strconv.ParseFloat(strings.TrimSpace(r.Threshold), 64)
	if err != nil || math.IsNaN(threshold) || threshold < minThreshold || threshold > maxThreshold {
		return nil, newError(KindInvalidRequest, msgBadThreshold, nil)
	}
	if threshold == 0 {
		// -0 を "0" として渡す
		threshold = 0
	}

	return &Params{
		Filename:    r.Filename,
		TargetColor: r.TargetColor,
		Threshold:   threshold,
	}, nil
}
