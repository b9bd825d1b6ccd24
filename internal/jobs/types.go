package jobs

import "time"

// Status はジョブの実行状態を表します。
type Status string

const (
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// IsTerminal は終了状態（done / error）かどうかを返します。
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusError
}

// Record はジョブの現在状態を表します。
type Record struct {
	JobID       string     `json:"jobId"`
	Filename    string     `json:"filename"`
	TargetColor string     `json:"targetColor"`
	Threshold   string     `json:"threshold"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	ExitCode    *int       `json:"exitCode,omitempty"`
	ResultFile  string     `json:"resultFile"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Clone はポインタフィールドも含めて複製します。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.ExitCode != nil {
		code := *r.ExitCode
		cp.ExitCode = &code
	}
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		cp.FinishedAt = &at
	}
	return &cp
}

// Outcome はジョブの終了結果です。ジョブごとにちょうど1回だけ書き込まれます。
type Outcome struct {
	Status   Status
	Error    string
	ExitCode *int
}

// StatusView はポーリング用のレスポンスです。
type StatusView struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}
