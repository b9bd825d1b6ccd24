package jobs

import (
	"errors"
	"fmt"
)

// Kind は API 呼び出し元に返すエラーの種別です。
type Kind string

const (
	KindInvalidRequest Kind = "INVALID_REQUEST"
	KindNotFound       Kind = "NOT_FOUND"
	KindBusy           Kind = "BUSY"
	KindInternal       Kind = "INTERNAL_ERROR"
)

// ストアが返すエラー
var (
	ErrJobExists       = errors.New("job already exists")
	ErrJobNotFound     = errors.New("job not found")
	ErrAlreadyFinished = errors.New("job already finished")
)

// Error は呼び出し元にそのまま表示できるメッセージを持つエラーです。
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// KindOf は err に含まれる *Error の種別を返します。*Error でなければ KindInternal です。
func KindOf(err error) Kind {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return KindInternal
}
