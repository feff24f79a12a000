package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind はジョブ失敗の分類です。
type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindQueueUnavailable    ErrorKind = "QueueUnavailable"
	KindStageFailure        ErrorKind = "StageFailure"
	KindSoftTimeoutExceeded ErrorKind = "SoftTimeoutExceeded"
	KindHardTimeoutExceeded ErrorKind = "HardTimeoutExceeded"
	KindWorkerCrash         ErrorKind = "WorkerCrash"
)

var (
	// ErrNotFound はジョブレコードが存在しない（期限切れを含む）ことを表します。
	ErrNotFound = errors.New("job record not found")
	// ErrTerminal は終端状態のレコードへの書き込みを拒否したことを表します。
	ErrTerminal = errors.New("job record is terminal")
	// ErrStaleAttempt は古い試行からの書き込みを拒否したことを表します。
	ErrStaleAttempt = errors.New("stale attempt")
)

// Error は分類付きのジョブエラーです。
type Error struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Cause   error
}

// NewError は Error を作成します。
func NewError(kind ErrorKind, stage, message string, cause error) *Error {
	return &Error{Kind: kind, Stage: stage, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Stage != "" {
		b.WriteString(" [")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil && (e.Message == "" || !strings.Contains(e.Message, e.Cause.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Info はレコードに保存する形へ変換します。
func (e *Error) Info() *ErrorInfo {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	return &ErrorInfo{Kind: e.Kind, Stage: e.Stage, Message: msg}
}

// InfoFrom は任意のエラーを ErrorInfo に変換します。分類のないエラーは StageFailure として扱います。
func InfoFrom(err error, stage string) *ErrorInfo {
	if err == nil {
		return nil
	}
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Info()
	}
	return &ErrorInfo{Kind: KindStageFailure, Stage: stage, Message: err.Error()}
}

// FieldError は入力検証で問題のあったフィールドです。
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError は投入時の入力検証エラーです。キューには一切載りません。
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
