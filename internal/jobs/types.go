package jobs

import (
	"encoding/json"
	"time"
)

// State はジョブの実行状態を表します。
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal は終端状態（以後遷移しない状態）かどうかを返します。
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ErrorInfo はジョブ失敗時のエラー情報を保持します。
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Stage   string    `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// Record はジョブの現在状態を表します。
// Attempt はブローカーの配信回数で、書き込みのフェンシングトークンとして使います。
type Record struct {
	JobID         string          `json:"job_id"`
	CorrelationID string          `json:"correlation_id"`
	State         State           `json:"state"`
	Progress      int             `json:"progress"`
	Stage         string          `json:"stage,omitempty"`
	Attempt       int64           `json:"attempt"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ErrorInfo      `json:"error,omitempty"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Envelope はキューに載せる作業単位です。ACK されるまでブローカーが所有します。
type Envelope struct {
	JobID          string    `json:"job_id"`
	DocRef         string    `json:"doc_ref"`
	CorrelationID  string    `json:"correlation_id"`
	ModelAnswerRef string    `json:"model_answer_ref,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// Accepted は投入受付時にクライアントへ返す内容です。
type Accepted struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

// View はステータス照会の応答です。
type View struct {
	JobID       string          `json:"job_id"`
	State       State           `json:"state"`
	Progress    int             `json:"progress"`
	Stage       string          `json:"stage,omitempty"`
	Attempt     int64           `json:"attempt,omitempty"`
	Unknown     bool            `json:"unknown,omitempty"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorInfo      `json:"error,omitempty"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}
