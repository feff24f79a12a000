package jobs

import (
	"context"
	"fmt"
)

// RecordReader は結果ストアの読み取り操作です。
type RecordReader interface {
	Get(ctx context.Context, jobID string) (*Record, error)
}

// StatusReader は結果ストアを読み取るだけのステータス照会です。
type StatusReader struct {
	store RecordReader
}

// NewStatusReader は StatusReader を作成します。
func NewStatusReader(store RecordReader) *StatusReader {
	return &StatusReader{store: store}
}

// Status はジョブの現在の状態を返します。
// 不明なID（期限切れを含む）は unknown を立てた PENDING の形で返し、エラーにはしません。
func (r *StatusReader) Status(ctx context.Context, jobID string) (View, error) {
	record, err := r.store.Get(ctx, jobID)
	if err != nil {
		return View{}, fmt.Errorf("read job %s: %w", jobID, err)
	}
	if record == nil {
		return View{
			JobID:   jobID,
			State:   StatePending,
			Unknown: true,
			Message: "job not found or expired",
		}, nil
	}
	return viewOf(record), nil
}

func viewOf(record *Record) View {
	view := View{
		JobID:      record.JobID,
		State:      record.State,
		Progress:   record.Progress,
		Stage:      record.Stage,
		Attempt:    record.Attempt,
		StartedAt:  record.StartedAt,
		FinishedAt: record.FinishedAt,
	}
	if !record.SubmittedAt.IsZero() {
		submitted := record.SubmittedAt
		view.SubmittedAt = &submitted
	}
	if !record.ExpiresAt.IsZero() {
		expires := record.ExpiresAt
		view.ExpiresAt = &expires
	}
	switch record.State {
	case StateSucceeded:
		view.Result = record.Result
	case StateFailed:
		view.Error = record.Error
	}
	return view
}
