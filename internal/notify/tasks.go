// Package notify は成功したジョブの結果を外部APIへ届ける asynq タスクと、
// 作業ディレクトリの定期掃除を提供します。
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hibiken/asynq"

	"github.com/yourusername/deep-eval/internal/jobs"
)

const (
	TypeDeliver = "evaluation:deliver"
	TypeSweep   = "scratch:sweep"

	queueName = "notify"
)

// DeliverPayload は結果配信タスクのペイロードです。
type DeliverPayload struct {
	UID             string          `json:"uid"`
	JobID           string          `json:"job_id"`
	Evaluation      json.RawMessage `json:"evaluation"`
	AnnotatedPDFURL string          `json:"annotated_pdf_url,omitempty"`
}

// newDeliverTask はジョブ結果から配信タスクを作成します。
func newDeliverTask(env jobs.Envelope, result json.RawMessage, opts ...asynq.Option) (*asynq.Task, error) {
	var res struct {
		Evaluation      json.RawMessage `json:"evaluation"`
		AnnotatedPDFURL string          `json:"annotated_pdf_url"`
	}
	if err := json.Unmarshal(result, &res); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	if len(res.Evaluation) == 0 || string(res.Evaluation) == "null" {
		return nil, errors.New("job result has no evaluation")
	}
	body, err := json.Marshal(DeliverPayload{
		UID:             env.CorrelationID,
		JobID:           env.JobID,
		Evaluation:      res.Evaluation,
		AnnotatedPDFURL: res.AnnotatedPDFURL,
	})
	if err != nil {
		return nil, err
	}
	opts = append([]asynq.Option{asynq.Queue(queueName), asynq.TaskID("deliver:" + env.JobID)}, opts...)
	return asynq.NewTask(TypeDeliver, body, opts...), nil
}

// asciiJSON は v を JSON にし、ASCII 以外の文字を \uXXXX にエスケープします。
// 受け側が UTF-8 を正しく扱えない場合に備えた形式です。
func asciiJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range string(raw) {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
			continue
		}
		if r > 0xffff {
			r1, r2 := surrogates(r)
			b.WriteString(`\u` + hex4(r1) + `\u` + hex4(r2))
			continue
		}
		b.WriteString(`\u` + hex4(r))
	}
	return b.String(), nil
}

func surrogates(r rune) (rune, rune) {
	r -= 0x10000
	return 0xd800 + (r>>10)&0x3ff, 0xdc00 + r&0x3ff
}

func hex4(r rune) string {
	s := strconv.FormatInt(int64(r), 16)
	return strings.Repeat("0", 4-len(s)) + s
}
