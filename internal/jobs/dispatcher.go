package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Enqueuer はエンベロープをブローカーへ投入します。
type Enqueuer interface {
	Enqueue(ctx context.Context, id string, body []byte) error
}

// RecordWriter は Dispatcher が必要とする結果ストアの操作です。
type RecordWriter interface {
	Create(ctx context.Context, record *Record) error
	Fail(ctx context.Context, jobID string, attempt int64, info *ErrorInfo) error
}

// SubmitInput は投入リクエストの内容です。
type SubmitInput struct {
	DocRef         string `json:"doc_ref" validate:"required,http_url"`
	CorrelationID  string `json:"correlation_id" validate:"required,max=128,printascii"`
	ModelAnswerRef string `json:"model_answer_ref" validate:"omitempty,http_url"`
}

// Dispatcher はジョブを受け付け、レコードを作成してキューへ投入します。
// 処理の完了は待ちません。
type Dispatcher struct {
	store           RecordWriter
	queue           Enqueuer
	validate        *validator.Validate
	statusURLPrefix string
	logger          *slog.Logger
	newID           func() string
	now             func() time.Time
}

// NewDispatcher は Dispatcher を作成します。
func NewDispatcher(store RecordWriter, queue Enqueuer, statusURLPrefix string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
	return &Dispatcher{
		store:           store,
		queue:           queue,
		validate:        v,
		statusURLPrefix: strings.TrimRight(statusURLPrefix, "/"),
		logger:          logger,
		newID:           uuid.NewString,
		now:             time.Now,
	}
}

// Submit は入力を検証し、PENDING のレコードを書いてからエンベロープを投入します。
// 投入に失敗した場合、レコードは QueueUnavailable で FAILED になり、
// Accepted と *Error の両方を返します。
func (d *Dispatcher) Submit(ctx context.Context, in SubmitInput) (*Accepted, error) {
	in.DocRef = strings.TrimSpace(in.DocRef)
	in.CorrelationID = strings.TrimSpace(in.CorrelationID)
	in.ModelAnswerRef = strings.TrimSpace(in.ModelAnswerRef)

	if err := d.validateInput(in); err != nil {
		return nil, err
	}

	jobID := d.newID()
	submitted := d.now().UTC()
	record := &Record{
		JobID:         jobID,
		CorrelationID: in.CorrelationID,
		State:         StatePending,
		SubmittedAt:   submitted,
	}
	if err := d.store.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	body, err := json.Marshal(Envelope{
		JobID:          jobID,
		DocRef:         in.DocRef,
		CorrelationID:  in.CorrelationID,
		ModelAnswerRef: in.ModelAnswerRef,
		SubmittedAt:    submitted,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}

	accepted := &Accepted{JobID: jobID, StatusURL: d.statusURLPrefix + "/" + jobID}
	log := d.logger.With("job_id", jobID, "correlation_id", in.CorrelationID)

	if err := d.queue.Enqueue(ctx, jobID, body); err != nil {
		jobErr := NewError(KindQueueUnavailable, "", "broker rejected the job", err)
		if failErr := d.store.Fail(ctx, jobID, 0, jobErr.Info()); failErr != nil {
			log.Error("jobs.submit.mark_failed", "err", failErr)
		}
		log.Error("jobs.submit.enqueue_failed", "err", err)
		return accepted, jobErr
	}

	log.Info("jobs.submit.accepted", "doc_ref", in.DocRef)
	return accepted, nil
}

func (d *Dispatcher) validateInput(in SubmitInput) error {
	err := d.validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate input: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fe.Field(), Message: describeRule(fe)})
	}
	return out
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "http_url":
		return "must be an absolute http or https URL"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "printascii":
		return "must contain printable characters only"
	default:
		return fmt.Sprintf("failed %q", fe.Tag())
	}
}
