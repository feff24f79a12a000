package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/deep-eval/internal/httpx"
)

// Deliverer は評価結果を CALLBACK_URL に PUT します。
type Deliverer struct {
	client      *http.Client
	callbackURL string
	triggerURL  string
	logger      *slog.Logger
}

// NewDeliverer は Deliverer を作成します。triggerURL が空なら処理トリガーは呼びません。
func NewDeliverer(callbackURL, triggerURL string, timeout time.Duration, logger *slog.Logger) *Deliverer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{
		client:      &http.Client{Timeout: timeout},
		callbackURL: callbackURL,
		triggerURL:  triggerURL,
		logger:      logger,
	}
}

type callbackBody struct {
	UID  string         `json:"uid"`
	Data map[string]any `json:"data"`
}

// HandleDeliver は配信タスクを処理します。
// 注釈PDFの URL 通知と処理トリガーは失敗してもログのみで、評価の PUT が失敗した場合だけ再試行します。
func (d *Deliverer) HandleDeliver(ctx context.Context, task *asynq.Task) error {
	var p DeliverPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return fmt.Errorf("decode deliver payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.UID == "" {
		return fmt.Errorf("deliver payload has no uid: %w", asynq.SkipRetry)
	}
	log := d.logger.With("job_id", p.JobID, "uid", p.UID)

	if p.AnnotatedPDFURL != "" {
		body := callbackBody{UID: p.UID, Data: map[string]any{"verified_copy": p.AnnotatedPDFURL}}
		if _, err := httpx.SendJSON(ctx, d.client, http.MethodPut, d.callbackURL, body, nil, log); err != nil {
			log.Warn("notify.verified_copy.failed", "err", err)
		} else {
			log.Info("notify.verified_copy.sent")
		}
	}

	var evaluation any
	if err := json.Unmarshal(p.Evaluation, &evaluation); err != nil {
		return fmt.Errorf("decode evaluation: %v: %w", err, asynq.SkipRetry)
	}
	encoded, err := asciiJSON(evaluation)
	if err != nil {
		return fmt.Errorf("encode evaluation: %v: %w", err, asynq.SkipRetry)
	}
	body := callbackBody{UID: p.UID, Data: map[string]any{
		"status":          "OCR Completed",
		"openai_response": encoded,
	}}
	if _, err := httpx.SendJSON(ctx, d.client, http.MethodPut, d.callbackURL, body, nil, log); err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && !se.Retryable() {
			log.Error("notify.callback.rejected", "status", se.Status)
			return fmt.Errorf("callback rejected: %v: %w", err, asynq.SkipRetry)
		}
		log.Warn("notify.callback.failed", "err", err)
		return fmt.Errorf("callback: %w", err)
	}
	log.Info("notify.callback.sent", "chars", len(encoded))

	if d.triggerURL != "" {
		if _, err := httpx.SendJSON(ctx, d.client, http.MethodGet, d.triggerURL, nil, nil, log); err != nil {
			log.Warn("notify.trigger.failed", "err", err)
		} else {
			log.Info("notify.trigger.sent")
		}
	}
	return nil
}
