// Package evaluation は OpenAI Assistants API で答案を評価し、評価 JSON の形を検証します。
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yourusername/deep-eval/internal/httpx"
)

// Options は Client の設定です。
type Options struct {
	APIKey      string
	AssistantID string
	BaseURL     string
	PollEvery   time.Duration
	MaxWait     time.Duration
	Timeout     time.Duration
}

// Client は thread -> run -> poll -> messages の流れで Assistant を呼び出します。
type Client struct {
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

// Input は評価の入力です。
type Input struct {
	StudentText        string
	StudentCoordinates string
	ModelAnswer        string
}

// NewClient は Client を作成します。
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.PollEvery <= 0 {
		opts.PollEvery = 3 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: &http.Client{Timeout: opts.Timeout}, opts: opts, logger: logger}
}

var terminalRunStates = map[string]bool{
	"completed": true,
	"failed":    true,
	"cancelled": true,
	"expired":   true,
}

// Evaluate は評価 JSON を返します。
// Assistant の出力が JSON でなかった場合は {"raw": ..., "parsed": null} を返します。
func (c *Client) Evaluate(ctx context.Context, in Input) (json.RawMessage, error) {
	if c.opts.APIKey == "" || c.opts.AssistantID == "" {
		return nil, errors.New("openai api key and assistant id are required")
	}

	prompt := fmt.Sprintf("STUDENT ANSWER (OCR extracted):\n%s\n\nSTUDENT ANSWER (OCR Coordinates):\n%s\n\nMODEL ANSWER (OCR extracted):\n%s",
		in.StudentText, in.StudentCoordinates, in.ModelAnswer)

	var thread struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, http.MethodPost, "/threads", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": prompt}},
	}, &thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := c.call(ctx, http.MethodPost, "/threads/"+thread.ID+"/runs", map[string]any{
		"assistant_id":    c.opts.AssistantID,
		"response_format": map[string]string{"type": "json_object"},
	}, &run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if run.ID == "" {
		return nil, errors.New("create run: response has no id")
	}

	log := c.logger.With("thread_id", thread.ID, "run_id", run.ID)
	status, err := c.waitForRun(ctx, thread.ID, run.ID, log)
	if err != nil {
		return nil, err
	}
	if status != "completed" {
		return nil, fmt.Errorf("run did not complete successfully (status: %s)", status)
	}

	var messages struct {
		Data []struct {
			Content []struct {
				Text struct {
					Value string `json:"value"`
				} `json:"text"`
			} `json:"content"`
		} `json:"data"`
	}
	if err := c.call(ctx, http.MethodGet, "/threads/"+thread.ID+"/messages", nil, &messages); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if len(messages.Data) == 0 || len(messages.Data[0].Content) == 0 {
		return nil, errors.New("no content found in assistant response")
	}

	text := CleanJSON(messages.Data[0].Content[0].Text.Value)
	if !json.Valid([]byte(text)) {
		log.Warn("evaluation.output.not_json", "chars", len(text))
		return json.Marshal(map[string]any{"raw": text, "parsed": nil})
	}
	return json.RawMessage(text), nil
}

// waitForRun は run が終端状態になるまで PollEvery ごとに確認します。
// 状態取得の一時的な失敗は次の確認まで待って続けます。
func (c *Client) waitForRun(ctx context.Context, threadID, runID string, log *slog.Logger) (string, error) {
	deadline := time.Now().Add(c.opts.MaxWait)
	ticker := time.NewTicker(c.opts.PollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("assistant run timed out after %s", c.opts.MaxWait)
		}

		var run struct {
			Status string `json:"status"`
		}
		if err := c.call(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, nil, &run); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Warn("evaluation.run.poll_failed", "err", err)
			continue
		}
		log.Debug("evaluation.run.status", "status", run.Status)
		if terminalRunStates[run.Status] {
			return run.Status, nil
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	raw, err := httpx.SendJSON(ctx, c.http, method, c.opts.BaseURL+path, body, map[string]string{
		"Authorization": "Bearer " + c.opts.APIKey,
		"OpenAI-Beta":   "assistants=v2",
	}, c.logger)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CleanJSON は Markdown のコードブロック記法を取り除きます。
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "```json"):
		text = text[len("```json"):]
	case strings.HasPrefix(text, "```"):
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
