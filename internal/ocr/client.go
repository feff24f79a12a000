// Package ocr は Vertex AI (Gemini) で答案PDFを文字起こしします。
package ocr

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/yourusername/deep-eval/internal/httpx"
)

//go:embed prompt.txt
var defaultPrompt string

// Options は Client の設定です。
type Options struct {
	APIKey    string
	ProjectID string
	Location  string
	Model     string
	Timeout   time.Duration
	// BaseURL を指定すると既定のリージョンエンドポイントの代わりに使います。
	BaseURL string
	Prompt  string
	// Retries は 5xx/429 の応答に対する再試行回数です。
	Retries int
}

// Client は generateContent を呼び出す OCR クライアントです。
type Client struct {
	http   *http.Client
	opts   Options
	logger *slog.Logger
}

// NewClient は Client を作成します。
func NewClient(opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Location == "" {
		opts.Location = "us-central1"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", opts.Location)
	}
	if opts.Prompt == "" {
		opts.Prompt = defaultPrompt
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:   &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logger,
	}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inline_data,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type generateRequest struct {
	Contents []struct {
		Role  string `json:"role"`
		Parts []part `json:"parts"`
	} `json:"contents"`
	GenerationConfig map[string]any `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Extract は PDF を送信し、正規化した OCR 結果を返します。
func (c *Client) Extract(ctx context.Context, pdfPath string) (*Result, error) {
	if c.opts.APIKey == "" || c.opts.ProjectID == "" {
		return nil, errors.New("vertex api key and project id are required")
	}
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("read pdf: %w", err)
	}

	var req generateRequest
	req.Contents = append(req.Contents, struct {
		Role  string `json:"role"`
		Parts []part `json:"parts"`
	}{
		Role: "user",
		Parts: []part{
			{Text: c.opts.Prompt},
			{InlineData: &inlineData{MimeType: "application/pdf", Data: base64.StdEncoding.EncodeToString(data)}},
		},
	})
	req.GenerationConfig = map[string]any{
		"temperature":      0.2,
		"maxOutputTokens":  65536,
		"responseMimeType": "application/json",
	}

	raw, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}

	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode vertex response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, errors.New("vertex response has no candidates")
	}
	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	result, err := Parse(text.String())
	if err != nil {
		return nil, err
	}
	if result.Repaired {
		c.logger.Warn("ocr.output.repaired")
	}
	c.logger.Info("ocr.extract.done", "pages", len(result.Document.Pages), "chars", len(result.Text))
	return result, nil
}

func (c *Client) send(ctx context.Context, body any) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:generateContent?key=%s",
		strings.TrimRight(c.opts.BaseURL, "/"),
		url.PathEscape(c.opts.ProjectID),
		url.PathEscape(c.opts.Location),
		url.PathEscape(c.opts.Model),
		url.QueryEscape(c.opts.APIKey),
	)

	backoff := 2 * time.Second
	for attempt := 0; ; attempt++ {
		raw, err := httpx.SendJSON(ctx, c.http, http.MethodPost, endpoint, body, nil, c.logger)
		if err == nil {
			return raw, nil
		}
		var statusErr *httpx.StatusError
		if attempt >= c.opts.Retries || (errors.As(err, &statusErr) && !statusErr.Retryable()) || ctx.Err() != nil {
			return nil, fmt.Errorf("vertex generateContent: %w", err)
		}
		c.logger.Warn("ocr.request.retry", "attempt", attempt+1, "err", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
