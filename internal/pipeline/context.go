// Package pipeline は順序付きステージを実行し、ステージ境界で進捗を報告するランナーを提供します。
package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/deep-eval/internal/jobs"
)

const manifestFilename = "manifest.json"

// Manifest は作業ディレクトリに書き出す試行の情報です。
// 孤立したディレクトリの掃除で参照します。
type Manifest struct {
	JobID     string    `json:"job_id"`
	Attempt   int64     `json:"attempt"`
	DocRef    string    `json:"doc_ref"`
	CreatedAt time.Time `json:"created_at"`
}

// Context は1回の試行に紐づく実行コンテキストです。
// ステージはグローバル状態ではなくこの値を通して作業領域とロガーを受け取ります。
type Context struct {
	Envelope jobs.Envelope
	Attempt  int64
	Logger   *slog.Logger

	Dir    string
	InDir  string
	OutDir string

	mu      sync.Mutex
	outputs map[string]any

	cleanupOnce sync.Once
	cleanupErr  error
}

// NewContext は <root>/<job_id>-<attempt>/{in,out} を作成して Context を返します。
func NewContext(root string, env jobs.Envelope, attempt int64, logger *slog.Logger) (*Context, error) {
	if env.JobID == "" || strings.ContainsAny(env.JobID, `/\`) {
		return nil, fmt.Errorf("invalid job id %q", env.JobID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(root, fmt.Sprintf("%s-%d", env.JobID, attempt))
	pc := &Context{
		Envelope: env,
		Attempt:  attempt,
		Logger:   logger,
		Dir:      dir,
		InDir:    filepath.Join(dir, "in"),
		OutDir:   filepath.Join(dir, "out"),
		outputs:  map[string]any{},
	}
	for _, d := range []string{pc.InDir, pc.OutDir} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create scratch dir: %w", err)
		}
	}
	if err := pc.writeManifest(); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return pc, nil
}

// Output は完了済みステージの出力を返します。
func (c *Context) Output(stage string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.outputs[stage]
	return v, ok
}

func (c *Context) setOutput(stage string, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs[stage] = v
}

// Cleanup は作業ディレクトリを削除します。何度呼んでも安全です。
func (c *Context) Cleanup() error {
	if c == nil {
		return nil
	}
	c.cleanupOnce.Do(func() {
		c.cleanupErr = os.RemoveAll(c.Dir)
	})
	return c.cleanupErr
}

func (c *Context) writeManifest() error {
	file, err := os.OpenFile(filepath.Join(c.Dir, manifestFilename), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(Manifest{
		JobID:     c.Envelope.JobID,
		Attempt:   c.Attempt,
		DocRef:    c.Envelope.DocRef,
		CreatedAt: time.Now().UTC(),
	})
}

// LoadManifest は作業ディレクトリの manifest.json を読み込みます。
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}
