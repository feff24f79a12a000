package notify

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hibiken/asynq"

	"github.com/yourusername/deep-eval/internal/pipeline"
)

// Sweeper は放棄された試行の作業ディレクトリを削除します。
// 打ち切られた試行は後片付けの前に終わることがあるため、定期的に掃除します。
type Sweeper struct {
	root   string
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(root string, maxAge time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{root: root, maxAge: maxAge, logger: logger, now: time.Now}
}

// HandleSweep は定期タスクから呼ばれます。
func (s *Sweeper) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	_, err := s.Sweep(ctx)
	return err
}

// Sweep は maxAge より古いディレクトリを削除し、削除した数を返します。
// 作成時刻は manifest.json から読み、読めない場合は更新時刻を使います。
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := s.now().Add(-s.maxAge)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.root, e.Name())
		created, ok := s.createdAt(dir, e)
		if !ok || !created.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("scratch.sweep.remove_failed", "dir", dir, "err", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("scratch.sweep.done", "removed", removed)
	}
	return removed, nil
}

func (s *Sweeper) createdAt(dir string, e os.DirEntry) (time.Time, bool) {
	if m, err := pipeline.LoadManifest(dir); err == nil && !m.CreatedAt.IsZero() {
		return m.CreatedAt, true
	}
	info, err := e.Info()
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}
