package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/yourusername/deep-eval/internal/jobs"
)

// Reporter は進捗更新用コールバックです。
type Reporter func(stage string, percent int)

func reportProgress(cb Reporter, stage string, percent int) {
	if cb == nil {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	cb(stage, percent)
}

// StageFunc はステージの処理本体です。prev は直前のステージの出力です。
// 打ち切られた場合に放棄されても安全でなければなりません。
type StageFunc func(ctx context.Context, pc *Context, prev any) (any, error)

// Stage はパイプラインの1段です。Marker は完了時に報告する進捗値です。
type Stage struct {
	Name   string
	Marker int
	Run    StageFunc
}

// Runner は固定順のステージを実行します。
type Runner struct {
	stages []Stage
}

// NewRunner は Runner を作成します。マーカーは 1..100 の狭義単調増加でなければなりません。
func NewRunner(stages ...Stage) (*Runner, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline needs at least one stage")
	}
	seen := map[string]bool{}
	last := 0
	for _, st := range stages {
		if st.Name == "" || st.Run == nil {
			return nil, errors.New("stage needs a name and a run function")
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("duplicate stage %q", st.Name)
		}
		if st.Marker <= last || st.Marker > 100 {
			return nil, fmt.Errorf("stage %q marker %d must be in (%d, 100]", st.Name, st.Marker, last)
		}
		seen[st.Name] = true
		last = st.Marker
	}
	return &Runner{stages: stages}, nil
}

// Stages はステージ名を順に返します。
func (r *Runner) Stages() []string {
	names := make([]string, len(r.stages))
	for i, st := range r.stages {
		names[i] = st.Name
	}
	return names
}

// Run はステージを順に実行します。
// soft が閉じられると、実行中のステージは最後まで進め、残りがあれば
// SoftTimeoutExceeded で終了します。ステージのエラーは StageFailure になり、再試行はしません。
func (r *Runner) Run(ctx context.Context, pc *Context, soft <-chan struct{}, report Reporter) (any, error) {
	var out any
	completed := ""
	for _, st := range r.stages {
		if signaled(soft) {
			return nil, jobs.NewError(jobs.KindSoftTimeoutExceeded, st.Name,
				fmt.Sprintf("soft time limit reached before stage %s (last completed: %s)", st.Name, orNone(completed)), nil)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		pc.Logger.Info("pipeline.stage.start", "stage", st.Name)
		res, err := st.Run(ctx, pc, out)
		if err != nil {
			pc.Logger.Error("pipeline.stage.failed", "stage", st.Name, "err", err)
			var jobErr *jobs.Error
			if errors.As(err, &jobErr) {
				if jobErr.Stage == "" {
					jobErr.Stage = st.Name
				}
				return nil, err
			}
			return nil, jobs.NewError(jobs.KindStageFailure, st.Name, err.Error(), err)
		}
		out = res
		pc.setOutput(st.Name, res)
		completed = st.Name
		reportProgress(report, st.Name, st.Marker)
		pc.Logger.Info("pipeline.stage.done", "stage", st.Name, "progress", st.Marker)
	}
	return out, nil
}

func signaled(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
