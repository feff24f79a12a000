package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/deep-eval/internal/jobs"
)

type recorder struct {
	mu    sync.Mutex
	marks []int
}

func (r *recorder) report(_ string, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks = append(r.marks, percent)
}

func newTestContext(t *testing.T) *Context {
	t.Helper()
	pc, err := NewContext(t.TempDir(), jobs.Envelope{JobID: "job-1", DocRef: "http://x/a.pdf"}, 1,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return pc
}

func passthrough(name string, marker int) Stage {
	return Stage{Name: name, Marker: marker, Run: func(_ context.Context, _ *Context, prev any) (any, error) {
		n, _ := prev.(int)
		return n + 1, nil
	}}
}

func TestRunnerReportsEachMarker(t *testing.T) {
	r, err := NewRunner(passthrough("a", 25), passthrough("b", 50), passthrough("c", 75), passthrough("d", 100))
	require.NoError(t, err)
	rec := &recorder{}

	out, err := r.Run(context.Background(), newTestContext(t), nil, rec.report)
	require.NoError(t, err)
	assert.Equal(t, 4, out)
	assert.Equal(t, []int{25, 50, 75, 100}, rec.marks)
}

func TestRunnerStageFailureStopsPipeline(t *testing.T) {
	boom := errors.New("vertex returned 500")
	ran := false
	r, err := NewRunner(
		passthrough("download", 25),
		Stage{Name: "ocr", Marker: 50, Run: func(context.Context, *Context, any) (any, error) { return nil, boom }},
		Stage{Name: "evaluate", Marker: 75, Run: func(context.Context, *Context, any) (any, error) { ran = true; return nil, nil }},
	)
	require.NoError(t, err)
	rec := &recorder{}

	_, err = r.Run(context.Background(), newTestContext(t), nil, rec.report)
	var jobErr *jobs.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, jobs.KindStageFailure, jobErr.Kind)
	assert.Equal(t, "ocr", jobErr.Stage)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)
	assert.Equal(t, []int{25}, rec.marks)
}

func TestRunnerSoftSignalFinishesStageInFlight(t *testing.T) {
	soft := make(chan struct{})
	r, err := NewRunner(
		passthrough("download", 25),
		Stage{Name: "ocr", Marker: 50, Run: func(context.Context, *Context, any) (any, error) {
			close(soft)
			return "ocr-done", nil
		}},
		passthrough("evaluate", 75),
	)
	require.NoError(t, err)
	pc := newTestContext(t)
	rec := &recorder{}

	_, err = r.Run(context.Background(), pc, soft, rec.report)
	var jobErr *jobs.Error
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, jobs.KindSoftTimeoutExceeded, jobErr.Kind)
	assert.Equal(t, "evaluate", jobErr.Stage)
	assert.Equal(t, []int{25, 50}, rec.marks)

	out, ok := pc.Output("ocr")
	require.True(t, ok)
	assert.Equal(t, "ocr-done", out)
}

func TestRunnerSoftSignalAfterLastStageSucceeds(t *testing.T) {
	soft := make(chan struct{})
	r, err := NewRunner(Stage{Name: "only", Marker: 100, Run: func(context.Context, *Context, any) (any, error) {
		close(soft)
		return "ok", nil
	}})
	require.NoError(t, err)

	out, err := r.Run(context.Background(), newTestContext(t), soft, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestNewRunnerRejectsNonIncreasingMarkers(t *testing.T) {
	_, err := NewRunner(passthrough("a", 50), passthrough("b", 50))
	require.Error(t, err)
	_, err = NewRunner(passthrough("a", 50), passthrough("a", 60))
	require.Error(t, err)
	_, err = NewRunner(passthrough("a", 120))
	require.Error(t, err)
}

func TestContextLayoutAndCleanup(t *testing.T) {
	root := t.TempDir()
	pc, err := NewContext(root, jobs.Envelope{JobID: "abc", DocRef: "http://x"}, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "abc-3"), pc.Dir)
	assert.DirExists(t, pc.InDir)
	assert.DirExists(t, pc.OutDir)

	manifest, err := LoadManifest(pc.Dir)
	require.NoError(t, err)
	assert.Equal(t, "abc", manifest.JobID)
	assert.Equal(t, int64(3), manifest.Attempt)

	require.NoError(t, pc.Cleanup())
	require.NoError(t, pc.Cleanup())
	_, err = os.Stat(pc.Dir)
	assert.True(t, os.IsNotExist(err))
}

func TestContextRejectsPathInJobID(t *testing.T) {
	_, err := NewContext(t.TempDir(), jobs.Envelope{JobID: "../etc"}, 1, nil)
	require.Error(t, err)
}
