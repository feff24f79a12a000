// Package stages は答案評価パイプラインの標準ステージ（取得・OCR・評価・注釈）を組み立てます。
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/deep-eval/internal/evaluation"
	"github.com/yourusername/deep-eval/internal/ocr"
	"github.com/yourusername/deep-eval/internal/pdf"
	"github.com/yourusername/deep-eval/internal/pipeline"
	"github.com/yourusername/deep-eval/internal/storage"
)

// ステージ名
const (
	Download = "download"
	OCR      = "ocr"
	Evaluate = "evaluate"
	Annotate = "annotate"
)

// Downloader は答案PDFを取得します。
type Downloader interface {
	Download(ctx context.Context, url, dir, name string) (*pdf.Document, error)
}

// Extractor はPDFから OCR 結果を取り出します。
type Extractor interface {
	Extract(ctx context.Context, pdfPath string) (*ocr.Result, error)
}

// Evaluator は OCR 結果から評価 JSON を作成します。
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluation.Input) (json.RawMessage, error)
}

// Annotator は評価コメントをPDFに書き込みます。
type Annotator interface {
	Annotate(ctx context.Context, src, dst string, notes map[int][]string, summary string) (int, error)
}

// Deps はステージが使う外部依存です。
type Deps struct {
	Downloader Downloader
	OCR        Extractor
	Evaluator  Evaluator
	Annotator  Annotator
	Storage    storage.Storage
}

// Result はジョブの最終結果として保存される値です。
type Result struct {
	PagesProcessed   int             `json:"pages_processed"`
	OCRTextChars     int             `json:"ocr_text_chars"`
	OCROutputURL     string          `json:"ocr_output_url"`
	EvaluationURL    string          `json:"evaluation_url"`
	AnnotatedPDFURL  string          `json:"annotated_pdf_url"`
	Stamps           int             `json:"stamps"`
	ValidationErrors []string        `json:"validation_errors"`
	Evaluation       json.RawMessage `json:"evaluation"`
}

// state はステージ間で受け渡す途中結果です。
type state struct {
	doc         *pdf.Document
	student     *ocr.Result
	modelAnswer string
	evaluation  json.RawMessage
	invalid     []string
}

// New は標準のステージ列を返します。
func New(deps Deps) ([]pipeline.Stage, error) {
	if deps.Downloader == nil || deps.OCR == nil || deps.Evaluator == nil || deps.Annotator == nil || deps.Storage == nil {
		return nil, errors.New("stages: all dependencies are required")
	}
	return []pipeline.Stage{
		{Name: Download, Marker: 25, Run: deps.download},
		{Name: OCR, Marker: 50, Run: deps.ocr},
		{Name: Evaluate, Marker: 75, Run: deps.evaluate},
		{Name: Annotate, Marker: 100, Run: deps.annotate},
	}, nil
}

func (d Deps) download(ctx context.Context, pc *pipeline.Context, _ any) (any, error) {
	doc, err := d.Downloader.Download(ctx, pc.Envelope.DocRef, pc.InDir, "student.pdf")
	if err != nil {
		return nil, err
	}
	pc.Logger.Info("stages.download.done", "pages", doc.Pages, "bytes", doc.Size)
	return &state{doc: doc}, nil
}

func (d Deps) ocr(ctx context.Context, pc *pipeline.Context, prev any) (any, error) {
	st, err := current(prev)
	if err != nil {
		return nil, err
	}
	res, err := d.OCR.Extract(ctx, st.doc.Path)
	if err != nil {
		return nil, err
	}
	st.student = res
	if err := os.WriteFile(filepath.Join(pc.OutDir, "ocr.json"), res.Raw, 0o640); err != nil {
		return nil, fmt.Errorf("write ocr output: %w", err)
	}

	st.modelAnswer = res.Text
	if ref := pc.Envelope.ModelAnswerRef; ref != "" {
		doc, err := d.Downloader.Download(ctx, ref, pc.InDir, "model_answer.pdf")
		if err != nil {
			return nil, fmt.Errorf("model answer: %w", err)
		}
		model, err := d.OCR.Extract(ctx, doc.Path)
		if err != nil {
			return nil, fmt.Errorf("model answer: %w", err)
		}
		st.modelAnswer = model.Text
	}
	return st, nil
}

func (d Deps) evaluate(ctx context.Context, pc *pipeline.Context, prev any) (any, error) {
	st, err := current(prev)
	if err != nil {
		return nil, err
	}
	raw, err := d.Evaluator.Evaluate(ctx, evaluation.Input{
		StudentText:        st.student.Text,
		StudentCoordinates: string(st.student.Raw),
		ModelAnswer:        st.modelAnswer,
	})
	if err != nil {
		return nil, err
	}
	clean, err := evaluation.Sanitize(raw)
	if err != nil {
		return nil, fmt.Errorf("sanitize evaluation: %w", err)
	}
	st.evaluation = clean
	st.invalid = evaluation.Validate(clean)
	if len(st.invalid) > 0 {
		pc.Logger.Warn("stages.evaluate.schema_mismatch", "errors", len(st.invalid))
	}
	if err := os.WriteFile(filepath.Join(pc.OutDir, "evaluation.json"), clean, 0o640); err != nil {
		return nil, fmt.Errorf("write evaluation: %w", err)
	}
	return st, nil
}

func (d Deps) annotate(ctx context.Context, pc *pipeline.Context, prev any) (any, error) {
	st, err := current(prev)
	if err != nil {
		return nil, err
	}
	ev := evaluation.Decode(st.evaluation)
	annotated := filepath.Join(pc.OutDir, "annotated.pdf")
	stamps, err := d.Annotator.Annotate(ctx, st.doc.Path, annotated, ev.PageNotes(st.doc.Pages), ev.Summary())
	if err != nil {
		return nil, err
	}

	base := objectBase(pc.Envelope.CorrelationID, pc.Envelope.JobID)
	pdfURL, err := storage.SaveFile(ctx, d.Storage, "annotated-pdfs/"+base+"_annotated.pdf", annotated, "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("upload annotated pdf: %w", err)
	}
	ocrURL, err := d.Storage.Save(ctx, "ocr-outputs/"+base+"_ocr.json", bytes.NewReader(st.student.Raw), "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload ocr output: %w", err)
	}
	evalURL, err := d.Storage.Save(ctx, "evaluations/"+base+"_evaluation.json", bytes.NewReader(st.evaluation), "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload evaluation: %w", err)
	}

	invalid := st.invalid
	if invalid == nil {
		invalid = []string{}
	}
	return &Result{
		PagesProcessed:   st.doc.Pages,
		OCRTextChars:     len(st.student.Text),
		OCROutputURL:     ocrURL,
		EvaluationURL:    evalURL,
		AnnotatedPDFURL:  pdfURL,
		Stamps:           stamps,
		ValidationErrors: invalid,
		Evaluation:       st.evaluation,
	}, nil
}

func current(prev any) (*state, error) {
	st, ok := prev.(*state)
	if !ok || st == nil {
		return nil, fmt.Errorf("unexpected stage input %T", prev)
	}
	return st, nil
}

// objectBase は保存先キーに使う <correlation>_<job> を返します。
func objectBase(correlationID, jobID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ' ':
			return '_'
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, correlationID)
	return safe + "_" + jobID
}
