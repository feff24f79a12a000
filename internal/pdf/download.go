package pdf

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// Document はダウンロードして検査済みのPDFです。
type Document struct {
	Path  string `json:"-"`
	Size  int64  `json:"size"`
	Pages int    `json:"pages"`
}

// Downloader は URL からPDFを取得します。
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// NewDownloader は Downloader を作成します。maxBytes が 0 以下なら上限なしです。
func NewDownloader(timeout time.Duration, maxBytes int64) *Downloader {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Downloader{client: &http.Client{Timeout: timeout}, maxBytes: maxBytes}
}

// Download は url のPDFを dir/name に保存し、形式とページ数を検査します。
func (d *Downloader) Download(ctx context.Context, url, dir, name string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, newError("INVALID_INPUT", "PDFのURLが正しくありません。", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, newError("DOWNLOAD_FAILED", "PDFのダウンロードに失敗しました。", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, newError("DOWNLOAD_FAILED", fmt.Sprintf("PDFのダウンロードに失敗しました (HTTP %d)。", resp.StatusCode), nil)
	}
	if d.maxBytes > 0 && resp.ContentLength > d.maxBytes {
		return nil, newError("FILE_TOO_LARGE", "PDFのサイズが上限を超えています。", nil)
	}

	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	var body io.Reader = resp.Body
	if d.maxBytes > 0 {
		body = io.LimitReader(resp.Body, d.maxBytes+1)
	}
	size, copyErr := io.Copy(file, body)
	closeErr := file.Close()
	if copyErr != nil {
		return nil, newError("DOWNLOAD_FAILED", "PDFのダウンロードが途中で失敗しました。", copyErr)
	}
	if closeErr != nil {
		return nil, closeErr
	}
	if d.maxBytes > 0 && size > d.maxBytes {
		return nil, newError("FILE_TOO_LARGE", "PDFのサイズが上限を超えています。", nil)
	}

	pages, err := Inspect(path)
	if err != nil {
		return nil, err
	}
	return &Document{Path: path, Size: size, Pages: pages}, nil
}

// Inspect はファイルがPDFであることを確認し、ページ数を返します。
func Inspect(path string) (int, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return 0, fmt.Errorf("detect file type: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return 0, newError("UNSUPPORTED_FILE", fmt.Sprintf("PDFではないファイルです (%s)。", mtype.String()), nil)
	}
	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return 0, newError("UNSUPPORTED_PDF", "PDFを読み込めませんでした。ファイルが破損していないか確認してください。", err)
	}
	if pages <= 0 {
		return 0, newError("UNSUPPORTED_PDF", "ページのないPDFです。", nil)
	}
	return pages, nil
}
