package pdf

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const (
	noteDesc    = "fontname:Helvetica, points:9, position:bl, offset:24 24, scalefactor:1 abs, rotation:0, fillcolor:#CC0000, opacity:1, aligntext:left"
	summaryDesc = "fontname:Helvetica-Bold, points:10, position:tl, offset:24 -24, scalefactor:1 abs, rotation:0, fillcolor:#006600, opacity:1, aligntext:left"

	wrapWidth = 90
)

// Annotator は評価コメントを各ページにスタンプとして書き込みます。
type Annotator struct{}

// Annotate は src をコピーした dst に、ページごとのコメントと全体講評を書き込みます。
// 書き込んだスタンプの数を返します。
func (a *Annotator) Annotate(ctx context.Context, src, dst string, notes map[int][]string, summary string) (int, error) {
	if err := copyFile(src, dst); err != nil {
		return 0, err
	}

	pages := make([]int, 0, len(notes))
	for p := range notes {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	stamps := 0
	for _, page := range pages {
		if err := ctx.Err(); err != nil {
			return stamps, err
		}
		text := wrapLines(notes[page])
		if text == "" {
			continue
		}
		if err := pdfapi.AddTextWatermarksFile(dst, "", []string{strconv.Itoa(page)}, true, text, noteDesc, nil); err != nil {
			return stamps, newError("ANNOTATE_FAILED", fmt.Sprintf("%d ページ目への注釈に失敗しました。", page), err)
		}
		stamps++
	}

	if s := strings.TrimSpace(summary); s != "" {
		if err := ctx.Err(); err != nil {
			return stamps, err
		}
		if err := pdfapi.AddTextWatermarksFile(dst, "", []string{"1"}, true, wrapLines([]string{s}), summaryDesc, nil); err != nil {
			return stamps, newError("ANNOTATE_FAILED", "全体講評の書き込みに失敗しました。", err)
		}
		stamps++
	}
	return stamps, nil
}

// wrapLines は各行を wrapWidth 文字程度で折り返して改行で連結します。
func wrapLines(lines []string) string {
	var out []string
	for _, line := range lines {
		for _, para := range strings.Split(line, "\n") {
			words := strings.Fields(para)
			if len(words) == 0 {
				continue
			}
			cur := words[0]
			for _, w := range words[1:] {
				if len([]rune(cur))+1+len([]rune(w)) > wrapWidth {
					out = append(out, cur)
					cur = w
					continue
				}
				cur += " " + w
			}
			out = append(out, cur)
		}
	}
	return strings.Join(out, "\n")
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
