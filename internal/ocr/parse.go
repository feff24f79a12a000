package ocr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Document は OCR 結果を正規化した形です。
type Document struct {
	Pages              []Page              `json:"Pages"`
	EmptyPageDetection *EmptyPageDetection `json:"empty_page_detection,omitempty"`
}

// Page は1ページ分の OCR 結果です。
type Page struct {
	Number int     `json:"Page_Number"`
	Blocks []Block `json:"Blocks"`
}

// Block は段落単位のまとまりです。
type Block struct {
	Lines []Line `json:"Lines"`
}

// Line は1行分のテキストと座標です。
type Line struct {
	Text        string    `json:"text"`
	Coordinates []float64 `json:"coordinates,omitempty"`
}

// EmptyPageDetection はモデルが判定した空白ページの情報です。
type EmptyPageDetection struct {
	CaseApplied         int  `json:"case_applied"`
	InsertBlankPage     bool `json:"insert_blank_page"`
	BlankPagePosition   *int `json:"blank_page_position"`
	SummaryPagePosition *int `json:"summary_page_position"`
}

// Result は Parse の結果です。Raw は正規化後の JSON です。
type Result struct {
	Raw      json.RawMessage
	Document Document
	Text     string
	Repaired bool
}

var (
	numberWordRe   = regexp.MustCompile(`(\d+)\s+[a-zA-Z]+\s*,`)
	strayWordRe    = regexp.MustCompile(`,\s*[a-zA-Z_]+\s*,`)
	coordinatesRe  = regexp.MustCompile(`"(Coordinates|coordinates)":\s*\[\s*([^\]]+)\]`)
	numberRe       = regexp.MustCompile(`-?\d+\.?\d*`)
	exactNumberRe  = regexp.MustCompile(`^-?\d+\.?\d*$`)
	codeFenceStart = regexp.MustCompile("^```[a-zA-Z]*\\s*")
)

// Parse はモデルの出力を解析します。
// JSON として読めない場合は座標配列などの典型的な崩れを補修して再試行します。
func Parse(text string) (*Result, error) {
	text = StripCodeFence(text)

	var data any
	repaired := false
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		fixed := Repair(text)
		if err2 := json.Unmarshal([]byte(fixed), &data); err2 != nil {
			return nil, fmt.Errorf("parse ocr output: %w (after repair: %v)", err, err2)
		}
		repaired = true
	}

	normalized := Normalize(data)
	raw, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode normalized ocr output: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unexpected ocr output shape: %w", err)
	}
	return &Result{Raw: raw, Document: doc, Text: doc.Text(), Repaired: repaired}, nil
}

// StripCodeFence は ```json ... ``` で囲まれた出力から中身を取り出します。
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = codeFenceStart.ReplaceAllString(text, "")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	return strings.TrimSpace(text)
}

// Repair は座標配列に紛れ込んだ単語などを取り除きます。
// 座標配列は必ず4要素に揃えます。
func Repair(text string) string {
	text = numberWordRe.ReplaceAllString(text, "${1}.0,")
	text = strayWordRe.ReplaceAllString(text, ", 0.0,")
	return coordinatesRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := coordinatesRe.FindStringSubmatch(match)
		key, content := sub[1], sub[2]

		cleaned := make([]string, 0, 4)
		for _, part := range strings.Split(content, ",") {
			part = strings.TrimSpace(part)
			if exactNumberRe.MatchString(part) {
				cleaned = append(cleaned, part)
				continue
			}
			if n := numberRe.FindString(part); n != "" {
				cleaned = append(cleaned, n)
			}
		}
		for len(cleaned) < 4 {
			cleaned = append(cleaned, "0.0")
		}
		return fmt.Sprintf(`"%s": [%s]`, key, strings.Join(cleaned[:4], ", "))
	})
}

// Normalize はモデルが返すさまざまな形を {"Pages": [...]} に揃えます。
//
//	[{...}]                      要素1つのリストはその要素
//	[{"Page_Number": 1}, ...]    ページのリストは Pages に包む
//	{"Page_Number": 1, ...}      単一ページも Pages に包む
func Normalize(data any) any {
	if list, ok := data.([]any); ok {
		if len(list) == 1 {
			if m, ok := list[0].(map[string]any); ok {
				data = m
			}
		} else if len(list) > 0 {
			if m, ok := list[0].(map[string]any); ok {
				if _, has := m["Page_Number"]; has {
					data = map[string]any{"Pages": list}
				}
			}
		}
	}
	if m, ok := data.(map[string]any); ok {
		if _, has := m["Pages"]; !has {
			if _, isPage := m["Page_Number"]; isPage {
				data = map[string]any{"Pages": []any{m}}
			}
		}
	}
	return data
}

// Text は全ページの行テキストを改行区切りで連結します。
func (d Document) Text() string {
	var parts []string
	for _, page := range d.Pages {
		for _, block := range page.Blocks {
			for _, line := range block.Lines {
				if line.Text != "" {
					parts = append(parts, line.Text)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}
