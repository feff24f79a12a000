package evaluation

import (
	"encoding/json"
	"sort"
	"strings"
)

// Comment は答案の位置に紐づく指摘です。
type Comment struct {
	Page        int       `json:"page"`
	Coordinates []float64 `json:"coordinates"`
	Comment     string    `json:"comment"`
}

// Question は設問ごとの評価です。
type Question struct {
	Score    any    `json:"Score"`
	Summary  string `json:"Summary"`
	Comments struct {
		Introduction []Comment `json:"Introduction"`
		Body         []Comment `json:"Body"`
		Conclusion   []Comment `json:"Conclusion"`
	} `json:"Comments"`
}

// Evaluation は評価 JSON のうち注釈に使う部分です。
type Evaluation struct {
	Questions      map[string]Question `json:"Questions"`
	OverallSummary []any               `json:"OverallSummary"`
}

// Decode は評価 JSON を読み取ります。形が違う部分は空のまま返します。
func Decode(data []byte) Evaluation {
	var ev Evaluation
	if err := json.Unmarshal(data, &ev); err != nil {
		// 部分的に合わない場合でも設問ごとに読める範囲で読む
		var loose struct {
			Questions      map[string]json.RawMessage `json:"Questions"`
			OverallSummary []any                      `json:"OverallSummary"`
		}
		if json.Unmarshal(data, &loose) != nil {
			return Evaluation{}
		}
		ev = Evaluation{Questions: map[string]Question{}, OverallSummary: loose.OverallSummary}
		for id, raw := range loose.Questions {
			var q Question
			if json.Unmarshal(raw, &q) == nil {
				ev.Questions[id] = q
			}
		}
	}
	return ev
}

// PageNotes はページ番号ごとに指摘をまとめます。
// 本文が空のもの、座標が4つでないもの、ページ範囲外のものは除きます。
func (e Evaluation) PageNotes(pageCount int) map[int][]string {
	notes := map[int][]string{}
	ids := make([]string, 0, len(e.Questions))
	for id := range e.Questions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		q := e.Questions[id]
		for _, section := range [][]Comment{q.Comments.Introduction, q.Comments.Body, q.Comments.Conclusion} {
			for _, c := range section {
				text := strings.TrimSpace(c.Comment)
				if text == "" || len(c.Coordinates) != 4 {
					continue
				}
				if c.Page < 1 || (pageCount > 0 && c.Page > pageCount) {
					continue
				}
				notes[c.Page] = append(notes[c.Page], id+": "+text)
			}
		}
	}
	return notes
}

// Summary は OverallSummary を文字列として連結します。
func (e Evaluation) Summary() string {
	var parts []string
	for _, item := range e.OverallSummary {
		switch v := item.(type) {
		case string:
			parts = append(parts, v)
		default:
			if b, err := json.Marshal(v); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
