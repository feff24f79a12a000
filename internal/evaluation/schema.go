package evaluation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// commentSchema は Comments 内の1件の指摘です。
var commentSchema = map[string]any{
	"type":     "object",
	"required": []string{"page", "coordinates"},
	"properties": map[string]any{
		"page": map[string]any{"type": "integer", "minimum": 1},
		"coordinates": map[string]any{
			"type":     "array",
			"minItems": 4,
			"maxItems": 4,
			"items":    map[string]any{"type": "number"},
		},
		"comment": map[string]any{"type": "string"},
	},
}

func sectionSchema() map[string]any {
	return map[string]any{"type": "array", "items": commentSchema}
}

// Schema は評価 JSON に期待する形です。
var Schema = map[string]any{
	"$schema":  "https://json-schema.org/draft/2020-12/schema",
	"type":     "object",
	"required": []string{"Questions", "OverallSummary"},
	"properties": map[string]any{
		"Questions": map[string]any{
			"type": "object",
			"additionalProperties": map[string]any{
				"type":     "object",
				"required": []string{"Score", "Sub-part Coverage", "Comments", "HygieneSummary", "Summary"},
				"properties": map[string]any{
					"Comments": map[string]any{
						"type":     "object",
						"required": []string{"Introduction", "Body", "Conclusion"},
						"properties": map[string]any{
							"Introduction": sectionSchema(),
							"Body":         sectionSchema(),
							"Conclusion":   sectionSchema(),
						},
					},
				},
			},
		},
		"OverallSummary": map[string]any{"type": "array", "minItems": 1},
	},
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(Schema)
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("evaluation.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("evaluation.json")
	})
	return compiled, compileErr
}

// Validate は評価 JSON を検証し、問題点を一覧で返します。
// 問題があっても処理は止めないため、エラーではなく一覧で返します。
func Validate(data []byte) []string {
	sch, err := schema()
	if err != nil {
		return []string{err.Error()}
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return []string{"evaluation is not valid JSON: " + err.Error()}
	}
	err = sch.Validate(v)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []string{err.Error()}
	}
	var out []string
	collectLeaves(verr, &out)
	sort.Strings(out)
	return out
}

func collectLeaves(e *jsonschema.ValidationError, out *[]string) {
	if len(e.Causes) == 0 {
		loc := e.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, fmt.Sprintf("%s: %s", loc, strings.TrimSpace(e.Message)))
		return
	}
	for _, c := range e.Causes {
		collectLeaves(c, out)
	}
}
