// Package httpapi は HTTP ハンドラーとルーティングを提供します。
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/deep-eval/internal/jobs"
)

// Submitter はジョブを受け付けます。
type Submitter interface {
	Submit(ctx context.Context, in jobs.SubmitInput) (*jobs.Accepted, error)
}

// StatusService はジョブ状態を返します。
type StatusService interface {
	Status(ctx context.Context, jobID string) (jobs.View, error)
}

// flexString は文字列または数値で送られてくる識別子を受け取ります。
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// submitRequest は投入リクエストです。旧クライアントのフィールド名も受け付けます。
type submitRequest struct {
	DocRef         string     `json:"doc_ref"`
	CorrelationID  flexString `json:"correlation_id"`
	ModelAnswerRef string     `json:"model_answer_ref"`

	StudentUploadedPDFURL string     `json:"student_uploaded_pdf_url"`
	UID                   flexString `json:"uid"`
	ModelAnswerURL        string     `json:"model_answer_url"`
}

func (r submitRequest) input() jobs.SubmitInput {
	in := jobs.SubmitInput{
		DocRef:         r.DocRef,
		CorrelationID:  string(r.CorrelationID),
		ModelAnswerRef: r.ModelAnswerRef,
	}
	if strings.TrimSpace(in.DocRef) == "" {
		in.DocRef = r.StudentUploadedPDFURL
	}
	if strings.TrimSpace(in.CorrelationID) == "" {
		in.CorrelationID = string(r.UID)
	}
	if strings.TrimSpace(in.ModelAnswerRef) == "" {
		in.ModelAnswerRef = r.ModelAnswerURL
	}
	return in
}

// SubmitHandler は POST /api/jobs のハンドラーを返します。
// 受け付けたジョブは 202 で job_id と status_url を返します。
func SubmitHandler(svc Submitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "JSON で doc_ref と correlation_id を送信してください。",
			})
			return
		}

		accepted, err := svc.Submit(c.Request.Context(), req.input())
		if err != nil {
			respondSubmitError(c, accepted, err)
			return
		}
		c.JSON(http.StatusAccepted, accepted)
	}
}

func respondSubmitError(c *gin.Context, accepted *jobs.Accepted, err error) {
	var verr *jobs.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "入力内容に誤りがあります。",
			"fields":  verr.Fields,
		})
		return
	}

	var jobErr *jobs.Error
	if errors.As(err, &jobErr) && jobErr.Kind == jobs.KindQueueUnavailable && accepted != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":       "QUEUE_UNAVAILABLE",
			"message":    "現在ジョブを受け付けられません。しばらくしてから再度お試しください。",
			"job_id":     accepted.JobID,
			"status_url": accepted.StatusURL,
		})
		return
	}

	_ = c.Error(err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "INTERNAL_ERROR",
		"message": "ジョブの受付に失敗しました。",
	})
}

// StatusHandler は GET /status/:id のハンドラーを返します。
// 存在しない、または期限切れの ID も 200 で unknown を返します。
func StatusHandler(svc StatusService) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "job_id を指定してください。",
			})
			return
		}

		view, err := svc.Status(c.Request.Context(), jobID)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, view)
	}
}
