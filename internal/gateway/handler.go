package gateway

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/analysis"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/filestore"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/validation"
)

// AnalysisAPI is the slice of the orchestrator the gateway drives.
type AnalysisAPI interface {
	Start(ctx context.Context, in analysis.StartInput) (*analysis.StartOutput, error)
	AttachFile(ctx context.Context, workID, idempotencyKey, contentID string) error
	MarkUploadFailed(ctx context.Context, workID string) error
	Analyze(ctx context.Context, workID, idempotencyKey string) (*analysis.SubmissionResult, error)
	GetResult(ctx context.Context, workID string) (*analysis.SubmissionResult, error)
}

// HandlerConfig groups dependencies for the submission gateway.
type HandlerConfig struct {
	Analysis AnalysisAPI
	Files    filestore.Store
	Log      *zap.Logger
}

// RegisterRoutes registers the submission API.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	h := &handler{analysis: cfg.Analysis, files: cfg.Files, log: log, validate: validation.New()}

	r.POST("/works", h.submitWork)
	r.GET("/works/:id", h.getWork)
	r.GET("/works/:id/reports", h.getReports)
	r.GET("/files/:id", h.downloadFile)
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

type handler struct {
	analysis AnalysisAPI
	files    filestore.Store
	log      *zap.Logger
	validate *validatorv10.Validate
}

// submitWork runs the whole submission saga in one request: start (or resume)
// against the idempotency key, upload + attach the file unless a previous
// attempt already did, then analyze. A completed key short-circuits to the
// cached response before the file is uploaded anywhere.
func (h *handler) submitWork(c *gin.Context) {
	ctx := c.Request.Context()

	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey == "" {
		h.writeError(c, apperr.E(apperr.KindValidation, "missing_idempotency_key",
			"Idempotency-Key header is required"))
		return
	}

	var form validation.SubmissionForm
	if err := validation.BindAndValidate(c, &form, h.validate); err != nil {
		h.writeError(c, err)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		h.writeError(c, apperr.Wrap(apperr.KindValidation, "missing_file",
			"multipart field 'file' is required", err))
		return
	}

	spool, err := spoolUpload(fh)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer spool.Cleanup()

	out, err := h.analysis.Start(ctx, analysis.StartInput{
		IdempotencyKey:     idempKey,
		RequestFingerprint: requestFingerprint(form.StudentID, form.StudentName, form.AssignmentID, spool.sha256Hex),
		StudentID:          form.StudentID,
		StudentName:        form.StudentName,
		AssignmentID:       form.AssignmentID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	if out.Kind == analysis.KindCompleted {
		// replay the stored response byte for byte
		c.Data(http.StatusOK, "application/json", out.CachedResponse)
		return
	}

	if out.ExistingContentID == "" {
		if err := h.uploadAndAttach(ctx, out.WorkID, idempKey, spool); err != nil {
			h.writeError(c, err)
			return
		}
	}

	result, err := h.analysis.Analyze(ctx, out.WorkID, idempKey)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// uploadAndAttach is the saga's middle leg. When it fails the work is moved
// to FILE_UPLOAD_FAILED so a later retry with the same key can recover.
func (h *handler) uploadAndAttach(ctx context.Context, workID, idempKey string, spool *spooledUpload) error {
	src, err := spool.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	contentID, err := h.files.Upload(ctx, src, spool.size, spool.contentType, spool.fileName)
	if err != nil {
		h.compensateUpload(ctx, workID)
		return apperr.Wrap(apperr.KindUnavailable, "upload_failed", "storing the file failed", err)
	}

	if err := h.analysis.AttachFile(ctx, workID, idempKey, contentID); err != nil {
		if apperr.KindOf(err) != apperr.KindConflict {
			h.compensateUpload(ctx, workID)
		}
		return err
	}
	return nil
}

func (h *handler) compensateUpload(ctx context.Context, workID string) {
	apperr.Try(h.log, "mark upload failed", func() error {
		return h.analysis.MarkUploadFailed(ctx, workID)
	})
}

func (h *handler) getWork(c *gin.Context) {
	result, err := h.analysis.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handler) getReports(c *gin.Context) {
	result, err := h.analysis.GetResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workId": result.WorkID, "reports": result.Reports})
}

func (h *handler) downloadFile(c *gin.Context) {
	rc, contentType, err := h.files.Download(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Type", contentType)
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		h.log.Warn("streaming file to client failed", zap.Error(err))
	}
}

func (h *handler) writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("code", apperr.CodeOf(err)), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   apperr.CodeOf(err),
		"message": err.Error(),
	})
}
