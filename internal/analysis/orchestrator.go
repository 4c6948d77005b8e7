// Package analysis drives a submission through its lifecycle:
// start -> attach content -> analyze -> finalize, each step checked against
// the idempotency ledger so client retries never duplicate work.
package analysis

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/apperr"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/filestore"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/textutil"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/works"
)

const (
	maxExtractBytes  = 512_000
	maxFreqWords     = 120
	maxExpandTokens  = 1500
	topWordsInReport = 20
	cloudWidth       = 800
	cloudHeight      = 500
)

// Renderer renders a word-cloud PNG from expanded tokens.
type Renderer interface {
	Render(ctx context.Context, text string, width, height int) ([]byte, error)
}

// EventPublisher emits lifecycle events; delivery is best-effort.
type EventPublisher interface {
	PublishLifecycle(ctx context.Context, ev aws.LifecycleEvent) error
}

// Config groups orchestrator dependencies.
type Config struct {
	Ledger          *idempotency.Store
	Works           *works.Store
	Files           filestore.Store
	Renderer        Renderer       // optional, nil when word clouds are disabled
	Events          EventPublisher // optional
	Log             *zap.Logger
	EnableWordCloud bool
}

// Orchestrator owns all Work and Report mutation; no other component writes
// them.
type Orchestrator struct {
	ledger          *idempotency.Store
	works           *works.Store
	files           filestore.Store
	renderer        Renderer
	events          EventPublisher
	log             *zap.Logger
	enableWordCloud bool
	nowFunc         func() time.Time
	newID           func() string
}

// NewOrchestrator wires an orchestrator from cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		ledger:          cfg.Ledger,
		works:           cfg.Works,
		files:           cfg.Files,
		renderer:        cfg.Renderer,
		events:          cfg.Events,
		log:             log,
		enableWordCloud: cfg.EnableWordCloud,
		nowFunc:         time.Now,
		newID:           uuid.NewString,
	}
}

// Start begins a submission flow or resumes the one already bound to the
// idempotency key. Exactly one concurrent first-writer for a key wins the
// ledger insert; losers resolve against the stored record.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (*StartOutput, error) {
	if in.IdempotencyKey == "" || in.RequestFingerprint == "" ||
		in.StudentID == "" || in.StudentName == "" || in.AssignmentID == "" {
		return nil, apperr.E(apperr.KindValidation, "validation",
			"idempotencyKey, requestFingerprint, studentId, studentName and assignmentId are required")
	}

	workID := o.newID()
	work := works.Work{
		WorkID:       workID,
		StudentID:    in.StudentID,
		StudentName:  in.StudentName,
		AssignmentID: in.AssignmentID,
		SubmittedAt:  o.nowFunc().UTC(),
		Status:       works.StatusCreated,
	}
	rec := o.ledger.NewRecord(in.IdempotencyKey, in.RequestFingerprint, workID)

	err := o.works.CreateWithLedger(ctx, o.ledger.TableName(), rec, work)
	if err == nil {
		return &StartOutput{Kind: KindInProgress, WorkID: workID, WorkStatus: works.StatusCreated}, nil
	}
	if !errors.Is(err, works.ErrLedgerKeyExists) {
		return nil, fmt.Errorf("create work with ledger: %w", err)
	}

	// lost the first-writer race or resumed a prior request: re-read as if
	// we had arrived second
	return o.resume(ctx, in.IdempotencyKey, in.RequestFingerprint)
}

func (o *Orchestrator) resume(ctx context.Context, key, fingerprint string) (*StartOutput, error) {
	rec, err := o.ledger.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if rec == nil {
		return nil, apperr.E(apperr.KindInternal, "ledger_inconsistent",
			"ledger insert conflicted but no record found")
	}
	if rec.RequestFingerprint != fingerprint {
		return nil, apperr.E(apperr.KindConflict, "fingerprint_conflict",
			"idempotency key already used with a different request payload")
	}

	// the work state must be read, not guessed: a stale CREATED/empty
	// content id would make the gateway re-upload and attach a second
	// content id
	w, err := o.works.Get(ctx, rec.WorkID)
	if err != nil {
		return nil, fmt.Errorf("read work: %w", err)
	}

	out := &StartOutput{Kind: KindInProgress, WorkID: rec.WorkID, WorkStatus: works.StatusCreated}
	if w != nil {
		out.WorkStatus = w.Status
		out.ExistingContentID = w.ContentID
	}

	if rec.Status == idempotency.StatusCompleted && rec.ResponseBody != "" {
		out.Kind = KindCompleted
		out.CachedResponse = json.RawMessage(rec.ResponseBody)
	}
	return out, nil
}

// AttachFile binds an uploaded content id to the work, exactly once.
func (o *Orchestrator) AttachFile(ctx context.Context, workID, idempotencyKey, contentID string) error {
	if idempotencyKey == "" || contentID == "" {
		return apperr.E(apperr.KindValidation, "validation", "idempotencyKey and contentId are required")
	}

	rec, err := o.ledger.Get(ctx, idempotencyKey)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if rec == nil {
		return apperr.E(apperr.KindNotFound, "not_started", "unknown idempotency key")
	}
	if rec.WorkID != workID {
		return apperr.E(apperr.KindValidation, "work_mismatch", "idempotency key belongs to a different work")
	}

	switch err := o.works.AttachContent(ctx, workID, contentID); {
	case err == nil:
		return nil
	case errors.Is(err, works.ErrWorkMissing):
		return apperr.E(apperr.KindNotFound, "work_not_found", "unknown work id")
	case errors.Is(err, works.ErrContentConflict):
		return apperr.E(apperr.KindConflict, "content_id_conflict",
			"a different content id is already attached to this work")
	default:
		return fmt.Errorf("attach content: %w", err)
	}
}

// MarkUploadFailed is the gateway's compensation when the upload step fails
// before any content is attached. A missing work, or one that already moved
// past CREATED, counts as already resolved.
func (o *Orchestrator) MarkUploadFailed(ctx context.Context, workID string) error {
	err := o.works.TransitionStatus(ctx, workID, works.StatusCreated, works.StatusFileUploadFailed)
	if errors.Is(err, works.ErrWorkMissing) || errors.Is(err, works.ErrStatusMismatch) {
		return nil
	}
	return err
}

// Analyze runs the full pipeline: hash the content, match plagiarism, ensure
// reports, finalize the work and cache the result in the ledger. A completed
// key replays the cached result without touching the content store or
// renderer. On failure the work is marked FAILED but the ledger record stays
// InProgress so a legitimate retry can re-run analysis.
func (o *Orchestrator) Analyze(ctx context.Context, workID, idempotencyKey string) (*SubmissionResult, error) {
	if idempotencyKey == "" {
		return nil, apperr.E(apperr.KindValidation, "validation", "idempotencyKey is required")
	}

	rec, err := o.ledger.Get(ctx, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if rec == nil {
		return nil, apperr.E(apperr.KindNotFound, "not_started", "unknown idempotency key")
	}
	if rec.WorkID != workID {
		return nil, apperr.E(apperr.KindValidation, "work_mismatch", "idempotency key belongs to a different work")
	}

	if rec.Status == idempotency.StatusCompleted && rec.ResponseBody != "" {
		var cached SubmissionResult
		if err := json.Unmarshal([]byte(rec.ResponseBody), &cached); err == nil {
			return &cached, nil
		}
		o.log.Warn("cached response is not a valid result, re-running analysis",
			zap.String("work_id", workID))
	}

	work, err := o.works.Get(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("read work: %w", err)
	}
	if work == nil {
		return nil, apperr.E(apperr.KindNotFound, "work_not_found", "unknown work id")
	}
	if work.ContentID == "" {
		return nil, apperr.E(apperr.KindValidation, "file_not_attached", "no content attached to this work")
	}

	if err := o.works.UpdateStatus(ctx, workID, works.StatusAnalyzing); err != nil {
		return nil, fmt.Errorf("transition to analyzing: %w", err)
	}

	result, err := o.runAnalysis(ctx, work, idempotencyKey)
	if err != nil {
		o.log.Error("analyze failed",
			zap.String("work_id", workID),
			zap.Error(err))
		apperr.Try(o.log, "mark work failed", func() error {
			return o.works.TransitionStatus(ctx, workID, works.StatusAnalyzing, works.StatusFailed)
		})
		o.publishEvent(ctx, workID, works.StatusFailed, idempotencyKey)
		if apperr.KindOf(err) != apperr.KindInternal {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.KindInternal, "analyze_failed", "analysis pipeline failed", err)
	}
	return result, nil
}

func (o *Orchestrator) runAnalysis(ctx context.Context, work *works.Work, idempotencyKey string) (*SubmissionResult, error) {
	contentHash, err := o.hashContent(ctx, work.ContentID)
	if err != nil {
		return nil, err
	}

	currentSort := works.SortKey(work.SubmittedAt, work.WorkID)
	source, err := o.works.FindPlagiarismSource(ctx, work.AssignmentID, contentHash, currentSort, work.StudentID)
	if err != nil {
		return nil, err
	}

	sourceID := ""
	if source != nil {
		sourceID = source.WorkID
	}
	if err := o.works.SetAnalysis(ctx, work, contentHash, source != nil, sourceID); err != nil {
		return nil, err
	}

	if err := o.ensurePlagiarismReport(ctx, work); err != nil {
		return nil, err
	}

	if o.enableWordCloud && o.renderer != nil {
		o.tryWordCloudReport(ctx, work)
	}

	switch err := o.works.TransitionStatus(ctx, work.WorkID, works.StatusAnalyzing, works.StatusDone); {
	case err == nil:
	case errors.Is(err, works.ErrStatusMismatch):
		// a concurrent analyze for the same work finalized first; its
		// reports are the ones we just observed as already present
		cur, gerr := o.works.Get(ctx, work.WorkID)
		if gerr != nil || cur == nil || cur.Status != works.StatusDone {
			return nil, err
		}
	default:
		return nil, err
	}

	result, err := o.GetResult(ctx, work.WorkID)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	if err := o.ledger.Complete(ctx, idempotencyKey, string(body)); err != nil {
		return nil, err
	}

	o.publishEvent(ctx, work.WorkID, works.StatusDone, idempotencyKey)
	return result, nil
}

func (o *Orchestrator) hashContent(ctx context.Context, contentID string) (string, error) {
	rc, _, err := o.files.Download(ctx, contentID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", apperr.Wrap(apperr.KindUnavailable, "content_store_unavailable", "reading content failed", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (o *Orchestrator) ensurePlagiarismReport(ctx context.Context, work *works.Work) error {
	payload, err := json.Marshal(map[string]interface{}{
		"plagiarism":   work.PlagiarismFlag,
		"sourceWorkId": nullable(work.PlagiarismSourceWorkID),
	})
	if err != nil {
		return fmt.Errorf("marshal plagiarism payload: %w", err)
	}

	created, err := o.works.EnsureReport(ctx, works.Report{
		WorkID:     work.WorkID,
		Type:       works.ReportPlagiarism,
		ReportID:   o.newID(),
		Status:     works.ReportStatusDone,
		ResultJSON: string(payload),
		CreatedAt:  o.nowFunc().UTC(),
	})
	if err != nil {
		return err
	}
	if !created {
		o.log.Debug("plagiarism report already present", zap.String("work_id", work.WorkID))
	}
	return nil
}

// tryWordCloudReport is best-effort: rendering or artifact upload failures
// record a FAILED report (when none exists yet) and never fail analyze.
func (o *Orchestrator) tryWordCloudReport(ctx context.Context, work *works.Work) {
	existing, err := o.works.GetReport(ctx, work.WorkID, works.ReportWordCloud)
	if err == nil && existing != nil {
		return
	}

	if err := o.buildWordCloudReport(ctx, work); err != nil {
		o.log.Warn("word cloud generation failed",
			zap.String("work_id", work.WorkID),
			zap.Error(err))

		payload, _ := json.Marshal(map[string]string{
			"error":   "word cloud failed",
			"message": err.Error(),
		})
		apperr.Try(o.log, "record failed word cloud report", func() error {
			_, err := o.works.EnsureReport(ctx, works.Report{
				WorkID:     work.WorkID,
				Type:       works.ReportWordCloud,
				ReportID:   o.newID(),
				Status:     works.ReportStatusFailed,
				ResultJSON: string(payload),
				CreatedAt:  o.nowFunc().UTC(),
			})
			return err
		})
	}
}

func (o *Orchestrator) buildWordCloudReport(ctx context.Context, work *works.Work) error {
	rc, _, err := o.files.Download(ctx, work.ContentID)
	if err != nil {
		return err
	}
	defer rc.Close()

	text, err := textutil.ExtractText(rc, maxExtractBytes)
	if err != nil {
		return fmt.Errorf("extract text: %w", err)
	}

	ranked := textutil.BuildWordFreq(text, maxFreqWords)
	expanded := textutil.ExpandForWordCloud(ranked, maxExpandTokens)
	if expanded == "" {
		// binary or empty upload, nothing to render
		return nil
	}

	png, err := o.renderer.Render(ctx, expanded, cloudWidth, cloudHeight)
	if err != nil {
		return err
	}

	artifactID, err := o.files.Upload(ctx, bytes.NewReader(png), int64(len(png)), "image/png", "wordcloud.png")
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]interface{}{
		"note":     "word cloud rendered via QuickChart",
		"topWords": textutil.TopWords(ranked, topWordsInReport),
	})
	if err != nil {
		return fmt.Errorf("marshal word cloud payload: %w", err)
	}

	_, err = o.works.EnsureReport(ctx, works.Report{
		WorkID:            work.WorkID,
		Type:              works.ReportWordCloud,
		ReportID:          o.newID(),
		Status:            works.ReportStatusDone,
		ResultJSON:        string(payload),
		ArtifactContentID: artifactID,
		CreatedAt:         o.nowFunc().UTC(),
	})
	return err
}

// GetResult projects the current work and its reports, ordered by report
// creation time.
func (o *Orchestrator) GetResult(ctx context.Context, workID string) (*SubmissionResult, error) {
	work, err := o.works.Get(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("read work: %w", err)
	}
	if work == nil {
		return nil, apperr.E(apperr.KindNotFound, "work_not_found", "unknown work id")
	}

	reports, err := o.works.ListReports(ctx, workID)
	if err != nil {
		return nil, err
	}

	views := make([]ReportView, 0, len(reports))
	for _, r := range reports {
		result := r.ResultJSON
		if result == "" {
			result = "{}"
		}
		views = append(views, ReportView{
			ReportID:          r.ReportID,
			Type:              r.Type,
			Status:            r.Status,
			Result:            json.RawMessage(result),
			ArtifactContentID: r.ArtifactContentID,
			CreatedAt:         r.CreatedAt,
		})
	}

	return &SubmissionResult{
		WorkID:                 work.WorkID,
		Status:                 work.Status,
		Plagiarism:             work.PlagiarismFlag,
		PlagiarismSourceWorkID: work.PlagiarismSourceWorkID,
		Reports:                views,
	}, nil
}

func (o *Orchestrator) publishEvent(ctx context.Context, workID, status, key string) {
	if o.events == nil {
		return
	}
	apperr.Try(o.log, "publish lifecycle event", func() error {
		return o.events.PublishLifecycle(ctx, aws.LifecycleEvent{
			WorkID:         workID,
			Status:         status,
			IdempotencyKey: key,
		})
	})
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
