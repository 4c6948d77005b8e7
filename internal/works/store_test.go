package works

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws/awstest"
)

const (
	ledgerTbl  = "submission-idempotency"
	worksTbl   = "works"
	reportsTbl = "reports"
)

func newTestStore() (*Store, *awstest.Dynamo) {
	d := awstest.NewDynamo()
	d.AddTable(ledgerTbl, "idempotency_key", "")
	d.AddTable(worksTbl, "work_id", "")
	d.AddGSI(worksTbl, AssignmentHashIndex, "assignment_hash", "submitted_sort")
	d.AddTable(reportsTbl, "work_id", "report_type")
	return NewStore(d, worksTbl, reportsTbl), d
}

func ledgerItem(key, workID string) map[string]interface{} {
	return map[string]interface{}{
		"idempotency_key":     key,
		"request_fingerprint": "fp",
		"status":              "IN_PROGRESS",
		"work_id":             workID,
	}
}

func testWork(id, student, assignment string) Work {
	return Work{
		WorkID:       id,
		StudentID:    student,
		StudentName:  "Student " + student,
		AssignmentID: assignment,
		SubmittedAt:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Status:       StatusCreated,
	}
}

func TestCreateWithLedger(t *testing.T) {
	s, d := newTestStore()
	ctx := context.Background()

	err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("key-1", "w1"), testWork("w1", "s1", "a1"))
	if err != nil {
		t.Fatalf("CreateWithLedger error: %v", err)
	}

	// same key again must lose, and must not create a second work row
	err = s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("key-1", "w2"), testWork("w2", "s1", "a1"))
	if !errors.Is(err, ErrLedgerKeyExists) {
		t.Fatalf("expected ErrLedgerKeyExists, got %v", err)
	}
	if d.Len(worksTbl) != 1 {
		t.Fatalf("duplicate start created %d work rows", d.Len(worksTbl))
	}
}

func TestCreateWithLedger_ConcurrentFirstWriters(t *testing.T) {
	s, d := newTestStore()
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			workID := "w" + string(rune('a'+i))
			if err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("shared-key", workID), testWork(workID, "s1", "a1")); err == nil {
				wins <- workID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one Fresh winner, got %d", len(winners))
	}
	if d.Len(worksTbl) != 1 {
		t.Fatalf("expected one work row, got %d", d.Len(worksTbl))
	}
}

func TestAttachContent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("k", "w1"), testWork("w1", "s1", "a1")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := s.AttachContent(ctx, "w1", "content-1"); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	// same content id again is a no-op
	if err := s.AttachContent(ctx, "w1", "content-1"); err != nil {
		t.Fatalf("re-attach same id should be a no-op, got %v", err)
	}
	// a different content id is a conflict, not an overwrite
	err := s.AttachContent(ctx, "w1", "content-2")
	if !errors.Is(err, ErrContentConflict) {
		t.Fatalf("expected ErrContentConflict, got %v", err)
	}
	w, err := s.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.ContentID != "content-1" {
		t.Fatalf("content id overwritten: %q", w.ContentID)
	}
}

func TestAttachContent_MissingWork(t *testing.T) {
	s, _ := newTestStore()

	err := s.AttachContent(context.Background(), "ghost", "content-1")
	if !errors.Is(err, ErrWorkMissing) {
		t.Fatalf("expected ErrWorkMissing, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("k", "w1"), testWork("w1", "s1", "a1")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := s.UpdateStatus(ctx, "w1", StatusAnalyzing); err != nil {
		t.Fatalf("update status: %v", err)
	}
	w, _ := s.Get(ctx, "w1")
	if w.Status != StatusAnalyzing {
		t.Fatalf("status not applied: %s", w.Status)
	}

	if err := s.UpdateStatus(ctx, "ghost", StatusFailed); !errors.Is(err, ErrWorkMissing) {
		t.Fatalf("expected ErrWorkMissing, got %v", err)
	}
}

func TestTransitionStatus(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	if err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("k", "w1"), testWork("w1", "s1", "a1")); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := s.TransitionStatus(ctx, "w1", StatusCreated, StatusAnalyzing); err != nil {
		t.Fatalf("created -> analyzing: %v", err)
	}
	if err := s.TransitionStatus(ctx, "w1", StatusAnalyzing, StatusDone); err != nil {
		t.Fatalf("analyzing -> done: %v", err)
	}

	// a second finalizer expecting ANALYZING must lose, not overwrite
	err := s.TransitionStatus(ctx, "w1", StatusAnalyzing, StatusFailed)
	if !errors.Is(err, ErrStatusMismatch) {
		t.Fatalf("expected ErrStatusMismatch, got %v", err)
	}
	w, _ := s.Get(ctx, "w1")
	if w.Status != StatusDone {
		t.Fatalf("loser overwrote the terminal status: %s", w.Status)
	}

	if err := s.TransitionStatus(ctx, "ghost", StatusCreated, StatusFailed); !errors.Is(err, ErrWorkMissing) {
		t.Fatalf("expected ErrWorkMissing, got %v", err)
	}
}

func TestSetAnalysis_PublishesIndexAttributes(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	work := testWork("w1", "s1", "a1")
	if err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("k", "w1"), work); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := s.SetAnalysis(ctx, &work, "hash-1", true, "w0"); err != nil {
		t.Fatalf("SetAnalysis: %v", err)
	}

	stored, _ := s.Get(ctx, "w1")
	if stored.ContentHash != "hash-1" || !stored.PlagiarismFlag || stored.PlagiarismSourceWorkID != "w0" {
		t.Fatalf("analysis fields not stored: %+v", stored)
	}
	if stored.AssignmentHash != AssignmentHashKey("a1", "hash-1") {
		t.Fatalf("gsi hash attribute missing: %q", stored.AssignmentHash)
	}
	if stored.SubmittedSort != SortKey(work.SubmittedAt, "w1") {
		t.Fatalf("gsi sort attribute missing: %q", stored.SubmittedSort)
	}
}

func seedAnalyzed(t *testing.T, s *Store, id, student, assignment, hash string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	w := testWork(id, student, assignment)
	w.SubmittedAt = at
	if err := s.CreateWithLedger(ctx, ledgerTbl, ledgerItem("k-"+id, id), w); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if err := s.SetAnalysis(ctx, &w, hash, false, ""); err != nil {
		t.Fatalf("seed analysis %s: %v", id, err)
	}
}

func TestFindPlagiarismSource(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	t1 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(2 * time.Hour)

	seedAnalyzed(t, s, "w-early", "s1", "a1", "H", t1)
	seedAnalyzed(t, s, "w-mid", "s2", "a1", "H", t2)
	seedAnalyzed(t, s, "w-other-assignment", "s3", "a2", "H", t1)
	seedAnalyzed(t, s, "w-other-hash", "s3", "a1", "X", t1)

	// the latest submitter matches the earliest prior one
	src, err := s.FindPlagiarismSource(ctx, "a1", "H", SortKey(t3, "w-new"), "s3")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if src == nil || src.WorkID != "w-early" {
		t.Fatalf("expected w-early as source, got %+v", src)
	}

	// the earliest submitter has no prior source
	src, err = s.FindPlagiarismSource(ctx, "a1", "H", SortKey(t1, "w-early"), "s1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if src != nil {
		t.Fatalf("earliest work must not match, got %+v", src)
	}
}

func TestFindPlagiarismSource_IgnoresSameStudent(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	t1 := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedAnalyzed(t, s, "w-own", "s1", "a1", "H", t1)

	src, err := s.FindPlagiarismSource(ctx, "a1", "H", SortKey(t1.Add(time.Hour), "w-new"), "s1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if src != nil {
		t.Fatalf("a student's own resubmission is not plagiarism, got %+v", src)
	}
}

func TestFindPlagiarismSource_EqualTimestampTieBreak(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	seedAnalyzed(t, s, "w-bbb", "s2", "a1", "H", at)
	seedAnalyzed(t, s, "w-aaa", "s1", "a1", "H", at)

	// equal submission times: the lowest work id orders first and wins
	src, err := s.FindPlagiarismSource(ctx, "a1", "H", SortKey(at.Add(time.Minute), "w-new"), "s3")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if src == nil || src.WorkID != "w-aaa" {
		t.Fatalf("expected w-aaa by tie-break, got %+v", src)
	}
}

func TestEnsureReport_AtMostOnePerType(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	r := Report{
		WorkID:     "w1",
		Type:       ReportPlagiarism,
		ReportID:   "r1",
		Status:     ReportStatusDone,
		ResultJSON: `{"plagiarism":false}`,
		CreatedAt:  time.Now().UTC(),
	}
	created, err := s.EnsureReport(ctx, r)
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}

	r.ReportID = "r2"
	created, err = s.EnsureReport(ctx, r)
	if err != nil {
		t.Fatalf("duplicate insert must not error: %v", err)
	}
	if created {
		t.Fatal("duplicate insert must report created=false")
	}

	got, err := s.GetReport(ctx, "w1", ReportPlagiarism)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.ReportID != "r1" {
		t.Fatalf("loser overwrote the report: %+v", got)
	}
}

func TestEnsureReport_ConcurrentAnalyzeRace(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	const n = 10
	var wg sync.WaitGroup
	createdCount := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, err := s.EnsureReport(ctx, Report{
				WorkID:     "w1",
				Type:       ReportWordCloud,
				ReportID:   "r" + string(rune('0'+i)),
				Status:     ReportStatusDone,
				ResultJSON: "{}",
				CreatedAt:  time.Now().UTC(),
			})
			if err == nil && created {
				createdCount <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(createdCount)

	wins := 0
	for range createdCount {
		wins++
	}
	if wins != 1 {
		t.Fatalf("expected exactly one report insert winner, got %d", wins)
	}
}

func TestListReports_OrderedByCreation(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if _, err := s.EnsureReport(ctx, Report{WorkID: "w1", Type: ReportWordCloud, ReportID: "r2", Status: ReportStatusDone, ResultJSON: "{}", CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.EnsureReport(ctx, Report{WorkID: "w1", Type: ReportPlagiarism, ReportID: "r1", Status: ReportStatusDone, ResultJSON: "{}", CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	reports, err := s.ListReports(ctx, "w1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports[0].ReportID != "r1" || reports[1].ReportID != "r2" {
		t.Fatalf("reports not ordered by creation: %+v", reports)
	}
}

func TestSortKey_OrderIsChronological(t *testing.T) {
	early := SortKey(time.Date(2025, 6, 1, 9, 0, 0, 500_000_000, time.UTC), "w1")
	late := SortKey(time.Date(2025, 6, 1, 9, 0, 0, 520_000_000, time.UTC), "w1")
	if !(early < late) {
		t.Fatalf("lexicographic order must match chronological: %q vs %q", early, late)
	}
}
