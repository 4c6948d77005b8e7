package works

import (
	"fmt"
	"time"
)

// Work statuses
const (
	StatusCreated          = "CREATED"
	StatusFileUploadFailed = "FILE_UPLOAD_FAILED"
	StatusAnalyzing        = "ANALYZING"
	StatusDone             = "DONE"
	StatusFailed           = "FAILED"
)

// Report types
const (
	ReportPlagiarism = "PLAGIARISM"
	ReportWordCloud  = "WORD_CLOUD"
)

// Report statuses
const (
	ReportStatusPending = "PENDING"
	ReportStatusDone    = "DONE"
	ReportStatusFailed  = "FAILED"
)

// Work represents one logical submission in the works DynamoDB table.
// Works are never deleted; they are the audit trail and the corpus the
// plagiarism matcher queries.
type Work struct {
	WorkID                 string    `dynamodbav:"work_id"` // PK
	StudentID              string    `dynamodbav:"student_id"`
	StudentName            string    `dynamodbav:"student_name"`
	AssignmentID           string    `dynamodbav:"assignment_id"`
	SubmittedAt            time.Time `dynamodbav:"submitted_at"`
	ContentID              string    `dynamodbav:"content_id,omitempty"`
	ContentHash            string    `dynamodbav:"content_hash,omitempty"` // hex SHA-256, set during analyze
	Status                 string    `dynamodbav:"status"`
	PlagiarismFlag         bool      `dynamodbav:"plagiarism_flag"`
	PlagiarismSourceWorkID string    `dynamodbav:"plagiarism_source_work_id,omitempty"`

	// GSI attributes, written once the content hash is known so only
	// analyzed works are match candidates.
	AssignmentHash string `dynamodbav:"assignment_hash,omitempty"` // assignment-hash-index HASH
	SubmittedSort  string `dynamodbav:"submitted_sort,omitempty"`  // assignment-hash-index RANGE

	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// Report is one generated report row. PK work_id + SK report_type makes the
// at-most-one-report-per-type invariant a key constraint, not application
// logic.
type Report struct {
	WorkID            string    `dynamodbav:"work_id"`     // PK
	Type              string    `dynamodbav:"report_type"` // SK
	ReportID          string    `dynamodbav:"report_id"`
	Status            string    `dynamodbav:"status"`
	ResultJSON        string    `dynamodbav:"result_json"`
	ArtifactContentID string    `dynamodbav:"artifact_content_id,omitempty"`
	CreatedAt         time.Time `dynamodbav:"created_at"`
}

// AssignmentHashKey builds the GSI hash attribute.
func AssignmentHashKey(assignmentID, contentHash string) string {
	return assignmentID + "#" + contentHash
}

// SortKey builds the GSI range attribute. The fixed-width fractional-second
// format keeps lexicographic order equal to chronological order, and the
// work id suffix makes the order total: among equal timestamps the lowest
// work id sorts first and wins the earliest-source tie-break.
func SortKey(submittedAt time.Time, workID string) string {
	return fmt.Sprintf("%s#%s", submittedAt.UTC().Format("2006-01-02T15:04:05.000000000Z"), workID)
}
