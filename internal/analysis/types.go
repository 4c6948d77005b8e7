package analysis

import (
	"encoding/json"
	"time"
)

// StartOutput kinds
const (
	KindCompleted  = "Completed"
	KindInProgress = "InProgress"
)

// StartInput starts (or resumes) a submission flow.
type StartInput struct {
	IdempotencyKey     string
	RequestFingerprint string
	StudentID          string
	StudentName        string
	AssignmentID       string
}

// StartOutput reports whether the flow is fresh/resumed or already finished.
// ExistingContentID lets a retrying client skip re-uploading its file.
type StartOutput struct {
	Kind              string          `json:"kind"`
	WorkID            string          `json:"workId"`
	WorkStatus        string          `json:"workStatus"`
	ExistingContentID string          `json:"existingContentId,omitempty"`
	CachedResponse    json.RawMessage `json:"cachedResponse,omitempty"`
}

// ReportView is the serialized form of one report.
type ReportView struct {
	ReportID          string          `json:"reportId"`
	Type              string          `json:"type"`
	Status            string          `json:"status"`
	Result            json.RawMessage `json:"result"`
	ArtifactContentID string          `json:"artifactContentId,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

// SubmissionResult is the consolidated analyze outcome, also the payload
// cached in the ledger for replays.
type SubmissionResult struct {
	WorkID                 string       `json:"workId"`
	Status                 string       `json:"status"`
	Plagiarism             bool         `json:"plagiarism"`
	PlagiarismSourceWorkID string       `json:"plagiarismSourceWorkId,omitempty"`
	Reports                []ReportView `json:"reports"`
}
