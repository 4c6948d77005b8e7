package idempotency

import "time"

// Status values for ledger records
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
)

// Record is the shape persisted in the idempotency DynamoDB table. The
// fingerprint is immutable after first write; reusing a key with a different
// fingerprint is a client conflict, never an update.
type Record struct {
	IdempotencyKey     string    `dynamodbav:"idempotency_key"` // PK
	RequestFingerprint string    `dynamodbav:"request_fingerprint"`
	Status             string    `dynamodbav:"status"`
	WorkID             string    `dynamodbav:"work_id"`
	ResponseBody       string    `dynamodbav:"response_body,omitempty"` // serialized SubmissionResult, set on Complete
	CreatedAt          time.Time `dynamodbav:"created_at"`
	UpdatedAt          time.Time `dynamodbav:"updated_at"`
	ExpiresAt          int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}
