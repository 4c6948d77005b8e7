package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws/awstest"
)

const testTable = "submission-idempotency"

func newTestStore() (*Store, *awstest.Dynamo) {
	d := awstest.NewDynamo()
	d.AddTable(testTable, "idempotency_key", "")
	return NewStore(d, testTable, 48*time.Hour), d
}

func putRecord(t *testing.T, d *awstest.Dynamo, rec Record) {
	t.Helper()
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	table := testTable
	if _, err := d.PutItem(context.Background(), &dyn.PutItemInput{TableName: &table, Item: item}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func TestNewRecord(t *testing.T) {
	s, _ := newTestStore()
	s.nowFunc = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }

	rec := s.NewRecord("key-1", "fp-1", "work-1")

	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.RequestFingerprint != "fp-1" || rec.WorkID != "work-1" {
		t.Fatalf("record fields not set: %+v", rec)
	}
	wantExpiry := rec.CreatedAt.Add(48 * time.Hour).Unix()
	if rec.ExpiresAt != wantExpiry {
		t.Fatalf("ttl mismatch: got %d want %d", rec.ExpiresAt, wantExpiry)
	}
}

func TestGet_MissingKey(t *testing.T) {
	s, _ := newTestStore()

	rec, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for unknown key, got %+v", rec)
	}
}

func TestComplete_StoresResponse(t *testing.T) {
	s, d := newTestStore()
	ctx := context.Background()

	putRecord(t, d, s.NewRecord("key-1", "fp-1", "work-1"))

	if err := s.Complete(ctx, "key-1", `{"workId":"work-1","status":"DONE"}`); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	rec, err := s.Get(ctx, "key-1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", rec.Status)
	}
	if rec.ResponseBody != `{"workId":"work-1","status":"DONE"}` {
		t.Fatalf("response body not stored: %q", rec.ResponseBody)
	}
	// fingerprint never changes after first write
	if rec.RequestFingerprint != "fp-1" {
		t.Fatalf("fingerprint mutated: %q", rec.RequestFingerprint)
	}
}

func TestComplete_UnknownKeyFails(t *testing.T) {
	s, _ := newTestStore()

	err := s.Complete(context.Background(), "ghost-key", "{}")
	if err == nil {
		t.Fatal("expected error completing an unknown key")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{
		IdempotencyKey:     "k1",
		RequestFingerprint: "fp",
		Status:             StatusInProgress,
		WorkID:             "w1",
		CreatedAt:          time.Now().Round(time.Second),
		UpdatedAt:          time.Now().Round(time.Second),
		ExpiresAt:          time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, ok := m["idempotency_key"].(*types.AttributeValueMemberS); !ok {
		t.Fatalf("key attribute shape unexpected: %+v", m["idempotency_key"])
	}
	var out Record
	if err := attributevalue.UnmarshalMap(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.RequestFingerprint != rec.RequestFingerprint || out.WorkID != rec.WorkID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
