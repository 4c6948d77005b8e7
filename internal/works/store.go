package works

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws"
)

// AssignmentHashIndex is the GSI used by the plagiarism matcher
// (HASH assignment_hash, RANGE submitted_sort).
const AssignmentHashIndex = "assignment-hash-index"

// ErrLedgerKeyExists indicates the transactional first write lost the race:
// another request already holds the idempotency key.
var ErrLedgerKeyExists = errors.New("idempotency key already exists")

// ErrContentConflict indicates an attempt to attach a second, different
// content id to a work that already has one.
var ErrContentConflict = errors.New("different content id already attached")

// ErrWorkMissing indicates a conditional update targeted a work that does
// not exist.
var ErrWorkMissing = errors.New("work not found")

// ErrStatusMismatch indicates a CAS transition observed a status other than
// the one it expected.
var ErrStatusMismatch = errors.New("work status mismatch")

// Store encapsulates operations on the works and reports tables.
type Store struct {
	client       aws.DynamoDBAPI
	worksTable   string
	reportsTable string
	nowFunc      func() time.Time
}

// NewStore creates a works Store over the two tables.
func NewStore(client aws.DynamoDBAPI, worksTable, reportsTable string) *Store {
	return &Store{
		client:       client,
		worksTable:   worksTable,
		reportsTable: reportsTable,
		nowFunc:      time.Now,
	}
}

// CreateWithLedger atomically creates the ledger record (guarded by
// attribute_not_exists on the key) and the Work row via TransactWriteItems.
// Exactly one concurrent first-writer for a key succeeds; losers get
// ErrLedgerKeyExists and must re-read the ledger to resolve resumed/conflict.
func (s *Store) CreateWithLedger(ctx context.Context, ledgerTable string, ledgerItem interface{}, work Work) error {
	ledgerMap, err := attributevalue.MarshalMap(ledgerItem)
	if err != nil {
		return fmt.Errorf("marshal ledger item: %w", err)
	}

	work.UpdatedAt = s.nowFunc()
	workMap, err := attributevalue.MarshalMap(work)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}

	input := &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &ledgerTable,
					Item:                ledgerMap,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.worksTable,
					Item:                workMap,
					ConditionExpression: awsString("attribute_not_exists(work_id)"),
				},
			},
		},
	}

	if _, err := s.client.TransactWriteItems(ctx, input); err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return ErrLedgerKeyExists
		}
		// the SDK sometimes surfaces the cancellation through the generic
		// API error instead of the typed exception
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "TransactionCanceledException" {
			return ErrLedgerKeyExists
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches a work by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, workID string) (*Work, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.worksTable,
		Key: map[string]types.AttributeValue{
			"work_id": &types.AttributeValueMemberS{Value: workID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var w Work
	if err := attributevalue.UnmarshalMap(out.Item, &w); err != nil {
		return nil, fmt.Errorf("unmarshal work: %w", err)
	}
	return &w, nil
}

// AttachContent binds a content id to a work exactly once. Re-attaching the
// same id is a no-op; a different id fails with ErrContentConflict.
func (s *Store) AttachContent(ctx context.Context, workID, contentID string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.worksTable,
		Key: map[string]types.AttributeValue{
			"work_id": &types.AttributeValueMemberS{Value: workID},
		},
		UpdateExpression: awsString("SET content_id = :cid, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: contentID},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("attribute_exists(work_id) AND (attribute_not_exists(content_id) OR content_id = :cid)"),
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			// disambiguate: missing work vs conflicting content id
			w, gerr := s.Get(ctx, workID)
			if gerr == nil && w == nil {
				return ErrWorkMissing
			}
			return ErrContentConflict
		}
		return fmt.Errorf("update item (attach content): %w", err)
	}
	return nil
}

// UpdateStatus sets the work status regardless of the current one. It serves
// the re-entry into ANALYZING, which is legal from CREATED, FAILED,
// FILE_UPLOAD_FAILED and a cancelled ANALYZING alike; terminal transitions
// go through TransitionStatus instead. Returns ErrWorkMissing for unknown ids.
func (s *Store) UpdateStatus(ctx context.Context, workID, newStatus string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.worksTable,
		Key: map[string]types.AttributeValue{
			"work_id": &types.AttributeValueMemberS{Value: workID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new": &types.AttributeValueMemberS{Value: newStatus},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("attribute_exists(work_id)"),
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrWorkMissing
		}
		return fmt.Errorf("update item (status): %w", err)
	}
	return nil
}

// TransitionStatus moves the work from expected to newStatus as a CAS, so
// two racing analyze calls cannot both finalize the same work. Returns
// ErrStatusMismatch when the stored status differs from expected and
// ErrWorkMissing for unknown ids.
func (s *Store) TransitionStatus(ctx context.Context, workID, expected, newStatus string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.worksTable,
		Key: map[string]types.AttributeValue{
			"work_id": &types.AttributeValueMemberS{Value: workID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: newStatus},
			":expected": &types.AttributeValueMemberS{Value: expected},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
		},
		ConditionExpression: awsString("attribute_exists(work_id) AND #s = :expected"),
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			w, gerr := s.Get(ctx, workID)
			if gerr == nil && w == nil {
				return ErrWorkMissing
			}
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item (transition): %w", err)
	}
	return nil
}

// SetAnalysis records the content hash and the plagiarism outcome, and
// publishes the work into the assignment-hash index.
func (s *Store) SetAnalysis(ctx context.Context, work *Work, contentHash string, plagiarism bool, sourceWorkID string) error {
	now := s.nowFunc()
	expr := "SET content_hash = :ch, plagiarism_flag = :pf, assignment_hash = :ah, submitted_sort = :ss, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":ch": &types.AttributeValueMemberS{Value: contentHash},
		":pf": &types.AttributeValueMemberBOOL{Value: plagiarism},
		":ah": &types.AttributeValueMemberS{Value: AssignmentHashKey(work.AssignmentID, contentHash)},
		":ss": &types.AttributeValueMemberS{Value: SortKey(work.SubmittedAt, work.WorkID)},
		":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
	}
	if sourceWorkID != "" {
		expr += ", plagiarism_source_work_id = :src"
		values[":src"] = &types.AttributeValueMemberS{Value: sourceWorkID}
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.worksTable,
		Key: map[string]types.AttributeValue{
			"work_id": &types.AttributeValueMemberS{Value: work.WorkID},
		},
		UpdateExpression:          &expr,
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("attribute_exists(work_id)"),
	}
	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrWorkMissing
		}
		return fmt.Errorf("update item (analysis): %w", err)
	}

	work.ContentHash = contentHash
	work.PlagiarismFlag = plagiarism
	work.PlagiarismSourceWorkID = sourceWorkID
	return nil
}

// FindPlagiarismSource returns the earliest analyzed work for the same
// assignment and content hash that sorts strictly before beforeSort and
// belongs to a different student, or nil when there is none. beforeSort is
// the current work's SortKey, so equal submission timestamps resolve
// deterministically by work id.
func (s *Store) FindPlagiarismSource(ctx context.Context, assignmentID, contentHash, beforeSort, excludeStudentID string) (*Work, error) {
	input := &dyn.QueryInput{
		TableName:              &s.worksTable,
		IndexName:              awsString(AssignmentHashIndex),
		KeyConditionExpression: awsString("assignment_hash = :ah AND submitted_sort < :cur"),
		FilterExpression:       awsString("student_id <> :sid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ah":  &types.AttributeValueMemberS{Value: AssignmentHashKey(assignmentID, contentHash)},
			":cur": &types.AttributeValueMemberS{Value: beforeSort},
			":sid": &types.AttributeValueMemberS{Value: excludeStudentID},
		},
	}

	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", AssignmentHashIndex, err)
		}
		if len(out.Items) > 0 {
			var w Work
			if err := attributevalue.UnmarshalMap(out.Items[0], &w); err != nil {
				return nil, fmt.Errorf("unmarshal work: %w", err)
			}
			return &w, nil
		}
		if len(out.LastEvaluatedKey) == 0 {
			return nil, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// EnsureReport inserts the report unless one of the same type already
// exists for the work. Returns created=false when a concurrent analyze (or
// an earlier attempt) won the insert; the loser keeps the existing row.
func (s *Store) EnsureReport(ctx context.Context, r Report) (bool, error) {
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return false, fmt.Errorf("marshal report: %w", err)
	}
	input := &dyn.PutItemInput{
		TableName:           &s.reportsTable,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(work_id)"),
	}
	if _, err := s.client.PutItem(ctx, input); err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return false, nil
		}
		return false, fmt.Errorf("put report: %w", err)
	}
	return true, nil
}

// GetReport fetches one report by work id and type. (nil, nil) if absent.
func (s *Store) GetReport(ctx context.Context, workID, reportType string) (*Report, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.reportsTable,
		Key: map[string]types.AttributeValue{
			"work_id":     &types.AttributeValueMemberS{Value: workID},
			"report_type": &types.AttributeValueMemberS{Value: reportType},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var r Report
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

// ListReports returns all reports for a work ordered by creation time.
func (s *Store) ListReports(ctx context.Context, workID string) ([]Report, error) {
	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.reportsTable,
		KeyConditionExpression: awsString("work_id = :wid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":wid": &types.AttributeValueMemberS{Value: workID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}

	reports := make([]Report, 0, len(out.Items))
	for _, item := range out.Items {
		var r Report
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshal report: %w", err)
		}
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.Before(reports[j].CreatedAt)
		}
		return reports[i].Type < reports[j].Type
	})
	return reports, nil
}

func awsString(s string) *string { return &s }
