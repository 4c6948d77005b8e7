package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws/awstest"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/works"
)

func sqsEvent(t *testing.T, msgs ...LifecycleMessage) events.SQSEvent {
	t.Helper()
	ev := events.SQSEvent{}
	for _, m := range msgs {
		body, err := json.Marshal(m)
		if err != nil {
			t.Fatalf("marshal message: %v", err)
		}
		ev.Records = append(ev.Records, events.SQSMessage{Body: string(body)})
	}
	return ev
}

func TestProcessor_CountsTerminalOutcomes(t *testing.T) {
	cw := &awstest.CloudWatch{}
	p := NewProcessor(&aws.AWSClients{CloudWatch: cw}, "SubmissionFlow", nil)

	ev := sqsEvent(t,
		LifecycleMessage{WorkID: "w1", Status: works.StatusDone, IdempotencyKey: "k1"},
		LifecycleMessage{WorkID: "w2", Status: works.StatusFailed, IdempotencyKey: "k2"},
	)
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}

	if len(cw.Calls) != 2 {
		t.Fatalf("expected 2 metric calls, got %d", len(cw.Calls))
	}
	first := cw.Calls[0].MetricData[0]
	if got := *first.MetricName; got != "SubmissionOutcome" {
		t.Fatalf("unexpected metric name %q", got)
	}
	if got := *first.Dimensions[0].Value; got != works.StatusDone {
		t.Fatalf("unexpected status dimension %q", got)
	}
}

func TestProcessor_SkipsNonTerminalStatus(t *testing.T) {
	cw := &awstest.CloudWatch{}
	p := NewProcessor(&aws.AWSClients{CloudWatch: cw}, "SubmissionFlow", nil)

	ev := sqsEvent(t, LifecycleMessage{WorkID: "w1", Status: works.StatusAnalyzing})
	if err := p.Handle(context.Background(), ev); err != nil {
		t.Fatalf("unexpected worker error: %v", err)
	}
	if len(cw.Calls) != 0 {
		t.Fatalf("expected no metric calls, got %d", len(cw.Calls))
	}
}

func TestProcessor_InvalidBody(t *testing.T) {
	cw := &awstest.CloudWatch{}
	p := NewProcessor(&aws.AWSClients{CloudWatch: cw}, "SubmissionFlow", nil)

	ev := events.SQSEvent{Records: []events.SQSMessage{{Body: "not json"}}}
	if err := p.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected error for invalid body, got nil")
	}
}

func TestProcessor_IncompleteMessage(t *testing.T) {
	cw := &awstest.CloudWatch{}
	p := NewProcessor(&aws.AWSClients{CloudWatch: cw}, "SubmissionFlow", nil)

	ev := sqsEvent(t, LifecycleMessage{WorkID: "w1"}) // status missing
	if err := p.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected error for incomplete message, got nil")
	}
}

func TestProcessor_MetricsFailurePropagates(t *testing.T) {
	cw := &awstest.CloudWatch{Err: errors.New("throttled")}
	p := NewProcessor(&aws.AWSClients{CloudWatch: cw}, "SubmissionFlow", nil)

	ev := sqsEvent(t, LifecycleMessage{WorkID: "w1", Status: works.StatusDone})
	if err := p.Handle(context.Background(), ev); err == nil {
		t.Fatal("expected error when metrics publish fails, got nil")
	}
}
