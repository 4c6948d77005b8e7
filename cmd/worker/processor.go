package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-idempotent-submissionflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-submissionflow/internal/works"
)

// Processor consumes lifecycle events and turns them into CloudWatch
// counters. It never mutates works; the orchestrator owns all state.
type Processor struct {
	metrics *aws.Metrics
	log     *zap.Logger
}

// NewProcessor creates a worker processor with AWS clients injected.
func NewProcessor(clients *aws.AWSClients, namespace string, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		metrics: aws.NewMetrics(clients.CloudWatch, namespace),
		log:     log,
	}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			p.log.Error("worker error", zap.String("message_id", rec.MessageId), zap.Error(err))
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg LifecycleMessage
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.WorkID == "" || msg.Status == "" {
		return fmt.Errorf("incomplete lifecycle message: %q", rec.Body)
	}

	switch msg.Status {
	case works.StatusDone, works.StatusFailed, works.StatusFileUploadFailed:
	default:
		// non-terminal statuses are not counted, but not an error either
		p.log.Debug("skipping non-terminal status",
			zap.String("work_id", msg.WorkID),
			zap.String("status", msg.Status))
		return nil
	}

	if err := p.metrics.CountSubmission(ctx, msg.Status); err != nil {
		return fmt.Errorf("count submission: %w", err)
	}

	p.log.Info("counted submission outcome",
		zap.String("work_id", msg.WorkID),
		zap.String("status", msg.Status))
	return nil
}
