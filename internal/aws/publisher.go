package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// LifecycleEvent is published when a submission reaches a terminal analyze
// outcome. The worker consumes these for telemetry; delivery is best-effort.
type LifecycleEvent struct {
	WorkID         string `json:"work_id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// PublishLifecycle sends a submission lifecycle event to SQS.
func (p *Publisher) PublishLifecycle(ctx context.Context, ev LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	msgBody := string(body)

	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &msgBody,
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"work_id": {
				DataType:    awsString("String"),
				StringValue: &ev.WorkID,
			},
			"status": {
				DataType:    awsString("String"),
				StringValue: &ev.Status,
			},
		},
	}

	if _, err := p.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
