package main

// LifecycleMessage is the payload sent from API -> SQS -> worker.
type LifecycleMessage struct {
	WorkID         string `json:"work_id"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
