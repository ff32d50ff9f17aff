// Package bus carries reindex requests from the API to the indexer worker.
package bus

import (
	"context"
	"time"
)

type JobState string

const (
	StatePending JobState = "pending"
	StateClaimed JobState = "claimed"
	StateDone    JobState = "done"
	StateFailed  JobState = "failed"
)

type Job struct {
	JobID       string
	TenantID    string
	Reason      string
	Attempt     int
	RequestedAt time.Time
}

type Claim struct {
	ConsumerID string
	LeaseUntil time.Time
	Jobs       []Job
}

type PublishResult struct {
	JobID string
	// Inserted is false when a pending job for the tenant already existed
	// and absorbed the request.
	Inserted bool
}

// ReindexQueue holds at most one pending job per tenant. Claimed jobs carry
// a lease; jobs whose lease expires go back to pending.
type ReindexQueue interface {
	Publish(ctx context.Context, tenantID, reason string) (PublishResult, error)
	Claim(ctx context.Context, consumerID string, limit int, leaseSeconds int) (Claim, error)
	Ack(ctx context.Context, consumerID string, jobIDs []string) error
	Nack(ctx context.Context, consumerID string, jobIDs []string, reason string) error
	RequeueExpired(ctx context.Context) (int, error)
}
