package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/duckmesh/querygen/internal/bus"
)

type ReindexQueue struct {
	db    *sql.DB
	clock func() time.Time
}

func NewReindexQueue(db *sql.DB) *ReindexQueue {
	return &ReindexQueue{db: db, clock: time.Now}
}

const publishQuery = `
INSERT INTO reindex_job (tenant_id, reason, state)
VALUES ($1, $2, 'pending')
ON CONFLICT (tenant_id) WHERE state = 'pending'
DO UPDATE SET reason = EXCLUDED.reason, updated_at = NOW()
RETURNING job_id, (xmax = 0) AS inserted`

func (q *ReindexQueue) Publish(ctx context.Context, tenantID, reason string) (bus.PublishResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return bus.PublishResult{}, fmt.Errorf("tenant id is required")
	}
	var jobID int64
	var inserted bool
	if err := q.db.QueryRowContext(ctx, publishQuery, tenantID, reason).Scan(&jobID, &inserted); err != nil {
		return bus.PublishResult{}, fmt.Errorf("publish reindex job for %q: %w", tenantID, err)
	}
	return bus.PublishResult{JobID: strconv.FormatInt(jobID, 10), Inserted: inserted}, nil
}

const claimQuery = `
UPDATE reindex_job
SET state = 'claimed', lease_owner = $1, lease_until = $2, attempt = attempt + 1, updated_at = NOW()
WHERE job_id IN (
    SELECT job_id
    FROM reindex_job
    WHERE state = 'pending'
    ORDER BY job_id ASC
    FOR UPDATE SKIP LOCKED
    LIMIT $3
)
RETURNING job_id, tenant_id, reason, attempt, requested_at`

func (q *ReindexQueue) Claim(ctx context.Context, consumerID string, limit int, leaseSeconds int) (bus.Claim, error) {
	if limit <= 0 {
		limit = 8
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 120
	}
	leaseUntil := q.clock().UTC().Add(time.Duration(leaseSeconds) * time.Second)

	rows, err := q.db.QueryContext(ctx, claimQuery, consumerID, leaseUntil, limit)
	if err != nil {
		return bus.Claim{}, fmt.Errorf("claim reindex jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	claim := bus.Claim{ConsumerID: consumerID, LeaseUntil: leaseUntil}
	for rows.Next() {
		var jobID int64
		var job bus.Job
		if err := rows.Scan(&jobID, &job.TenantID, &job.Reason, &job.Attempt, &job.RequestedAt); err != nil {
			return bus.Claim{}, fmt.Errorf("scan claimed job: %w", err)
		}
		job.JobID = strconv.FormatInt(jobID, 10)
		claim.Jobs = append(claim.Jobs, job)
	}
	if err := rows.Err(); err != nil {
		return bus.Claim{}, fmt.Errorf("iterate claimed jobs: %w", err)
	}
	return claim, nil
}

const ackQuery = `
UPDATE reindex_job
SET state = 'done', lease_owner = NULL, lease_until = NULL, last_error = '', updated_at = NOW()
WHERE job_id = $1 AND state = 'claimed' AND lease_owner = $2`

func (q *ReindexQueue) Ack(ctx context.Context, consumerID string, jobIDs []string) error {
	return q.settle(ctx, "ack", ackQuery, consumerID, jobIDs)
}

const nackQuery = `
UPDATE reindex_job
SET state = 'failed', lease_owner = NULL, lease_until = NULL, last_error = $3, updated_at = NOW()
WHERE job_id = $1 AND state = 'claimed' AND lease_owner = $2`

func (q *ReindexQueue) Nack(ctx context.Context, consumerID string, jobIDs []string, reason string) error {
	return q.settle(ctx, "nack", nackQuery, consumerID, jobIDs, reason)
}

func (q *ReindexQueue) settle(ctx context.Context, verb, query, consumerID string, jobIDs []string, extra ...any) error {
	parsed, err := parseJobIDs(jobIDs)
	if err != nil {
		return err
	}
	if len(parsed) == 0 {
		return nil
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", verb, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, jobID := range parsed {
		args := append([]any{jobID, consumerID}, extra...)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s job %d: %w", verb, jobID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("read %s rows affected: %w", verb, err)
		}
		if affected == 0 {
			return fmt.Errorf("%s job %d: not claimed by %s", verb, jobID, consumerID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s tx: %w", verb, err)
	}
	return nil
}

// An expired job whose tenant already has a newer pending job is
// superseded instead of requeued.
const supersedeExpiredQuery = `
UPDATE reindex_job AS j
SET state = 'failed', lease_owner = NULL, lease_until = NULL, last_error = 'superseded', updated_at = NOW()
WHERE j.state = 'claimed' AND j.lease_until < NOW()
  AND EXISTS (SELECT 1 FROM reindex_job AS p WHERE p.tenant_id = j.tenant_id AND p.state = 'pending')`

const requeueExpiredQuery = `
WITH moved AS (
    UPDATE reindex_job
    SET state = 'pending', lease_owner = NULL, lease_until = NULL, updated_at = NOW()
    WHERE state = 'claimed' AND lease_until IS NOT NULL AND lease_until < NOW()
    RETURNING job_id
)
SELECT COUNT(*) FROM moved`

func (q *ReindexQueue) RequeueExpired(ctx context.Context) (int, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, supersedeExpiredQuery); err != nil {
		return 0, fmt.Errorf("supersede expired jobs: %w", err)
	}
	var count int
	if err := tx.QueryRowContext(ctx, requeueExpiredQuery).Scan(&count); err != nil {
		return 0, fmt.Errorf("requeue expired jobs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue tx: %w", err)
	}
	return count, nil
}

func parseJobIDs(jobIDs []string) ([]int64, error) {
	parsed := make([]int64, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		value, err := strconv.ParseInt(jobID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid job id %q: %w", jobID, err)
		}
		parsed = append(parsed, value)
	}
	return parsed, nil
}

var _ bus.ReindexQueue = (*ReindexQueue)(nil)
