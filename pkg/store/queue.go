package store

import (
	"context"

	"github.com/pkg/errors"
)

// Reschedule buckets. The runner drains buckets in its own priority
// order; the names record why the run was requeued.
const (
	BucketUpdateExistingMP = "update-existing-mp"
	BucketUpdateNewMP      = "update-new-mp"
	BucketMissingDeps      = "missing-deps"
	BucketControl          = "control"
	BucketDefault          = "default"
)

// Reschedule queues (codebase, campaign) for a fresh run. Repeated
// reschedules of the same pair collapse into one queue entry, keeping
// the most recent bucket and requestor.
func (s *Store) Reschedule(ctx context.Context, codebase, campaign, command, bucket, requestor string) error {
	if bucket == "" {
		bucket = BucketDefault
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (codebase, campaign, command, bucket, requestor)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (codebase, campaign) DO UPDATE SET
			command = COALESCE(EXCLUDED.command, queue.command),
			bucket = EXCLUDED.bucket,
			requestor = EXCLUDED.requestor`,
		codebase, campaign, nullStr(command), bucket, nullStr(requestor))
	return errors.Wrap(err, "rescheduling")
}
