package publish

import "time"

// maxPublishDelay caps the exponential backoff between publish
// attempts for the same revision.
const maxPublishDelay = 7 * 24 * time.Hour

// CalculateNextTryTime returns the earliest time at which a revision
// may be published again, given how often it has been attempted
// before. The first attempt is immediate; after that the wait doubles
// per attempt, up to a week.
func CalculateNextTryTime(finishTime time.Time, attemptCount int) time.Time {
	if attemptCount <= 0 {
		return finishTime
	}
	// 2^8 hours already exceeds the cap; bailing out early also keeps
	// the shift below from overflowing for large attempt counts.
	if attemptCount >= 8 {
		return finishTime.Add(maxPublishDelay)
	}
	delay := time.Duration(1<<uint(attemptCount)) * time.Hour
	if delay > maxPublishDelay {
		delay = maxPublishDelay
	}
	return finishTime.Add(delay)
}
