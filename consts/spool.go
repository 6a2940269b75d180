package consts

import "time"

const (
	// DefaultScanLimit caps the number of keys examined per Accept cycle.
	DefaultScanLimit = 1000

	// DefaultMaxWait bounds a single Accept sleep.
	DefaultMaxWait = 60 * time.Second

	// DefaultErrorDelay is how long an item in the error state rests before retry.
	DefaultErrorDelay = 5 * time.Minute

	DefaultWorkers = 4
)

// Hand-off modes for items whose state moves to another pipeline.
const (
	HandoffInline  = "inline"
	HandoffRequeue = "requeue"
)

// MailspoolAdvisoryLockID is the postgres advisory lock held while schema
// migrations run.
const MailspoolAdvisoryLockID int64 = 0x6d61696c73706f6f

// SpoolRepositoryName partitions the spool's own records in shared SQL tables.
const SpoolRepositoryName = "spool"
