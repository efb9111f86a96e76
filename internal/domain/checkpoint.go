package domain

import "time"

// ShardError records one block-range shard that exhausted its retries. The
// backfill skips it (non-fatal) and operators re-run error shards later.
type ShardError struct {
	FromBlock uint64    `json:"from_block"`
	ToBlock   uint64    `json:"to_block"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// Checkpoint is the durable progress marker for one backfill worker. It is
// advanced only after a shard fully commits, so a worker restarted at
// LastProcessedBlock+1 never gaps and never double-applies.
type Checkpoint struct {
	WorkerID           int
	FromBlock          uint64
	ToBlock            uint64
	LastProcessedBlock uint64
	EventsSeen         int64
	TradesWritten      int64
	Errors             []ShardError
	StartedAt          time.Time
	UpdatedAt          time.Time
}

// Done reports whether the worker's partition is fully processed.
func (c Checkpoint) Done() bool {
	return c.LastProcessedBlock >= c.ToBlock
}

// Lag returns how many blocks remain in the worker's partition.
func (c Checkpoint) Lag() uint64 {
	if c.Done() {
		return 0
	}
	return c.ToBlock - c.LastProcessedBlock
}
