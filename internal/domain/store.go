package domain

import (
	"context"
)

// ShardResult is everything one committed shard contributes: the raw events
// fetched from the chain and the canonical trades derived from them. It is
// applied atomically together with the worker's checkpoint advance.
type ShardResult struct {
	WorkerID  int
	FromBlock uint64
	ToBlock   uint64
	Events    []RawEvent
	Trades    []CanonicalTrade
}

// ShardCommitter applies a fully-processed shard in a single transaction:
// append raw events, upsert canonical trades, advance the checkpoint. Either
// everything in the shard lands or nothing does.
type ShardCommitter interface {
	CommitShard(ctx context.Context, res ShardResult) error
}

// RawEventStore persists the append-only raw event log, keyed by
// (tx_hash, log_index). Re-inserting an existing event is a no-op.
type RawEventStore interface {
	InsertBatch(ctx context.Context, events []RawEvent) error
	Count(ctx context.Context) (int64, error)
	ListRange(ctx context.Context, fromBlock, toBlock uint64) ([]RawEvent, error)
}

// TradeStore persists canonical trades, upsertable by trade_key with
// last-write-wins on ingestion time.
type TradeStore interface {
	UpsertBatch(ctx context.Context, trades []CanonicalTrade) error
	ListAll(ctx context.Context) ([]CanonicalTrade, error)
	ListByWallet(ctx context.Context, wallet string) ([]CanonicalTrade, error)
	Count(ctx context.Context) (int64, error)
}

// ResolutionStore persists aggregated market resolutions, one authoritative
// row per canonical market id.
type ResolutionStore interface {
	Upsert(ctx context.Context, res MarketResolution) error
	GetByMarket(ctx context.Context, marketID string) (MarketResolution, error)
	ListAll(ctx context.Context) ([]MarketResolution, error)
}

// CheckpointStore persists one checkpoint row per backfill worker. Rows are
// disjoint per worker, so concurrent workers never contend.
type CheckpointStore interface {
	Get(ctx context.Context, workerID int) (Checkpoint, error)
	Upsert(ctx context.Context, cp Checkpoint) error
	List(ctx context.Context) ([]Checkpoint, error)
}

// SnapshotStore manages derived-state generations. WritePositions and
// WritePnL only ever touch the named building generation; Publish performs
// the single atomic swap that makes a generation current.
type SnapshotStore interface {
	CreateBuild(ctx context.Context, buildID string) error
	WritePositions(ctx context.Context, buildID string, positions []WalletPosition) error
	WritePnL(ctx context.Context, buildID string, records []PnLRecord) error
	Publish(ctx context.Context, buildID string) error
	MarkFailed(ctx context.Context, buildID string) error
	Rollback(ctx context.Context) error
	Current(ctx context.Context) (Snapshot, error)
	PnLByWallet(ctx context.Context, buildID, wallet string) ([]PnLRecord, error)
	PruneRetired(ctx context.Context, keep int) (int64, error)
}
