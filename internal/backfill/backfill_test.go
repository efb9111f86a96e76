package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// memCheckpoints is an in-memory CheckpointStore.
type memCheckpoints struct {
	mu  sync.Mutex
	cps map[int]domain.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: make(map[int]domain.Checkpoint)}
}

func (m *memCheckpoints) Get(_ context.Context, workerID int) (domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[workerID]
	if !ok {
		return domain.Checkpoint{}, domain.ErrNotFound
	}
	return cp, nil
}

func (m *memCheckpoints) Upsert(_ context.Context, cp domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cp.WorkerID] = cp
	return nil
}

func (m *memCheckpoints) List(context.Context) ([]domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Checkpoint, 0, len(m.cps))
	for _, cp := range m.cps {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// memCommitter mirrors the transactional store: events keyed by
// (tx_hash, log_index), trades upserted by trade key, checkpoint advanced in
// the same step.
type memCommitter struct {
	mu          sync.Mutex
	events      map[string]domain.RawEvent
	trades      map[string]domain.CanonicalTrade
	checkpoints *memCheckpoints
}

func newMemCommitter(cps *memCheckpoints) *memCommitter {
	return &memCommitter{
		events:      make(map[string]domain.RawEvent),
		trades:      make(map[string]domain.CanonicalTrade),
		checkpoints: cps,
	}
}

func (m *memCommitter) CommitShard(ctx context.Context, res domain.ShardResult) error {
	m.mu.Lock()
	for _, ev := range res.Events {
		m.events[fmt.Sprintf("%s:%d", ev.TxHash, ev.LogIndex)] = ev
	}
	for _, t := range res.Trades {
		m.trades[t.TradeKey] = t
	}
	m.mu.Unlock()

	cp, err := m.checkpoints.Get(ctx, res.WorkerID)
	if err != nil {
		return err
	}
	if res.ToBlock > cp.LastProcessedBlock {
		cp.LastProcessedBlock = res.ToBlock
	}
	cp.EventsSeen += int64(len(res.Events))
	cp.TradesWritten += int64(len(res.Trades))
	cp.UpdatedAt = time.Now()
	return m.checkpoints.Upsert(ctx, cp)
}

// scriptedFetcher synthesizes one complete trade (share leg plus cash leg)
// per block and can fail configured block ranges.
type scriptedFetcher struct {
	mu         sync.Mutex
	failRanges map[[2]uint64]int // remaining failures per exact range
	calls      int
	onFetch    func(fromBlock uint64)
}

func tokenID(block uint64) string {
	// market id derived from the block, outcome 0, packed in the low byte.
	return fmt.Sprintf("%d", block<<8)
}

func (s *scriptedFetcher) FetchRange(_ context.Context, fromBlock, toBlock uint64) ([]domain.RawEvent, error) {
	s.mu.Lock()
	s.calls++
	if left, ok := s.failRanges[[2]uint64{fromBlock, toBlock}]; ok && left != 0 {
		s.failRanges[[2]uint64{fromBlock, toBlock}] = left - 1
		s.mu.Unlock()
		return nil, errors.New("provider exploded")
	}
	hook := s.onFetch
	s.mu.Unlock()
	if hook != nil {
		hook(fromBlock)
	}

	var events []domain.RawEvent
	for b := fromBlock; b <= toBlock; b++ {
		tx := fmt.Sprintf("%064x", b)
		bt := time.Unix(int64(b)*1000, 0).UTC()
		events = append(events,
			domain.RawEvent{
				TxHash: tx, LogIndex: 0, BlockNumber: b, BlockTime: bt,
				Kind: domain.EventKindTokenTransfer,
				From: "0xmaker", To: "0xtaker",
				TokenID: tokenID(b), Amount: "1000000",
			},
			domain.RawEvent{
				TxHash: tx, LogIndex: 1, BlockNumber: b, BlockTime: bt,
				Kind: domain.EventKindCashTransfer,
				From: "0xtaker", To: "0xmaker",
				Amount: "600000",
			},
		)
	}
	return events, nil
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestPartitionCoversRangeDisjointly(t *testing.T) {
	parts := Partition(100, 1099, 4)
	require.Len(t, parts, 4)

	assert.Equal(t, uint64(100), parts[0][0])
	assert.Equal(t, uint64(1099), parts[3][1])
	for i := 1; i < len(parts); i++ {
		assert.Equal(t, parts[i-1][1]+1, parts[i][0], "partitions must be contiguous")
	}
}

func TestPartitionSmallRangeFewerWorkers(t *testing.T) {
	parts := Partition(10, 12, 8)
	require.Len(t, parts, 3)
	assert.Equal(t, [2]uint64{10, 10}, parts[0])
	assert.Equal(t, [2]uint64{12, 12}, parts[2])
}

func TestCoordinatorBackfillsWholeRange(t *testing.T) {
	cps := newMemCheckpoints()
	committer := newMemCommitter(cps)
	coord := NewCoordinator(&scriptedFetcher{}, committer, cps, 3, 10, discard())

	require.NoError(t, coord.Run(context.Background(), 100, 199))

	// Two events and two trades (buyer and seller) per block.
	assert.Len(t, committer.events, 200)
	assert.Len(t, committer.trades, 200)

	status, err := coord.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 3)
	for _, cp := range status {
		assert.True(t, cp.Done(), "worker %d not done", cp.WorkerID)
		assert.Empty(t, cp.Errors)
	}
}

func TestWorkerResumeMatchesUninterruptedRun(t *testing.T) {
	// Uninterrupted reference run.
	refCps := newMemCheckpoints()
	refCommitter := newMemCommitter(refCps)
	ref := NewWorker(0, &scriptedFetcher{}, refCommitter, refCps, 10, discard())
	require.NoError(t, ref.Run(context.Background(), 100, 159))

	// Interrupted run: cancel after the second shard starts.
	cps := newMemCheckpoints()
	committer := newMemCommitter(cps)
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := &scriptedFetcher{}
	fetcher.onFetch = func(fromBlock uint64) {
		if fromBlock >= 120 {
			cancel()
		}
	}
	interrupted := NewWorker(0, fetcher, committer, cps, 10, discard())
	require.NoError(t, interrupted.Run(ctx, 100, 159), "cancellation is a clean stop")

	cp, err := cps.Get(context.Background(), 0)
	require.NoError(t, err)
	require.False(t, cp.Done())

	// Restart and finish.
	resumed := NewWorker(0, &scriptedFetcher{}, committer, cps, 10, discard())
	require.NoError(t, resumed.Run(context.Background(), 100, 159))

	assert.Equal(t, refCommitter.events, committer.events)
	assert.Equal(t, len(refCommitter.trades), len(committer.trades))
	for key, want := range refCommitter.trades {
		got, ok := committer.trades[key]
		require.True(t, ok, "missing trade %s", key)
		assert.Equal(t, want.Shares, got.Shares)
		assert.Equal(t, want.Direction, got.Direction)
	}
}

func TestWorkerRecordsFailedShardAndContinues(t *testing.T) {
	cps := newMemCheckpoints()
	committer := newMemCommitter(cps)
	fetcher := &scriptedFetcher{failRanges: map[[2]uint64]int{{110, 119}: -1}}

	worker := NewWorker(0, fetcher, committer, cps, 10, discard())
	require.NoError(t, worker.Run(context.Background(), 100, 129))

	cp, err := cps.Get(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, cp.Errors, 1)
	assert.Equal(t, uint64(110), cp.Errors[0].FromBlock)
	assert.Equal(t, uint64(119), cp.Errors[0].ToBlock)
	assert.True(t, cp.Done(), "later shards still commit")

	// Blocks around the failed shard made it in.
	assert.Contains(t, committer.events, fmt.Sprintf("%064x:0", uint64(105)))
	assert.Contains(t, committer.events, fmt.Sprintf("%064x:0", uint64(125)))
	assert.NotContains(t, committer.events, fmt.Sprintf("%064x:0", uint64(115)))
}

func TestRetryErrorsRecoversShard(t *testing.T) {
	cps := newMemCheckpoints()
	committer := newMemCommitter(cps)
	fetcher := &scriptedFetcher{failRanges: map[[2]uint64]int{{110, 119}: 1}}

	coord := NewCoordinator(fetcher, committer, cps, 1, 10, discard())
	require.NoError(t, coord.Run(context.Background(), 100, 129))

	cp, _ := cps.Get(context.Background(), 0)
	require.Len(t, cp.Errors, 1)

	// The provider has recovered; the recorded shard re-runs clean.
	require.NoError(t, coord.RetryErrors(context.Background()))

	cp, _ = cps.Get(context.Background(), 0)
	assert.Empty(t, cp.Errors)
	assert.Contains(t, committer.events, fmt.Sprintf("%064x:0", uint64(115)))
}
