package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
	"github.com/alanyoungcy/polyledger/internal/feed"
	"github.com/alanyoungcy/polyledger/internal/publish"
	"github.com/alanyoungcy/polyledger/internal/resolution"
	"github.com/alanyoungcy/polyledger/internal/settle"
)

var (
	marketYes = strings.Repeat("0", 60) + "beef"
	discard   = slog.New(slog.DiscardHandler)
)

// ---------------------------------------------------------------------------
// fakes

type fakeOnchainSource struct {
	candidates []domain.ResolutionCandidate
	err        error
}

func (f *fakeOnchainSource) FetchRange(context.Context, uint64, uint64) ([]domain.ResolutionCandidate, error) {
	return f.candidates, f.err
}

type fakeCuratedSource struct {
	pages [][]domain.ResolutionCandidate
	calls int
}

func (f *fakeCuratedSource) ListResolvedCandidates(_ context.Context, _, _ int) ([]domain.ResolutionCandidate, error) {
	if f.calls >= len(f.pages) {
		return nil, nil
	}
	page := f.pages[f.calls]
	f.calls++
	return page, nil
}

type memResolutionStore struct {
	rows map[string]domain.MarketResolution
}

func newMemResolutionStore() *memResolutionStore {
	return &memResolutionStore{rows: make(map[string]domain.MarketResolution)}
}

func (s *memResolutionStore) Upsert(_ context.Context, res domain.MarketResolution) error {
	s.rows[res.MarketID] = res
	return nil
}

func (s *memResolutionStore) GetByMarket(_ context.Context, marketID string) (domain.MarketResolution, error) {
	res, ok := s.rows[marketID]
	if !ok {
		return domain.MarketResolution{}, domain.ErrNotFound
	}
	return res, nil
}

func (s *memResolutionStore) ListAll(context.Context) ([]domain.MarketResolution, error) {
	out := make([]domain.MarketResolution, 0, len(s.rows))
	for _, res := range s.rows {
		out = append(out, res)
	}
	return out, nil
}

type memTradeStore struct {
	trades []domain.CanonicalTrade
}

func (s *memTradeStore) UpsertBatch(_ context.Context, trades []domain.CanonicalTrade) error {
	s.trades = append(s.trades, trades...)
	return nil
}

func (s *memTradeStore) ListAll(context.Context) ([]domain.CanonicalTrade, error) {
	return s.trades, nil
}

func (s *memTradeStore) ListByWallet(_ context.Context, wallet string) ([]domain.CanonicalTrade, error) {
	var out []domain.CanonicalTrade
	for _, t := range s.trades {
		if t.Wallet == wallet {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *memTradeStore) Count(context.Context) (int64, error) {
	return int64(len(s.trades)), nil
}

type memPriceCache struct {
	mu     sync.Mutex
	prices map[string]float64
}

func (c *memPriceCache) key(marketID string, outcomeIndex int) string {
	return marketID + "#" + strings.Repeat("i", outcomeIndex+1)
}

func (c *memPriceCache) SetPrice(_ context.Context, marketID string, outcomeIndex int, price float64, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prices == nil {
		c.prices = make(map[string]float64)
	}
	c.prices[c.key(marketID, outcomeIndex)] = price
	return nil
}

func (c *memPriceCache) GetPrice(_ context.Context, marketID string, outcomeIndex int) (float64, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.prices[c.key(marketID, outcomeIndex)]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, time.Now(), nil
}

type fakePriceSource struct {
	midpoints map[string]float64
	lastTrade map[string]float64
}

func (f *fakePriceSource) GetMidpoint(_ context.Context, tokenID string) (float64, error) {
	p, ok := f.midpoints[tokenID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakePriceSource) GetLastTradePrice(_ context.Context, tokenID string) (float64, error) {
	p, ok := f.lastTrade[tokenID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return p, nil
}

type memSnapshots struct {
	builds  map[string]domain.SnapshotStatus
	current string
}

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{builds: make(map[string]domain.SnapshotStatus)}
}

func (s *memSnapshots) CreateBuild(_ context.Context, buildID string) error {
	s.builds[buildID] = domain.SnapshotBuilding
	return nil
}

func (s *memSnapshots) WritePositions(context.Context, string, []domain.WalletPosition) error {
	return nil
}

func (s *memSnapshots) WritePnL(context.Context, string, []domain.PnLRecord) error {
	return nil
}

func (s *memSnapshots) Publish(_ context.Context, buildID string) error {
	if s.current != "" {
		s.builds[s.current] = domain.SnapshotRetired
	}
	s.builds[buildID] = domain.SnapshotCurrent
	s.current = buildID
	return nil
}

func (s *memSnapshots) MarkFailed(_ context.Context, buildID string) error {
	s.builds[buildID] = domain.SnapshotFailed
	return nil
}

func (s *memSnapshots) Rollback(context.Context) error { return nil }

func (s *memSnapshots) Current(context.Context) (domain.Snapshot, error) {
	if s.current == "" {
		return domain.Snapshot{}, domain.ErrNoCurrentSnapshot
	}
	return domain.Snapshot{BuildID: s.current, Status: domain.SnapshotCurrent}, nil
}

func (s *memSnapshots) PnLByWallet(context.Context, string, string) ([]domain.PnLRecord, error) {
	return nil, nil
}

func (s *memSnapshots) PruneRetired(context.Context, int) (int64, error) { return 0, nil }

type memLocks struct{}

func (memLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

type memBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not implemented")
}

type memExporter struct {
	positions int
	pnl       int
}

func (e *memExporter) ExportPositions(_ context.Context, _ string, positions []domain.WalletPosition) (int64, error) {
	e.positions += len(positions)
	return int64(len(positions)), nil
}

func (e *memExporter) ExportPnL(_ context.Context, _ string, records []domain.PnLRecord) (int64, error) {
	e.pnl += len(records)
	return int64(len(records)), nil
}

// ---------------------------------------------------------------------------
// resolution syncer

func onchainCandidate(marketID string, winning int) domain.ResolutionCandidate {
	numerators := []int64{0, 0}
	numerators[winning] = 1
	return domain.ResolutionCandidate{
		MarketID:          marketID,
		Source:            domain.SourceOnchain,
		PayoutNumerators:  numerators,
		PayoutDenominator: 1,
		WinningIndex:      winning,
	}
}

func TestSyncMergesSourcesAndStores(t *testing.T) {
	onchain := &fakeOnchainSource{candidates: []domain.ResolutionCandidate{
		onchainCandidate("0xbeef", 0),
	}}
	curated := &fakeCuratedSource{pages: [][]domain.ResolutionCandidate{{
		// Lower priority and disagreeing; the onchain row must win.
		{
			MarketID:          "0xBEEF",
			Source:            domain.SourceCurated,
			PayoutNumerators:  []int64{0, 1},
			PayoutDenominator: 1,
			WinningIndex:      1,
		},
		{
			MarketID:          "0xcafe",
			Source:            domain.SourceCurated,
			PayoutNumerators:  []int64{1, 0},
			PayoutDenominator: 1,
			WinningIndex:      0,
		},
	}}}
	store := newMemResolutionStore()
	syncer := NewResolutionSyncer(onchain, curated, resolution.NewAggregator(nil, discard), store, discard)

	n, err := syncer.Sync(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	beef, err := store.GetByMarket(context.Background(), marketYes)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceOnchain, beef.Source)
	assert.Equal(t, 0, beef.WinningIndex)
}

func TestSyncSurfacesOnchainFailure(t *testing.T) {
	onchain := &fakeOnchainSource{err: errors.New("rpc down")}
	syncer := NewResolutionSyncer(onchain, nil, resolution.NewAggregator(nil, discard), newMemResolutionStore(), discard)

	_, err := syncer.Sync(context.Background(), 1, 100)
	require.ErrorContains(t, err, "rpc down")
}

// ---------------------------------------------------------------------------
// price refresher

func TestRefreshPrefersMidpointFallsBackToLastTrade(t *testing.T) {
	cache := &memPriceCache{}
	source := &fakePriceSource{
		midpoints: map[string]float64{"tok-a": 0.6},
		lastTrade: map[string]float64{"tok-b": 0.2},
	}
	tokens := map[string]feed.TokenRef{
		"tok-a": {MarketID: marketYes, OutcomeIndex: 0},
		"tok-b": {MarketID: marketYes, OutcomeIndex: 1},
		"tok-c": {MarketID: marketYes, OutcomeIndex: 2}, // no price anywhere
	}
	r := NewPriceRefresher(source, tokens, cache, discard)

	n, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, _, err := cache.GetPrice(context.Background(), marketYes, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, p, 1e-9)

	p, _, err = cache.GetPrice(context.Background(), marketYes, 1)
	require.NoError(t, err)
	assert.InDelta(t, 0.2, p, 1e-9)

	_, _, err = cache.GetPrice(context.Background(), marketYes, 2)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unpriced token must stay unpriced")
}

// ---------------------------------------------------------------------------
// rebuilder

func balancedTrades() []domain.CanonicalTrade {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return []domain.CanonicalTrade{
		{
			TradeKey: "t1", Wallet: "0xalice", MarketID: marketYes, OutcomeIndex: 0,
			Direction: domain.DirectionBuy, Shares: 100, Price: 0.5, USDValue: 50,
			BlockTime: now, Confidence: domain.ConfidenceHigh, IngestedAt: now,
		},
		{
			TradeKey: "t2", Wallet: "0xbob", MarketID: marketYes, OutcomeIndex: 0,
			Direction: domain.DirectionSell, Shares: 100, Price: 0.5, USDValue: 50,
			BlockTime: now, Confidence: domain.ConfidenceHigh, IngestedAt: now,
		},
	}
}

func newTestRebuilder(trades domain.TradeStore, resolutions domain.ResolutionStore, bus domain.SignalBus, exporter SnapshotExporter, snapshots domain.SnapshotStore) *Rebuilder {
	engine := settle.NewEngine(&memPriceCache{}, 15*time.Minute, discard)
	gate := publish.NewGate(publish.GateConfig{
		CashToleranceUSD: 0.01,
		FanoutTolerance:  0.001,
	}, discard)
	publisher := publish.NewPublisher(snapshots, gate, memLocks{}, time.Minute, discard)
	return NewRebuilder(trades, resolutions, engine, publisher, bus, exporter, discard)
}

func TestRebuildPublishesAnnouncesAndExports(t *testing.T) {
	trades := &memTradeStore{trades: balancedTrades()}
	resolutions := newMemResolutionStore()
	require.NoError(t, resolutions.Upsert(context.Background(), domain.MarketResolution{
		MarketID:          marketYes,
		PayoutNumerators:  []int64{1, 0},
		PayoutDenominator: 1,
		WinningIndex:      0,
		Source:            domain.SourceOnchain,
	}))

	bus := &memBus{}
	exporter := &memExporter{}
	snapshots := newMemSnapshots()
	r := newTestRebuilder(trades, resolutions, bus, exporter, snapshots)

	buildID, err := r.Rebuild(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, buildID)

	cur, err := snapshots.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, buildID, cur.BuildID)

	require.Len(t, bus.messages[snapshotChannel], 1)
	assert.Contains(t, string(bus.messages[snapshotChannel][0]), buildID)

	assert.Equal(t, 2, exporter.positions)
	assert.Equal(t, 2, exporter.pnl)
}

func TestRebuildGateFailureLeavesNoCurrentSnapshot(t *testing.T) {
	// A one-sided resolved market violates cash neutrality.
	trades := &memTradeStore{trades: balancedTrades()[:1]}
	resolutions := newMemResolutionStore()
	require.NoError(t, resolutions.Upsert(context.Background(), domain.MarketResolution{
		MarketID:          marketYes,
		PayoutNumerators:  []int64{1, 0},
		PayoutDenominator: 1,
		WinningIndex:      0,
		Source:            domain.SourceOnchain,
	}))

	bus := &memBus{}
	snapshots := newMemSnapshots()
	r := newTestRebuilder(trades, resolutions, bus, &memExporter{}, snapshots)

	_, err := r.Rebuild(context.Background())
	require.ErrorIs(t, err, domain.ErrGateFailed)

	_, err = snapshots.Current(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoCurrentSnapshot)
	assert.Empty(t, bus.messages, "blocked build must not be announced")
}
