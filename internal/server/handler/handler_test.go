package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

var discard = slog.New(slog.DiscardHandler)

const testMarket = "00000000000000000000000000000000000000000000000000000000000000ab"

type fakeSnapshots struct {
	current    domain.Snapshot
	currentErr error
	pnl        map[string][]domain.PnLRecord
}

func (f *fakeSnapshots) CreateBuild(context.Context, string) error                         { return nil }
func (f *fakeSnapshots) WritePositions(context.Context, string, []domain.WalletPosition) error { return nil }
func (f *fakeSnapshots) WritePnL(context.Context, string, []domain.PnLRecord) error        { return nil }
func (f *fakeSnapshots) Publish(context.Context, string) error                             { return nil }
func (f *fakeSnapshots) MarkFailed(context.Context, string) error                          { return nil }
func (f *fakeSnapshots) Rollback(context.Context) error                                    { return nil }
func (f *fakeSnapshots) PruneRetired(context.Context, int) (int64, error)                  { return 0, nil }

func (f *fakeSnapshots) Current(context.Context) (domain.Snapshot, error) {
	if f.currentErr != nil {
		return domain.Snapshot{}, f.currentErr
	}
	return f.current, nil
}

func (f *fakeSnapshots) PnLByWallet(_ context.Context, _, wallet string) ([]domain.PnLRecord, error) {
	return f.pnl[wallet], nil
}

type fakeRebuilder struct {
	buildID string
	err     error
}

func (f *fakeRebuilder) Rebuild(context.Context) (string, error) { return f.buildID, f.err }

type fakeRollback struct{ err error }

func (f *fakeRollback) Rollback(context.Context) error { return f.err }

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestGetCurrentSnapshot(t *testing.T) {
	published := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h := NewSnapshotHandler(&fakeSnapshots{current: domain.Snapshot{
		BuildID:     "build-7",
		Status:      domain.SnapshotCurrent,
		PublishedAt: &published,
		Positions:   42,
	}}, nil, nil, discard)

	req := httptest.NewRequest(http.MethodGet, "/api/snapshot", nil)
	rec := httptest.NewRecorder()
	h.GetCurrent(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "build-7", body["build_id"])
	assert.Equal(t, float64(42), body["positions"])
}

func TestGetCurrentSnapshotNotPublished(t *testing.T) {
	h := NewSnapshotHandler(&fakeSnapshots{currentErr: domain.ErrNoCurrentSnapshot}, nil, nil, discard)

	rec := httptest.NewRecorder()
	h.GetCurrent(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func walletRequest(path, wallet string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.SetPathValue("wallet", wallet)
	return req
}

func TestWalletPnLKeepsUnknownNull(t *testing.T) {
	realized := 25.0
	snapshots := &fakeSnapshots{
		current: domain.Snapshot{BuildID: "build-7", Status: domain.SnapshotCurrent},
		pnl: map[string][]domain.PnLRecord{
			"0xalice": {
				{Wallet: "0xalice", MarketID: testMarket, RealizedPnL: &realized, Coverage: domain.CoverageExcellent},
				{Wallet: "0xalice", MarketID: testMarket, OutcomeIndex: 1, Coverage: domain.CoverageNone},
			},
		},
	}
	h := NewSnapshotHandler(snapshots, nil, nil, discard)

	rec := httptest.NewRecorder()
	h.WalletPnL(rec, walletRequest("/api/wallets/0xalice/pnl", "0xalice"))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(25), body["total_pnl"])

	records := body["records"].([]any)
	require.Len(t, records, 2)
	unknown := records[1].(map[string]any)
	assert.Nil(t, unknown["realized_pnl"])
	assert.Nil(t, unknown["unrealized_pnl"])
	assert.Equal(t, "none", unknown["coverage"])
}

func TestWalletPnLTotalUnknownWhenNothingComputable(t *testing.T) {
	snapshots := &fakeSnapshots{
		current: domain.Snapshot{BuildID: "build-7"},
		pnl: map[string][]domain.PnLRecord{
			"0xbob": {{Wallet: "0xbob", MarketID: testMarket, Coverage: domain.CoverageNone}},
		},
	}
	h := NewSnapshotHandler(snapshots, nil, nil, discard)

	rec := httptest.NewRecorder()
	h.WalletPnL(rec, walletRequest("/api/wallets/0xbob/pnl", "0xbob"))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Nil(t, body["total_pnl"], "unknown total must be null, not zero")
}

func TestTriggerRebuildGateConflict(t *testing.T) {
	h := NewSnapshotHandler(&fakeSnapshots{}, &fakeRebuilder{
		err: domain.ErrGateFailed,
	}, nil, discard)

	rec := httptest.NewRecorder()
	h.TriggerRebuild(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot/rebuild", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTriggerRebuildReturnsBuildID(t *testing.T) {
	h := NewSnapshotHandler(&fakeSnapshots{}, &fakeRebuilder{buildID: "build-9"}, nil, discard)

	rec := httptest.NewRecorder()
	h.TriggerRebuild(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot/rebuild", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "build-9", decodeBody(t, rec)["build_id"])
}

func TestRollbackNothingRetired(t *testing.T) {
	h := NewSnapshotHandler(&fakeSnapshots{}, nil, &fakeRollback{
		err: domain.ErrNoCurrentSnapshot,
	}, discard)

	rec := httptest.NewRecorder()
	h.Rollback(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot/rollback", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeResolutions struct {
	rows map[string]domain.MarketResolution
}

func (f *fakeResolutions) Upsert(context.Context, domain.MarketResolution) error { return nil }
func (f *fakeResolutions) ListAll(context.Context) ([]domain.MarketResolution, error) {
	return nil, nil
}

func (f *fakeResolutions) GetByMarket(_ context.Context, marketID string) (domain.MarketResolution, error) {
	res, ok := f.rows[marketID]
	if !ok {
		return domain.MarketResolution{}, domain.ErrNotFound
	}
	return res, nil
}

func TestGetMarketResolutionCanonicalizes(t *testing.T) {
	h := NewResolutionHandler(&fakeResolutions{rows: map[string]domain.MarketResolution{
		testMarket: {
			MarketID:          testMarket,
			PayoutNumerators:  []int64{1, 0},
			PayoutDenominator: 1,
			Source:            domain.SourceOnchain,
		},
	}}, discard)

	req := httptest.NewRequest(http.MethodGet, "/api/resolutions/0xAB", nil)
	req.SetPathValue("market", "0xAB")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, testMarket, body["market_id"])
	assert.Equal(t, "onchain", body["source"])
}

func TestGetMarketResolutionUnresolved(t *testing.T) {
	h := NewResolutionHandler(&fakeResolutions{rows: map[string]domain.MarketResolution{}}, discard)

	req := httptest.NewRequest(http.MethodGet, "/api/resolutions/0xcc", nil)
	req.SetPathValue("market", "0xcc")
	rec := httptest.NewRecorder()
	h.GetMarket(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/resolutions/nope", nil)
	req.SetPathValue("market", "nope")
	rec = httptest.NewRecorder()
	h.GetMarket(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakeCoordinator struct {
	checkpoints []domain.Checkpoint
	retryErr    error
	retried     bool
}

func (f *fakeCoordinator) Status(context.Context) ([]domain.Checkpoint, error) {
	return f.checkpoints, nil
}

func (f *fakeCoordinator) RetryErrors(context.Context) error {
	f.retried = true
	return f.retryErr
}

func TestBackfillStatus(t *testing.T) {
	h := NewBackfillHandler(&fakeCoordinator{checkpoints: []domain.Checkpoint{
		{WorkerID: 0, FromBlock: 1, ToBlock: 100, LastProcessedBlock: 100, EventsSeen: 10},
		{WorkerID: 1, FromBlock: 101, ToBlock: 200, LastProcessedBlock: 150, Errors: []domain.ShardError{
			{FromBlock: 120, ToBlock: 129, Reason: "rpc"},
		}},
	}}, discard)

	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/backfill/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	workers := decodeBody(t, rec)["workers"].([]any)
	require.Len(t, workers, 2)

	first := workers[0].(map[string]any)
	assert.Equal(t, true, first["done"])
	second := workers[1].(map[string]any)
	assert.Equal(t, false, second["done"])
	assert.Equal(t, float64(50), second["lag"])
	assert.Len(t, second["error_shards"].([]any), 1)
}

func TestBackfillRetry(t *testing.T) {
	coord := &fakeCoordinator{}
	h := NewBackfillHandler(coord, discard)

	rec := httptest.NewRecorder()
	h.RetryErrors(rec, httptest.NewRequest(http.MethodPost, "/api/backfill/retry", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, coord.retried)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthCheckDegraded(t *testing.T) {
	h := NewHealthHandler(map[string]Pinger{
		"postgres": fakePinger{},
		"redis":    fakePinger{err: errors.New("connection refused")},
	}, discard)

	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.True(t, strings.Contains(checks["redis"].(string), "refused"))
}

type fakeTrades struct {
	trades []domain.CanonicalTrade
}

func (f *fakeTrades) UpsertBatch(context.Context, []domain.CanonicalTrade) error { return nil }
func (f *fakeTrades) ListAll(context.Context) ([]domain.CanonicalTrade, error)   { return nil, nil }
func (f *fakeTrades) Count(context.Context) (int64, error)                       { return 0, nil }

func (f *fakeTrades) ListByWallet(_ context.Context, wallet string) ([]domain.CanonicalTrade, error) {
	var out []domain.CanonicalTrade
	for _, t := range f.trades {
		if t.Wallet == wallet {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestWalletTradesLowercasesWallet(t *testing.T) {
	h := NewTradeHandler(&fakeTrades{trades: []domain.CanonicalTrade{
		{TradeKey: "t1", Wallet: "0xalice", MarketID: testMarket, Direction: domain.DirectionBuy},
	}}, discard)

	req := httptest.NewRequest(http.MethodGet, "/api/wallets/0xALICE/trades", nil)
	req.SetPathValue("wallet", "0xALICE")
	rec := httptest.NewRecorder()
	h.WalletTrades(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "0xalice", body["wallet"])
	assert.Len(t, body["trades"].([]any), 1)
}
