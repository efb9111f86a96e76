package s3blob

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Exporter uploads CSV extracts of a published snapshot generation to blob
// storage. Exports are read-only artifacts keyed by build id; re-exporting
// the same generation overwrites the same objects with identical content.
type Exporter struct {
	writer domain.BlobWriter
}

func NewExporter(writer domain.BlobWriter) *Exporter {
	return &Exporter{writer: writer}
}

// ExportPositions uploads one generation's positions as CSV at
// snapshots/{buildID}/positions.csv and returns the row count.
func (e *Exporter) ExportPositions(ctx context.Context, buildID string, positions []domain.WalletPosition) (int64, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"wallet", "market_id", "outcome_index", "net_shares", "cost_basis"}); err != nil {
		return 0, fmt.Errorf("s3blob: positions header: %w", err)
	}
	for _, p := range positions {
		rec := []string{
			p.Wallet,
			p.MarketID,
			strconv.Itoa(p.OutcomeIndex),
			formatFloat(p.NetShares),
			formatFloat(p.CostBasis),
		}
		if err := w.Write(rec); err != nil {
			return 0, fmt.Errorf("s3blob: positions row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("s3blob: positions flush: %w", err)
	}

	path := exportPath(buildID, "positions")
	if err := e.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "text/csv"); err != nil {
		return 0, fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return int64(len(positions)), nil
}

// ExportPnL uploads one generation's PnL records as CSV at
// snapshots/{buildID}/pnl.csv. Unknown PnL serializes as an empty cell, not
// as zero.
func (e *Exporter) ExportPnL(ctx context.Context, buildID string, records []domain.PnLRecord) (int64, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"wallet", "market_id", "outcome_index", "realized_pnl", "unrealized_pnl", "coverage"}); err != nil {
		return 0, fmt.Errorf("s3blob: pnl header: %w", err)
	}
	for _, r := range records {
		rec := []string{
			r.Wallet,
			r.MarketID,
			strconv.Itoa(r.OutcomeIndex),
			formatOptional(r.RealizedPnL),
			formatOptional(r.UnrealizedPnL),
			string(r.Coverage),
		}
		if err := w.Write(rec); err != nil {
			return 0, fmt.Errorf("s3blob: pnl row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("s3blob: pnl flush: %w", err)
	}

	path := exportPath(buildID, "pnl")
	if err := e.writer.Put(ctx, path, bytes.NewReader(buf.Bytes()), "text/csv"); err != nil {
		return 0, fmt.Errorf("s3blob: upload %s: %w", path, err)
	}
	return int64(len(records)), nil
}

func exportPath(buildID, kind string) string {
	return fmt.Sprintf("snapshots/%s/%s.csv", buildID, kind)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
