package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// Rebuilder triggers a full derive-and-publish cycle.
type Rebuilder interface {
	Rebuild(ctx context.Context) (string, error)
}

// RollbackRunner reverts to the previously current snapshot generation.
type RollbackRunner interface {
	Rollback(ctx context.Context) error
}

// SnapshotHandler serves the published derived state: the current generation,
// per-wallet PnL out of it, and the operator actions (rebuild, rollback).
type SnapshotHandler struct {
	snapshots domain.SnapshotStore
	rebuilder Rebuilder
	rollback  RollbackRunner
	logger    *slog.Logger
}

func NewSnapshotHandler(snapshots domain.SnapshotStore, rebuilder Rebuilder, rollback RollbackRunner, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{
		snapshots: snapshots,
		rebuilder: rebuilder,
		rollback:  rollback,
		logger:    logger,
	}
}

// GetCurrent returns metadata for the current snapshot generation.
// GET /api/snapshot
func (h *SnapshotHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshots.Current(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoCurrentSnapshot) {
			writeError(w, http.StatusNotFound, "no snapshot published yet")
			return
		}
		h.logger.Error("current snapshot lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"build_id":     snap.BuildID,
		"status":       snap.Status,
		"created_at":   snap.CreatedAt,
		"published_at": snap.PublishedAt,
		"positions":    snap.Positions,
		"pnl_records":  snap.PnLRecords,
	})
}

// WalletPnL returns the wallet's PnL records from the current generation.
// Unknown PnL components serialize as null, never as zero.
// GET /api/wallets/{wallet}/pnl
func (h *SnapshotHandler) WalletPnL(w http.ResponseWriter, r *http.Request) {
	wallet := pathParam(r, "wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "missing wallet")
		return
	}

	snap, err := h.snapshots.Current(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrNoCurrentSnapshot) {
			writeError(w, http.StatusNotFound, "no snapshot published yet")
			return
		}
		h.logger.Error("current snapshot lookup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "snapshot lookup failed")
		return
	}

	records, err := h.snapshots.PnLByWallet(r.Context(), snap.BuildID, wallet)
	if err != nil {
		h.logger.Error("wallet pnl lookup failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "pnl lookup failed")
		return
	}

	out := make([]map[string]any, 0, len(records))
	var total float64
	totalKnown := false
	for _, rec := range records {
		out = append(out, map[string]any{
			"market_id":      rec.MarketID,
			"outcome_index":  rec.OutcomeIndex,
			"realized_pnl":   rec.RealizedPnL,
			"unrealized_pnl": rec.UnrealizedPnL,
			"coverage":       rec.Coverage,
		})
		if v, ok := rec.TotalPnL(); ok {
			total += v
			totalKnown = true
		}
	}

	resp := map[string]any{
		"build_id": snap.BuildID,
		"wallet":   wallet,
		"records":  out,
	}
	if totalKnown {
		resp["total_pnl"] = total
	} else {
		resp["total_pnl"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

// TriggerRebuild runs a full rebuild synchronously and returns the new build
// id, or the gate error that blocked it.
// POST /api/snapshot/rebuild
func (h *SnapshotHandler) TriggerRebuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := h.rebuilder.Rebuild(r.Context())
	if err != nil {
		if errors.Is(err, domain.ErrGateFailed) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("manual rebuild failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "rebuild failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"build_id": buildID})
}

// Rollback re-activates the previously current generation.
// POST /api/snapshot/rollback
func (h *SnapshotHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	if err := h.rollback.Rollback(r.Context()); err != nil {
		if errors.Is(err, domain.ErrNoCurrentSnapshot) {
			writeError(w, http.StatusNotFound, "no retired snapshot to roll back to")
			return
		}
		h.logger.Error("rollback failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "rollback failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled back"})
}
