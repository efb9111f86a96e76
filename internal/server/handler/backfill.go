package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// BackfillStatusSource reports worker checkpoints and retries error shards.
type BackfillStatusSource interface {
	Status(ctx context.Context) ([]domain.Checkpoint, error)
	RetryErrors(ctx context.Context) error
}

// BackfillHandler exposes backfill progress and the error-shard retry action.
type BackfillHandler struct {
	coordinator BackfillStatusSource
	logger      *slog.Logger
}

func NewBackfillHandler(coordinator BackfillStatusSource, logger *slog.Logger) *BackfillHandler {
	return &BackfillHandler{coordinator: coordinator, logger: logger}
}

// Status returns every worker checkpoint with counters and recorded error
// shards.
// GET /api/backfill/status
func (h *BackfillHandler) Status(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.coordinator.Status(r.Context())
	if err != nil {
		h.logger.Error("backfill status failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "backfill status failed")
		return
	}

	out := make([]map[string]any, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, map[string]any{
			"worker_id":            cp.WorkerID,
			"from_block":           cp.FromBlock,
			"to_block":             cp.ToBlock,
			"last_processed_block": cp.LastProcessedBlock,
			"events_seen":          cp.EventsSeen,
			"trades_written":       cp.TradesWritten,
			"done":                 cp.Done(),
			"lag":                  cp.Lag(),
			"error_shards":         cp.Errors,
			"updated_at":           cp.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": out})
}

// RetryErrors re-runs every recorded error shard synchronously.
// POST /api/backfill/retry
func (h *BackfillHandler) RetryErrors(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.RetryErrors(r.Context()); err != nil {
		h.logger.Error("error-shard retry failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retry complete"})
}
