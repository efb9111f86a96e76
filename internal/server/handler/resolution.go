package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyledger/internal/canon"
	"github.com/alanyoungcy/polyledger/internal/domain"
)

// ResolutionHandler serves aggregated market resolutions.
type ResolutionHandler struct {
	resolutions domain.ResolutionStore
	logger      *slog.Logger
}

func NewResolutionHandler(resolutions domain.ResolutionStore, logger *slog.Logger) *ResolutionHandler {
	return &ResolutionHandler{resolutions: resolutions, logger: logger}
}

// GetMarket returns the authoritative payout vector for one market. An
// unresolved market is a 404, never a zero vector.
// GET /api/resolutions/{market}
func (h *ResolutionHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID, err := canon.MarketID(pathParam(r, "market"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}

	res, err := h.resolutions.GetByMarket(r.Context(), marketID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market unresolved")
			return
		}
		h.logger.Error("resolution lookup failed",
			slog.String("market_id", marketID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "resolution lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id":          res.MarketID,
		"payout_numerators":  res.PayoutNumerators,
		"payout_denominator": res.PayoutDenominator,
		"winning_index":      res.WinningIndex,
		"resolved_at":        res.ResolvedAt,
		"source":             res.Source,
	})
}
