package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// TradeHandler serves the canonical trade log.
type TradeHandler struct {
	trades domain.TradeStore
	logger *slog.Logger
}

func NewTradeHandler(trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// WalletTrades returns every canonical trade for one wallet in block-time
// order.
// GET /api/wallets/{wallet}/trades
func (h *TradeHandler) WalletTrades(w http.ResponseWriter, r *http.Request) {
	wallet := strings.ToLower(pathParam(r, "wallet"))
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "missing wallet")
		return
	}

	trades, err := h.trades.ListByWallet(r.Context(), wallet)
	if err != nil {
		h.logger.Error("wallet trades lookup failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "trade lookup failed")
		return
	}

	out := make([]map[string]any, 0, len(trades))
	for _, t := range trades {
		out = append(out, map[string]any{
			"trade_key":     t.TradeKey,
			"market_id":     t.MarketID,
			"outcome_index": t.OutcomeIndex,
			"direction":     t.Direction,
			"shares":        t.Shares,
			"price":         t.Price,
			"usd_value":     t.USDValue,
			"block_time":    t.BlockTime,
			"confidence":    t.Confidence,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"wallet": wallet,
		"trades": out,
	})
}
