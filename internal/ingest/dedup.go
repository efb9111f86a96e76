package ingest

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

// fallbackBucket is the time-bucket width used by the composite natural key
// when a transaction hash is missing or malformed. Overlapping ingestion
// passes land the same economic trade within the same bucket.
const fallbackBucket = time.Hour

// NaturalKey derives the deduplication key for a trade. The transaction hash
// is preferred when well-formed; otherwise a composite of wallet, market,
// outcome, size, price, and a coarse time bucket stands in. One economic
// trade appearing in 2-5 overlapping ingestion passes must always map to the
// same key.
func NaturalKey(t domain.CanonicalTrade, txHash string) string {
	if wellFormedTxHash(txHash) {
		return fmt.Sprintf("tx:%s:%s:%s:%d",
			strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(txHash, "0x"), "0X")),
			strings.ToLower(t.Wallet), t.MarketID, t.OutcomeIndex)
	}
	bucket := t.BlockTime.UTC().Truncate(fallbackBucket).Unix()
	return fmt.Sprintf("cmp:%s:%s:%d:%.6f:%.6f:%d",
		strings.ToLower(t.Wallet), t.MarketID, t.OutcomeIndex, t.Shares, t.Price, bucket)
}

// Dedupe collapses trades sharing a natural key down to one representative,
// keeping the most recently ingested copy (last-write-wins). Input order does
// not matter.
func Dedupe(trades []domain.CanonicalTrade) []domain.CanonicalTrade {
	byKey := make(map[string]domain.CanonicalTrade, len(trades))
	order := make([]string, 0, len(trades))
	for _, t := range trades {
		existing, seen := byKey[t.TradeKey]
		if !seen {
			order = append(order, t.TradeKey)
			byKey[t.TradeKey] = t
			continue
		}
		if t.IngestedAt.After(existing.IngestedAt) {
			byKey[t.TradeKey] = t
		}
	}

	out := make([]domain.CanonicalTrade, 0, len(byKey))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// wellFormedTxHash reports whether s looks like a 32-byte transaction hash.
func wellFormedTxHash(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 64 {
		return false
	}
	allZero := true
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
		if c != '0' {
			allZero = false
		}
	}
	return !allZero
}
