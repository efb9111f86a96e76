package domain

import "time"

// Direction is the inferred side of a trade from the wallet's point of view.
// "unknown" is a first-class value: ambiguous flows are never guessed.
type Direction string

const (
	DirectionBuy     Direction = "buy"
	DirectionSell    Direction = "sell"
	DirectionUnknown Direction = "unknown"
)

// Confidence grades how well-supported an inferred direction is.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// CanonicalTrade is the deduplicated, direction-inferred representation of one
// economic trade. TradeKey is the natural key: re-ingesting the same raw
// events must map to the same key, so upserts stay idempotent.
type CanonicalTrade struct {
	TradeKey     string
	Wallet       string
	MarketID     string // canonical form
	OutcomeIndex int
	Direction    Direction
	Shares       float64
	Price        float64
	USDValue     float64
	BlockTime    time.Time
	Confidence   Confidence
	IngestedAt   time.Time
}
