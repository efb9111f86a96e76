package domain

import "time"

// EventKind distinguishes the two raw transfer flavours the chain emits for a
// trade: conditional-token (share) transfers and collateral (cash) transfers.
type EventKind string

const (
	EventKindTokenTransfer EventKind = "token_transfer"
	EventKindCashTransfer  EventKind = "cash_transfer"
)

// RawEvent is one decoded chain log, append-only and produced exactly once per
// (tx_hash, log_index). TokenID is the uint256 position id as a decimal string
// for token transfers and empty for cash transfers; Amount is shares or
// collateral units depending on Kind.
type RawEvent struct {
	TxHash      string
	LogIndex    uint32
	BlockNumber uint64
	BlockTime   time.Time
	Contract    string
	Kind        EventKind
	From        string
	To          string
	TokenID     string
	Amount      string
}

// TradeLeg is the intermediate form between a RawEvent and a CanonicalTrade:
// one wallet-side effect of a transfer, before per-transaction direction
// inference and deduplication.
type TradeLeg struct {
	TxHash       string
	LogIndex     uint32
	Wallet       string
	MarketID     string // canonical form
	OutcomeIndex int
	Shares       float64 // signed: positive received, negative sent
	Cash         float64 // signed: positive received, negative sent
	BlockTime    time.Time
	IngestedAt   time.Time
}
