package domain

// Market is the catalog view of one prediction market: its canonical id and
// the ordered outcome labels. The label order defines the outcome index used
// everywhere downstream, so it must never be re-sorted. TokenIDs, when
// present, holds the outcome token id at each outcome index.
type Market struct {
	ID            string // canonical form
	Question      string
	OutcomeLabels []string
	TokenIDs      []string
	Closed        bool
}
