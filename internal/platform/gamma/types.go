package gamma

import (
	"encoding/json"
	"strings"
	"time"
)

// flexBool unmarshals from JSON bool or string ("true"/"false"); the catalog
// API sends both depending on endpoint.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// APIMarket is a market as returned by the catalog API. Outcomes arrives as
// a JSON-encoded string array, for example "[\"Yes\",\"No\"]".
type APIMarket struct {
	ID          string   `json:"id"`
	ConditionID string   `json:"condition_id"`
	Question    string   `json:"question"`
	Slug        string   `json:"slug"`
	Active      flexBool `json:"active"`
	Closed      bool     `json:"closed"`
	Outcomes    string   `json:"outcomes"`
	Tokens      []Token  `json:"tokens"`
	ResolvedBy  string   `json:"resolved_by"`
	UpdatedAt   string   `json:"updated_at"`
}

// Token is one outcome token entry in the catalog response. Winner is only
// meaningful once the market is closed.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// OutcomeLabels decodes the JSON-encoded outcome list, falling back to the
// token outcomes when the field is absent. The returned order is the outcome
// index order and is never re-sorted.
func (m *APIMarket) OutcomeLabels() []string {
	if m.Outcomes != "" {
		var labels []string
		if err := json.Unmarshal([]byte(m.Outcomes), &labels); err == nil && len(labels) > 0 {
			return labels
		}
	}
	labels := make([]string, 0, len(m.Tokens))
	for _, t := range m.Tokens {
		labels = append(labels, t.Outcome)
	}
	return labels
}

// TokenIDs returns the outcome token ids in outcome index order.
func (m *APIMarket) TokenIDs() []string {
	ids := make([]string, 0, len(m.Tokens))
	for _, t := range m.Tokens {
		ids = append(ids, t.TokenID)
	}
	return ids
}

// WinnerIndex returns the zero-based index of the winning token, or -1 when
// no winner is flagged.
func (m *APIMarket) WinnerIndex() int {
	for i, t := range m.Tokens {
		if t.Winner {
			return i
		}
	}
	return -1
}

// ResolvedTime parses the market's update timestamp, zero on failure.
func (m *APIMarket) ResolvedTime() time.Time {
	t, err := time.Parse(time.RFC3339, m.UpdatedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}
